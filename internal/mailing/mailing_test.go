package mailing

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
)

func renderInput() newsletter.RenderInput {
	starts := time.Date(2024, 4, 6, 19, 30, 0, 0, time.UTC)
	return newsletter.RenderInput{
		Campaign: &domain.Campaign{
			ID:      "c1",
			Title:   "April in town",
			Subject: "What's on this April",
			Content: "<p>Spring is here.</p>",
		},
		Subscriber: &domain.Subscriber{ID: "s1", Email: "ana@example.com", Name: "Ana"},
		Content: &domain.SelectedContent{
			Events: []domain.Event{{Title: "Night Market", Slug: "night-market", Location: "Old Port", StartsAt: &starts}},
			Places: []domain.Place{{Name: "Café <Luna>", Slug: "cafe-luna", Address: "12 Main St"}},
			Posts:  []domain.Post{{Title: "Ten picnic spots", Slug: "picnic", Excerpt: "Grab a blanket."}},
		},
		OpenURL:        "https://t.example.com/track/open/abc/123",
		UnsubscribeURL: "https://t.example.com/track/unsubscribe/abc/456",
	}
}

func TestRenderDefaultTemplate(t *testing.T) {
	r := NewNewsletterRenderer("Town Guide", "https://guide.example.com/")
	out, err := r.Render(context.Background(), renderInput())
	require.NoError(t, err)

	assert.Contains(t, out, "April in town")
	assert.Contains(t, out, "Hi Ana,")
	assert.Contains(t, out, "<p>Spring is here.</p>")
	assert.Contains(t, out, `href="https://guide.example.com/events/night-market"`)
	assert.Contains(t, out, "Old Port")
	assert.Contains(t, out, "Café &lt;Luna&gt;")
	assert.Contains(t, out, "From the blog")
	assert.Contains(t, out, `src="https://t.example.com/track/open/abc/123"`)
	assert.Contains(t, out, `href="https://t.example.com/track/unsubscribe/abc/456"`)
}

func TestRenderOmitsEmptySections(t *testing.T) {
	r := NewNewsletterRenderer("Town Guide", "")
	in := renderInput()
	in.Content = nil
	in.Subscriber.Name = ""

	out, err := r.Render(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, out, "Hi there,")
	assert.NotContains(t, out, "Upcoming events")
	assert.NotContains(t, out, "Places to visit")
}

func TestRenderCampaignTemplate(t *testing.T) {
	r := NewNewsletterRenderer("Town Guide", "")
	in := renderInput()
	in.Campaign.Template = `{{ campaign.subject }} for {{ subscriber.name }}{% for p in posts %} / {{ p.title }}{% endfor %}`

	out, err := r.Render(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "What's on this April for Ana / Ten picnic spots", out)
}

func TestRenderRejectsBadTemplate(t *testing.T) {
	r := NewNewsletterRenderer("Town Guide", "")
	in := renderInput()
	in.Campaign.Template = `{% if %}`

	_, err := r.Render(context.Background(), in)
	assert.Error(t, err)
	assert.Error(t, r.Parse(`{% for %}`))
	assert.NoError(t, r.Parse(DefaultTemplate))
}

func TestLinkBuilderSignsAndVerifies(t *testing.T) {
	b := NewLinkBuilder("https://t.example.com/", "org-1", "secret")

	open := b.OpenURL("c1", "s1")
	require.True(t, strings.HasPrefix(open, "https://t.example.com/track/open/"))
	parts := strings.Split(strings.TrimPrefix(open, "https://t.example.com/track/open/"), "/")
	require.Len(t, parts, 2)
	assert.Len(t, parts[1], 16)

	ld, err := b.Verify(parts[0], parts[1])
	require.NoError(t, err)
	assert.Equal(t, &LinkData{OrgID: "org-1", CampaignID: "c1", SubscriberID: "s1"}, ld)

	_, err = b.Verify(parts[0], "0000000000000000")
	assert.ErrorIs(t, err, ErrBadSignature)

	other := NewLinkBuilder("https://t.example.com", "org-1", "different")
	_, err = other.Verify(parts[0], parts[1])
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestUnsubscribeURLCarriesToken(t *testing.T) {
	b := NewLinkBuilder("https://t.example.com", "org-1", "secret")
	u := b.UnsubscribeURL("c1", &domain.Subscriber{ID: "s1", UnsubscribeToken: "tok"})

	parts := strings.Split(strings.TrimPrefix(u, "https://t.example.com/track/unsubscribe/"), "/")
	require.Len(t, parts, 2)
	raw, err := base64.URLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	assert.Equal(t, "org-1|c1|s1|tok", string(raw))

	ld, err := b.Verify(parts[0], parts[1])
	require.NoError(t, err)
	assert.Equal(t, "tok", ld.UnsubscribeToken)
}
