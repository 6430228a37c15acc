// Package mailing renders newsletter bodies with Liquid templates and builds
// the signed per-recipient tracking links embedded in them.
package mailing

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/osteele/liquid"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
)

// NewsletterRenderer renders campaign bodies with Liquid. A campaign may
// carry its own template; otherwise DefaultTemplate is used.
type NewsletterRenderer struct {
	engine   *liquid.Engine
	cache    sync.Map // md5(template) -> *liquid.Template
	siteName string
	siteURL  string
	now      func() time.Time
}

var _ newsletter.Renderer = (*NewsletterRenderer)(nil)

// NewNewsletterRenderer creates a renderer. siteURL is used to build links
// to events, places and posts from their slugs.
func NewNewsletterRenderer(siteName, siteURL string) *NewsletterRenderer {
	r := &NewsletterRenderer{
		engine:   liquid.NewEngine(),
		siteName: siteName,
		siteURL:  strings.TrimRight(siteURL, "/"),
		now:      time.Now,
	}
	r.registerFilters()
	return r
}

func (r *NewsletterRenderer) registerFilters() {
	// {{ subscriber.name | default: "there" }}
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	r.engine.RegisterFilter("truncate", func(s string, length int) string {
		runes := []rune(s)
		if len(runes) <= length {
			return s
		}
		if length <= 3 {
			return string(runes[:length])
		}
		return string(runes[:length-3]) + "..."
	})

	r.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	r.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})
}

// Render builds the bindings for in and renders the campaign's template.
func (r *NewsletterRenderer) Render(_ context.Context, in newsletter.RenderInput) (string, error) {
	if in.Campaign == nil || in.Subscriber == nil {
		return "", fmt.Errorf("render: campaign and subscriber are required")
	}
	src := in.Campaign.Template
	if strings.TrimSpace(src) == "" {
		src = DefaultTemplate
	}

	tpl, err := r.parse(src)
	if err != nil {
		return "", fmt.Errorf("parse template for campaign %s: %w", in.Campaign.ID, err)
	}
	out, err := tpl.RenderString(r.bindings(in))
	if err != nil {
		return "", fmt.Errorf("render campaign %s: %w", in.Campaign.ID, err)
	}
	return out, nil
}

// Parse reports syntax errors in a template without rendering it.
func (r *NewsletterRenderer) Parse(src string) error {
	_, err := r.parse(src)
	return err
}

func (r *NewsletterRenderer) parse(src string) (*liquid.Template, error) {
	sum := md5.Sum([]byte(src))
	key := hex.EncodeToString(sum[:])
	if cached, ok := r.cache.Load(key); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(src)
	if err != nil {
		return nil, err
	}
	r.cache.Store(key, tpl)
	return tpl, nil
}

func (r *NewsletterRenderer) bindings(in newsletter.RenderInput) map[string]interface{} {
	c := in.Campaign
	content := in.Content
	if content == nil {
		content = &domain.SelectedContent{}
	}

	events := make([]map[string]interface{}, 0, len(content.Events))
	for _, e := range content.Events {
		ev := map[string]interface{}{
			"title":       e.Title,
			"description": e.Description,
			"location":    e.Location,
			"image_url":   e.ImageURL,
			"url":         r.link("events", e.Slug),
		}
		if e.StartsAt != nil {
			ev["starts_at"] = e.StartsAt.Format("Mon, Jan 2 · 3:04 PM")
		}
		events = append(events, ev)
	}

	places := make([]map[string]interface{}, 0, len(content.Places))
	for _, p := range content.Places {
		places = append(places, map[string]interface{}{
			"name":        p.Name,
			"description": p.Description,
			"address":     p.Address,
			"image_url":   p.ImageURL,
			"url":         r.link("places", p.Slug),
		})
	}

	posts := make([]map[string]interface{}, 0, len(content.Posts))
	for _, p := range content.Posts {
		posts = append(posts, map[string]interface{}{
			"title":     p.Title,
			"excerpt":   p.Excerpt,
			"image_url": p.ImageURL,
			"url":       r.link("blog", p.Slug),
		})
	}

	return map[string]interface{}{
		"site_name": r.siteName,
		"site_url":  r.siteURL,
		"year":      r.now().Year(),
		"campaign": map[string]interface{}{
			"id":      c.ID,
			"title":   c.Title,
			"subject": c.Subject,
			"content": c.Content,
		},
		"subscriber": map[string]interface{}{
			"name":  in.Subscriber.Name,
			"email": in.Subscriber.Email,
		},
		"events":          events,
		"places":          places,
		"posts":           posts,
		"has_content":     !content.IsEmpty(),
		"open_url":        in.OpenURL,
		"unsubscribe_url": in.UnsubscribeURL,
	}
}

func (r *NewsletterRenderer) link(section, slug string) string {
	if slug == "" || r.siteURL == "" {
		return ""
	}
	return r.siteURL + "/" + section + "/" + url.PathEscape(slug)
}

// DefaultTemplate is the stock newsletter layout.
const DefaultTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{ campaign.title | escape }}</title></head>
<body style="margin:0;padding:0;background:#f4f4f5;font-family:Helvetica,Arial,sans-serif;">
<table width="100%" cellpadding="0" cellspacing="0"><tr><td align="center">
<table width="600" cellpadding="24" cellspacing="0" style="background:#ffffff;">
<tr><td>
<h1 style="margin:0 0 8px;">{{ campaign.title | escape }}</h1>
<p>Hi {{ subscriber.name | default: "there" | escape }},</p>
{{ campaign.content }}
{% if events.size > 0 %}
<h2>Upcoming events</h2>
{% for e in events %}
<div style="margin-bottom:16px;">
{% if e.image_url != "" %}<img src="{{ e.image_url }}" alt="" width="552" style="display:block;">{% endif %}
<h3 style="margin:8px 0 4px;">{% if e.url != "" %}<a href="{{ e.url }}">{{ e.title | escape }}</a>{% else %}{{ e.title | escape }}{% endif %}</h3>
{% if e.starts_at %}<p style="margin:0;color:#52525b;">{{ e.starts_at }}{% if e.location != "" %} · {{ e.location | escape }}{% endif %}</p>{% endif %}
<p>{{ e.description | truncate: 240 | escape }}</p>
</div>
{% endfor %}
{% endif %}
{% if places.size > 0 %}
<h2>Places to visit</h2>
{% for p in places %}
<div style="margin-bottom:16px;">
<h3 style="margin:8px 0 4px;">{% if p.url != "" %}<a href="{{ p.url }}">{{ p.name | escape }}</a>{% else %}{{ p.name | escape }}{% endif %}</h3>
{% if p.address != "" %}<p style="margin:0;color:#52525b;">{{ p.address | escape }}</p>{% endif %}
<p>{{ p.description | truncate: 240 | escape }}</p>
</div>
{% endfor %}
{% endif %}
{% if posts.size > 0 %}
<h2>From the blog</h2>
{% for p in posts %}
<div style="margin-bottom:16px;">
<h3 style="margin:8px 0 4px;">{% if p.url != "" %}<a href="{{ p.url }}">{{ p.title | escape }}</a>{% else %}{{ p.title | escape }}{% endif %}</h3>
<p>{{ p.excerpt | truncate: 240 | escape }}</p>
</div>
{% endfor %}
{% endif %}
</td></tr>
<tr><td style="font-size:12px;color:#71717a;text-align:center;">
&copy; {{ year }} {{ site_name | escape }} ·
<a href="{{ unsubscribe_url }}">Unsubscribe</a>
</td></tr>
</table>
</td></tr></table>
{% if open_url != "" %}<img src="{{ open_url }}" width="1" height="1" alt="" style="display:none;width:1px;height:1px" />{% endif %}
</body>
</html>
`
