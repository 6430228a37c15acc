package mailing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
)

// ErrBadSignature is returned when a tracking link fails verification.
var ErrBadSignature = errors.New("invalid tracking signature")

// LinkBuilder signs open-pixel and unsubscribe URLs with HMAC-SHA256.
// Link payloads are "org|campaign|subscriber", base64url encoded.
type LinkBuilder struct {
	baseURL    string
	orgID      string
	signingKey []byte
}

var _ newsletter.LinkBuilder = (*LinkBuilder)(nil)

// NewLinkBuilder creates a link builder rooted at trackingURL.
func NewLinkBuilder(trackingURL, orgID, signingKey string) *LinkBuilder {
	return &LinkBuilder{
		baseURL:    strings.TrimRight(trackingURL, "/"),
		orgID:      orgID,
		signingKey: []byte(signingKey),
	}
}

func (b *LinkBuilder) sign(data string) string {
	h := hmac.New(sha256.New, b.signingKey)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (b *LinkBuilder) build(kind, data string) string {
	encoded := base64.URLEncoding.EncodeToString([]byte(data))
	return fmt.Sprintf("%s/track/%s/%s/%s", b.baseURL, kind, encoded, b.sign(data))
}

// OpenURL returns the 1x1 open-tracking pixel URL.
func (b *LinkBuilder) OpenURL(campaignID, subscriberID string) string {
	return b.build("open", b.orgID+"|"+campaignID+"|"+subscriberID)
}

// UnsubscribeURL returns the one-click unsubscribe URL. The subscriber's
// unsubscribe token is folded into the signed payload when present.
func (b *LinkBuilder) UnsubscribeURL(campaignID string, sub *domain.Subscriber) string {
	data := b.orgID + "|" + campaignID + "|" + sub.ID
	if sub.UnsubscribeToken != "" {
		data += "|" + sub.UnsubscribeToken
	}
	return b.build("unsubscribe", data)
}

// LinkData is a verified tracking payload.
type LinkData struct {
	OrgID            string
	CampaignID       string
	SubscriberID     string
	UnsubscribeToken string
}

// Verify decodes a link's payload and checks its signature.
func (b *LinkBuilder) Verify(encoded, sig string) (*LinkData, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode tracking payload: %w", err)
	}
	data := string(raw)
	if !hmac.Equal([]byte(b.sign(data)), []byte(sig)) {
		return nil, ErrBadSignature
	}
	parts := strings.Split(data, "|")
	if len(parts) < 3 {
		return nil, fmt.Errorf("malformed tracking payload")
	}
	ld := &LinkData{OrgID: parts[0], CampaignID: parts[1], SubscriberID: parts[2]}
	if len(parts) > 3 {
		ld.UnsubscribeToken = parts[3]
	}
	return ld, nil
}
