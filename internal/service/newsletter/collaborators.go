package newsletter

import (
	"context"

	"github.com/ignite/newsletter-queue/internal/domain"
)

// Dispatcher hands a fully built message to an email transport.
// A returned error and a result with Success=false are both send failures.
type Dispatcher interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}

// Renderer turns a campaign and its resolved content into an HTML body.
type Renderer interface {
	Render(ctx context.Context, in RenderInput) (string, error)
}

// RenderInput is everything the renderer may reference.
type RenderInput struct {
	Campaign       *domain.Campaign
	Subscriber     *domain.Subscriber
	Content        *domain.SelectedContent
	OpenURL        string
	UnsubscribeURL string
}

// AttachmentLoader fetches attachment bytes by storage key.
type AttachmentLoader interface {
	Load(ctx context.Context, keys []string) ([]domain.Attachment, error)
}

// LinkBuilder produces the per-recipient tracking URLs.
type LinkBuilder interface {
	OpenURL(campaignID, subscriberID string) string
	UnsubscribeURL(campaignID string, sub *domain.Subscriber) string
}

// RunLock is an optional cross-process guard around a processor run.
// distlock.DistLock satisfies it.
type RunLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
