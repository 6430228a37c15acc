package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/pkg/logger"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
)

// DevSender pretends to send. It logs the message with the recipient
// redacted and reports a development send, which the queue records as SENT
// rather than DELIVERED.
type DevSender struct{}

var _ newsletter.Dispatcher = DevSender{}

func (DevSender) Send(_ context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	logger.Info("development send",
		"to", msg.To,
		"campaign_id", msg.CampaignID,
		"subject", msg.Subject,
		"html_bytes", len(msg.HTML),
		"attachments", len(msg.Attachments),
	)
	return &domain.SendResult{
		Success:     true,
		MessageID:   "dev-" + uuid.New().String(),
		Development: true,
		SentAt:      time.Now(),
	}, nil
}
