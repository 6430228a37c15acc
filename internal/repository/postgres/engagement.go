package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/newsletter-queue/internal/service/newsletter"
)

// RecordOpen stamps the first open on a delivery row. Later opens are no-ops.
// An open for a pair with no delivery row is ignored.
func (s *NewsletterStore) RecordOpen(ctx context.Context, campaignID, subscriberID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE newsletter_deliveries
		SET opened_at = COALESCE(opened_at, $3), updated_at = NOW()
		WHERE campaign_id = $1 AND subscriber_id = $2
	`, campaignID, subscriberID, at)
	if err != nil {
		return fmt.Errorf("record open: %w", err)
	}
	return nil
}

// Unsubscribe marks a subscriber UNSUBSCRIBED. When token is set it must
// match the subscriber's unsubscribe token. Repeating it is harmless.
func (s *NewsletterStore) Unsubscribe(ctx context.Context, subscriberID, token string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE newsletter_subscribers
		SET status = 'UNSUBSCRIBED', unsubscribed_at = COALESCE(unsubscribed_at, $3)
		WHERE id = $1 AND ($2 = '' OR unsubscribe_token = $2)
	`, subscriberID, token, at)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newsletter.ErrNotFound
	}
	return nil
}

// ActiveSubscriberIDs lists every ACTIVE subscriber, oldest first.
func (s *NewsletterStore) ActiveSubscriberIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM newsletter_subscribers
		WHERE status = 'ACTIVE'
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list active subscribers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
