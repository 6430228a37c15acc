package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
)

// NewsletterStore implements newsletter.Store against PostgreSQL.
type NewsletterStore struct{ db *sql.DB }

// NewNewsletterStore creates a Postgres-backed newsletter store.
func NewNewsletterStore(db *sql.DB) *NewsletterStore { return &NewsletterStore{db: db} }

var _ newsletter.Store = (*NewsletterStore)(nil)

// CreateJobs inserts jobs in one statement, so the batch is stored
// atomically. Pairs that already have a job hit the
// (campaign_id, subscriber_id) unique key and are skipped; the returned count
// is the number of rows actually inserted.
func (s *NewsletterStore) CreateJobs(ctx context.Context, jobs []domain.Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}

	var (
		ids, campaigns, subscribers, statuses []string
		scheduled, created, updated          []string
		priorities, attempts, maxAttempts    []int64
	)
	for _, j := range jobs {
		ids = append(ids, j.ID)
		campaigns = append(campaigns, j.CampaignID)
		subscribers = append(subscribers, j.SubscriberID)
		statuses = append(statuses, string(j.Status))
		priorities = append(priorities, int64(j.Priority))
		attempts = append(attempts, int64(j.Attempts))
		maxAttempts = append(maxAttempts, int64(j.MaxAttempts))
		scheduled = append(scheduled, j.ScheduledAt.UTC().Format(time.RFC3339Nano))
		created = append(created, j.CreatedAt.UTC().Format(time.RFC3339Nano))
		updated = append(updated, j.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO newsletter_jobs
			(id, campaign_id, subscriber_id, priority, attempts, max_attempts,
			 status, scheduled_at, created_at, updated_at)
		SELECT * FROM unnest(
			$1::uuid[], $2::uuid[], $3::uuid[], $4::int[], $5::int[], $6::int[],
			$7::text[], $8::timestamptz[], $9::timestamptz[], $10::timestamptz[])
		ON CONFLICT (campaign_id, subscriber_id) DO NOTHING
	`,
		pq.Array(ids), pq.Array(campaigns), pq.Array(subscribers),
		pq.Array(priorities), pq.Array(attempts), pq.Array(maxAttempts),
		pq.Array(statuses), pq.Array(scheduled), pq.Array(created), pq.Array(updated),
	)
	if err != nil {
		return 0, fmt.Errorf("insert jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert jobs: %w", err)
	}
	return int(n), nil
}

const jobColumns = `id, campaign_id, subscriber_id, priority, attempts, max_attempts,
		       status, COALESCE(error,''), scheduled_at, processed_at, created_at, updated_at`

func scanJob(sc interface{ Scan(...interface{}) error }) (domain.Job, error) {
	var (
		j         domain.Job
		processed sql.NullTime
	)
	err := sc.Scan(
		&j.ID, &j.CampaignID, &j.SubscriberID, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&j.Status, &j.Error, &j.ScheduledAt, &processed, &j.CreatedAt, &j.UpdatedAt,
	)
	if processed.Valid {
		t := processed.Time
		j.ProcessedAt = &t
	}
	return j, err
}

func (s *NewsletterStore) FetchReadyJobs(ctx context.Context, limit int, now time.Time) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM newsletter_jobs
		WHERE status = 'PENDING' AND scheduled_at <= $1
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch ready jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkProcessing only claims rows that are still PENDING, so two instances
// racing for the same job cannot both send it.
func (s *NewsletterStore) MarkProcessing(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE newsletter_jobs
		SET status = 'PROCESSING', processed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'PENDING'
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job rows: %w", err)
	}
	return n == 1, nil
}

func (s *NewsletterStore) UpdateJob(ctx context.Context, id string, p newsletter.JobPatch) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.Attempts != nil {
		add("attempts", *p.Attempts)
	}
	if p.ScheduledAt != nil {
		add("scheduled_at", *p.ScheduledAt)
	}
	if p.ProcessedAt != nil {
		add("processed_at", *p.ProcessedAt)
	}
	if p.Error != nil {
		if *p.Error == "" {
			sets = append(sets, "error = NULL")
		} else {
			add("error", *p.Error)
		}
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = NOW()")

	q := fmt.Sprintf("UPDATE newsletter_jobs SET %s WHERE id = $%d", strings.Join(sets, ", "), idx)
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newsletter.ErrNotFound
	}
	return nil
}

func (s *NewsletterStore) CountJobs(ctx context.Context, campaignID string, statuses ...domain.JobStatus) (int, error) {
	q := `SELECT COUNT(*) FROM newsletter_jobs WHERE campaign_id = $1`
	args := []interface{}{campaignID}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		q += ` AND status = ANY($2)`
		args = append(args, pq.Array(names))
	}

	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (s *NewsletterStore) CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM newsletter_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.JobStatus]int)
	for rows.Next() {
		var (
			st domain.JobStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

func (s *NewsletterStore) DeleteJobs(ctx context.Context, status domain.JobStatus, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM newsletter_jobs WHERE status = $1 AND scheduled_at < $2
	`, string(status), olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *NewsletterStore) RequeueStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE newsletter_jobs
		SET status = 'PENDING', updated_at = NOW()
		WHERE status = 'PROCESSING' AND processed_at < $1
	`, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *NewsletterStore) UpsertDeliveryRecord(ctx context.Context, rec domain.DeliveryRecord) error {
	var errMsg sql.NullString
	if rec.ErrorMessage != "" {
		errMsg = sql.NullString{String: rec.ErrorMessage, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO newsletter_deliveries (campaign_id, subscriber_id, status, error_message, sent_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (campaign_id, subscriber_id) DO UPDATE
		SET status = EXCLUDED.status,
		    error_message = EXCLUDED.error_message,
		    sent_at = EXCLUDED.sent_at,
		    updated_at = NOW()
	`, rec.CampaignID, rec.SubscriberID, string(rec.Status), errMsg, rec.SentAt)
	if err != nil {
		return fmt.Errorf("upsert delivery record: %w", err)
	}
	return nil
}

func (s *NewsletterStore) DeliverySummary(ctx context.Context, campaignID string) (map[domain.DeliveryStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM newsletter_deliveries
		WHERE campaign_id = $1
		GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("delivery summary: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.DeliveryStatus]int)
	for rows.Next() {
		var (
			st domain.DeliveryStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan delivery count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

const campaignColumns = `id, title, subject, content, template, status,
		       selected_events, selected_places, selected_posts, attachment_keys,
		       total_sent, total_delivered, sent_at, created_at, updated_at`

func scanCampaign(sc interface{ Scan(...interface{}) error }) (domain.Campaign, error) {
	var (
		c      domain.Campaign
		sentAt sql.NullTime
	)
	err := sc.Scan(
		&c.ID, &c.Title, &c.Subject, &c.Content, &c.Template, &c.Status,
		pq.Array(&c.SelectedEvents), pq.Array(&c.SelectedPlaces), pq.Array(&c.SelectedPosts),
		pq.Array(&c.AttachmentKeys),
		&c.TotalSent, &c.TotalDelivered, &sentAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if sentAt.Valid {
		t := sentAt.Time
		c.SentAt = &t
	}
	return c, err
}

func (s *NewsletterStore) FindCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM newsletter_campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newsletter.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return &c, nil
}

func (s *NewsletterStore) ListCampaignsByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM newsletter_campaigns
		WHERE status = $1
		ORDER BY created_at ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *NewsletterStore) UpdateCampaign(ctx context.Context, id string, p newsletter.CampaignPatch) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.TotalSent != nil {
		add("total_sent", *p.TotalSent)
	}
	if p.TotalDelivered != nil {
		add("total_delivered", *p.TotalDelivered)
	}
	if p.SentAt != nil {
		add("sent_at", *p.SentAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = NOW()")

	q := fmt.Sprintf("UPDATE newsletter_campaigns SET %s WHERE id = $%d", strings.Join(sets, ", "), idx)
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newsletter.ErrNotFound
	}
	return nil
}

func (s *NewsletterStore) FindSubscriber(ctx context.Context, id string) (*domain.Subscriber, error) {
	sub := &domain.Subscriber{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, status, unsubscribe_token, created_at
		FROM newsletter_subscribers
		WHERE id = $1
	`, id).Scan(&sub.ID, &sub.Email, &sub.Name, &sub.Status, &sub.UnsubscribeToken, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newsletter.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return sub, nil
}

// FindSelectedContent loads the campaign's events, places and posts in the
// order the campaign lists them. Ids that no longer exist are skipped.
func (s *NewsletterStore) FindSelectedContent(ctx context.Context, c *domain.Campaign) (*domain.SelectedContent, error) {
	out := &domain.SelectedContent{}

	if len(c.SelectedEvents) > 0 {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, title, slug, description, location, image_url, starts_at
			FROM events
			WHERE id = ANY($1)
			ORDER BY array_position($1, id)
		`, pq.Array(c.SelectedEvents))
		if err != nil {
			return nil, fmt.Errorf("load events: %w", err)
		}
		for rows.Next() {
			var (
				e      domain.Event
				starts sql.NullTime
			)
			if err := rows.Scan(&e.ID, &e.Title, &e.Slug, &e.Description, &e.Location, &e.ImageURL, &starts); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan event: %w", err)
			}
			if starts.Valid {
				t := starts.Time
				e.StartsAt = &t
			}
			out.Events = append(out.Events, e)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate events: %w", err)
		}
	}

	if len(c.SelectedPlaces) > 0 {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, name, slug, description, address, image_url
			FROM places
			WHERE id = ANY($1)
			ORDER BY array_position($1, id)
		`, pq.Array(c.SelectedPlaces))
		if err != nil {
			return nil, fmt.Errorf("load places: %w", err)
		}
		for rows.Next() {
			var p domain.Place
			if err := rows.Scan(&p.ID, &p.Name, &p.Slug, &p.Description, &p.Address, &p.ImageURL); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan place: %w", err)
			}
			out.Places = append(out.Places, p)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate places: %w", err)
		}
	}

	if len(c.SelectedPosts) > 0 {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, title, slug, excerpt, image_url, published_at
			FROM posts
			WHERE id = ANY($1)
			ORDER BY array_position($1, id)
		`, pq.Array(c.SelectedPosts))
		if err != nil {
			return nil, fmt.Errorf("load posts: %w", err)
		}
		for rows.Next() {
			var (
				p         domain.Post
				published sql.NullTime
			)
			if err := rows.Scan(&p.ID, &p.Title, &p.Slug, &p.Excerpt, &p.ImageURL, &published); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan post: %w", err)
			}
			if published.Valid {
				t := published.Time
				p.PublishedAt = &t
			}
			out.Posts = append(out.Posts, p)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate posts: %w", err)
		}
	}

	return out, nil
}
