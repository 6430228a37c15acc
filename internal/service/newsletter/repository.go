package newsletter

import (
	"context"
	"time"

	"github.com/ignite/newsletter-queue/internal/domain"
)

// JobStore is the persisted work queue. Implementations must be safe for
// concurrent use.
type JobStore interface {
	// CreateJobs inserts jobs atomically and returns how many were stored.
	// A job whose (campaign, subscriber) pair already has a job is skipped,
	// so a repeated enqueue never queues a second send.
	CreateJobs(ctx context.Context, jobs []domain.Job) (int, error)

	// FetchReadyJobs returns up to limit PENDING jobs with scheduled_at <= now,
	// ordered by priority DESC, scheduled_at ASC.
	FetchReadyJobs(ctx context.Context, limit int, now time.Time) ([]domain.Job, error)

	// MarkProcessing claims a job by moving it from PENDING to PROCESSING.
	// It returns false if the job was not PENDING any more.
	MarkProcessing(ctx context.Context, id string, now time.Time) (bool, error)

	// UpdateJob applies the non-nil fields of patch.
	UpdateJob(ctx context.Context, id string, patch JobPatch) error

	// CountJobs counts a campaign's jobs. With no statuses, all jobs count.
	CountJobs(ctx context.Context, campaignID string, statuses ...domain.JobStatus) (int, error)

	// CountJobsByStatus groups every job in the queue by status.
	CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error)

	// DeleteJobs removes jobs in the given status scheduled before olderThan
	// and returns how many were removed.
	DeleteJobs(ctx context.Context, status domain.JobStatus, olderThan time.Time) (int64, error)

	// RequeueStale resets PROCESSING jobs whose processed_at is older than
	// staleBefore back to PENDING without touching their attempt count.
	RequeueStale(ctx context.Context, staleBefore time.Time) (int64, error)
}

// DeliveryLedger records what actually happened per (campaign, subscriber).
type DeliveryLedger interface {
	// UpsertDeliveryRecord inserts or overwrites the record for the pair.
	UpsertDeliveryRecord(ctx context.Context, rec domain.DeliveryRecord) error

	// DeliverySummary counts a campaign's ledger rows per status.
	DeliverySummary(ctx context.Context, campaignID string) (map[domain.DeliveryStatus]int, error)
}

// CampaignStore is the read side of campaigns, subscribers and content plus
// the narrow status/counter update the reconciler needs.
type CampaignStore interface {
	// FindCampaign returns ErrNotFound if the campaign doesn't exist.
	FindCampaign(ctx context.Context, id string) (*domain.Campaign, error)

	// FindSubscriber returns ErrNotFound if the subscriber doesn't exist.
	FindSubscriber(ctx context.Context, id string) (*domain.Subscriber, error)

	// FindSelectedContent resolves the campaign's event, place and post ids.
	// Unknown ids are skipped.
	FindSelectedContent(ctx context.Context, c *domain.Campaign) (*domain.SelectedContent, error)

	// ListCampaignsByStatus returns every campaign currently in status.
	ListCampaignsByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error)

	// UpdateCampaign applies the non-nil fields of patch.
	UpdateCampaign(ctx context.Context, id string, patch CampaignPatch) error
}

// Store is the full persistence capability used by the engine.
type Store interface {
	JobStore
	DeliveryLedger
	CampaignStore
}

// JobPatch holds the mutable fields of a job. Nil fields are not applied;
// a pointer to "" clears Error.
type JobPatch struct {
	Status      *domain.JobStatus
	Attempts    *int
	ScheduledAt *time.Time
	ProcessedAt *time.Time
	Error       *string
}

// CampaignPatch holds the campaign fields the queue is allowed to write.
type CampaignPatch struct {
	Status         *domain.CampaignStatus
	TotalSent      *int
	TotalDelivered *int
	SentAt         *time.Time
}
