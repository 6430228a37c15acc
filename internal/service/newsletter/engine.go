package newsletter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/pkg/logger"
)

// Dependencies wires the engine to its collaborators. Attachments, Observer
// and Lock are optional.
type Dependencies struct {
	Store       Store
	Dispatcher  Dispatcher
	Renderer    Renderer
	Links       LinkBuilder
	Attachments AttachmentLoader
	Observer    Observer
	Lock        RunLock
}

// EnqueueResult reports how many jobs an enqueue created. Skipped counts
// subscribers that already had a job for the campaign.
type EnqueueResult struct {
	CampaignID string `json:"campaign_id"`
	Queued     int    `json:"queued"`
	Skipped    int    `json:"skipped"`
}

// Engine is the entry point other code uses to queue campaigns and operate
// the queue.
type Engine struct {
	store      Store
	processor  *Processor
	reconciler *Reconciler
	observer   Observer
	cfg        Config
	log        *logger.Entry

	now   func() time.Time
	newID func() string
}

// NewEngine builds an engine. Zero Config fields take their defaults.
func NewEngine(deps Dependencies, cfg Config) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("%w: dispatcher", ErrMissingDependency)
	case deps.Renderer == nil:
		return nil, fmt.Errorf("%w: renderer", ErrMissingDependency)
	case deps.Links == nil:
		return nil, fmt.Errorf("%w: link builder", ErrMissingDependency)
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	cfg = cfg.withDefaults()

	reconciler := NewReconciler(deps.Store, deps.Observer)
	return &Engine{
		store:      deps.Store,
		processor:  newProcessor(deps, reconciler, cfg),
		reconciler: reconciler,
		observer:   deps.Observer,
		cfg:        cfg,
		log:        logger.With("component", "newsletter.engine"),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}, nil
}

// Processor exposes the engine's processor for supervision.
func (e *Engine) Processor() *Processor { return e.processor }

// Stats reports the processor's lifetime counters.
func (e *Engine) Stats() map[string]interface{} { return e.processor.Stats() }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Enqueue creates one PENDING job per distinct subscriber id in a single
// transaction and wakes the processor. It does not wait for delivery.
// Subscribers that already have a job for the campaign are skipped, so
// retrying an enqueue is safe.
func (e *Engine) Enqueue(ctx context.Context, campaignID string, subscriberIDs []string, priority int) (*EnqueueResult, error) {
	ids := dedupe(subscriberIDs)
	if len(ids) == 0 {
		return &EnqueueResult{CampaignID: campaignID}, nil
	}

	now := e.now()
	jobs := make([]domain.Job, 0, len(ids))
	for _, sid := range ids {
		jobs = append(jobs, domain.Job{
			ID:           e.newID(),
			CampaignID:   campaignID,
			SubscriberID: sid,
			Priority:     priority,
			Attempts:     0,
			MaxAttempts:  e.cfg.MaxAttempts,
			Status:       domain.JobPending,
			ScheduledAt:  now,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	queued, err := e.store.CreateJobs(ctx, jobs)
	if err != nil {
		e.log.Error("enqueue failed", "campaign_id", campaignID, "jobs", len(jobs), "error", err.Error())
		return nil, fmt.Errorf("enqueue campaign %s: %w", campaignID, err)
	}

	res := &EnqueueResult{CampaignID: campaignID, Queued: queued, Skipped: len(jobs) - queued}
	if res.Skipped > 0 {
		e.log.Info("subscribers already queued, skipped", "campaign_id", campaignID, "skipped", res.Skipped)
	}
	if queued > 0 {
		e.observer.JobsEnqueued(campaignID, queued)
		e.log.Info("campaign enqueued", "campaign_id", campaignID, "jobs", queued, "priority", priority)
		e.processor.Wake()
	}
	return res, nil
}

// EnqueueDefault enqueues at priority 0.
func (e *Engine) EnqueueDefault(ctx context.Context, campaignID string, subscriberIDs []string) (*EnqueueResult, error) {
	return e.Enqueue(ctx, campaignID, subscriberIDs, 0)
}

// StartCampaign moves a DRAFT or SCHEDULED campaign to SENDING and enqueues
// its subscribers. If the enqueue fails the campaign goes back to its
// previous status.
func (e *Engine) StartCampaign(ctx context.Context, campaignID string, subscriberIDs []string, priority int) (*EnqueueResult, error) {
	c, err := e.store.FindCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	if !c.CanStartSending() {
		return nil, fmt.Errorf("%w: campaign %s is %s", ErrInvalidTransition, campaignID, c.Status)
	}

	prev := c.Status
	if prev != domain.CampaignSending {
		sending := domain.CampaignSending
		if err := e.store.UpdateCampaign(ctx, campaignID, CampaignPatch{Status: &sending}); err != nil {
			return nil, fmt.Errorf("mark campaign %s sending: %w", campaignID, err)
		}
	}

	res, err := e.Enqueue(ctx, campaignID, subscriberIDs, priority)
	if err != nil {
		if prev != domain.CampaignSending {
			if rerr := e.store.UpdateCampaign(context.WithoutCancel(ctx), campaignID, CampaignPatch{Status: &prev}); rerr != nil {
				e.log.Error("revert campaign status failed", "campaign_id", campaignID, "status", string(prev), "error", rerr.Error())
			}
		}
		return nil, err
	}
	return res, nil
}

// Run drives the processor synchronously. It returns ErrAlreadyRunning when
// a run is already in flight.
func (e *Engine) Run(ctx context.Context) error {
	return e.processor.Run(ctx)
}

// Wake requests a background run.
func (e *Engine) Wake() { e.processor.Wake() }

// Start supervises the processor until ctx is done and the job in flight,
// if any, is recorded.
func (e *Engine) Start(ctx context.Context) { e.processor.Start(ctx) }

// QueueStatus counts jobs per status. Every status is present.
func (e *Engine) QueueStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	counts, err := e.store.CountJobsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue status: %w", err)
	}
	out := make(map[domain.JobStatus]int, len(domain.AllJobStatuses))
	for _, s := range domain.AllJobStatuses {
		out[s] = counts[s]
	}
	return out, nil
}

// ClearCompletedJobs deletes COMPLETED jobs scheduled more than olderThanDays
// ago. Zero removes every completed job. Other statuses are never touched.
func (e *Engine) ClearCompletedJobs(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, ErrInvalidRetention
	}
	cutoff := e.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	if olderThanDays == 0 {
		// Completed jobs scheduled at exactly now still count as old.
		cutoff = cutoff.Add(time.Nanosecond)
	}
	n, err := e.store.DeleteJobs(ctx, domain.JobCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clear completed jobs: %w", err)
	}
	if n > 0 {
		e.log.Info("cleared completed jobs", "removed", n, "older_than_days", olderThanDays)
	}
	return n, nil
}

// FixStuckCampaigns runs the reconciler on demand.
func (e *Engine) FixStuckCampaigns(ctx context.Context) ([]Transition, error) {
	return e.reconciler.Reconcile(ctx)
}

// DeliverySummary counts a campaign's ledger records per status.
func (e *Engine) DeliverySummary(ctx context.Context, campaignID string) (map[domain.DeliveryStatus]int, error) {
	sum, err := e.store.DeliverySummary(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("delivery summary %s: %w", campaignID, err)
	}
	return sum, nil
}

// RequeueStale returns PROCESSING jobs claimed before staleBefore to PENDING.
// A cutoff newer than MaxJobDuration ago is rejected with ErrStaleWindow
// because it could catch a job whose send is still in flight.
func (e *Engine) RequeueStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	if floor := e.cfg.MaxJobDuration(); e.now().Sub(staleBefore) < floor {
		return 0, fmt.Errorf("%w: need at least %s", ErrStaleWindow, floor)
	}
	n, err := e.store.RequeueStale(ctx, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	if n > 0 {
		e.log.Warn("requeued stale processing jobs", "count", n)
		e.processor.Wake()
	}
	return n, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
