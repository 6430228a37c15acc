package newsletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/pkg/logger"
)

// Transition is a campaign status change made by the reconciler.
type Transition struct {
	CampaignID string                `json:"campaign_id"`
	From       domain.CampaignStatus `json:"from"`
	To         domain.CampaignStatus `json:"to"`
	Total      int                   `json:"total"`
	Completed  int                   `json:"completed"`
	Failed     int                   `json:"failed"`
}

// Reconciler derives each SENDING campaign's final status from its jobs.
// It holds no state of its own and is safe to call at any time.
type Reconciler struct {
	store    Store
	observer Observer
	now      func() time.Time
	log      *logger.Entry
}

// NewReconciler creates a reconciler over store.
func NewReconciler(store Store, observer Observer) *Reconciler {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Reconciler{
		store:    store,
		observer: observer,
		now:      time.Now,
		log:      logger.With("component", "newsletter.reconciler"),
	}
}

// Reconcile moves every SENDING campaign with no outstanding jobs to SENT or
// ERROR. A failure on one campaign is logged and does not stop the others;
// the joined errors are returned alongside the transitions that succeeded.
func (r *Reconciler) Reconcile(ctx context.Context) ([]Transition, error) {
	campaigns, err := r.store.ListCampaignsByStatus(ctx, domain.CampaignSending)
	if err != nil {
		return nil, fmt.Errorf("list sending campaigns: %w", err)
	}

	var (
		transitions []Transition
		errs        []error
	)
	for i := range campaigns {
		t, ok, err := r.reconcileCampaign(ctx, &campaigns[i])
		if err != nil {
			r.log.Error("reconcile campaign failed", "campaign_id", campaigns[i].ID, "error", err.Error())
			errs = append(errs, fmt.Errorf("campaign %s: %w", campaigns[i].ID, err))
			continue
		}
		if ok {
			transitions = append(transitions, t)
			r.observer.CampaignReconciled(t)
			r.log.Info("campaign finished sending",
				"campaign_id", t.CampaignID,
				"status", string(t.To),
				"total", t.Total,
				"completed", t.Completed,
				"failed", t.Failed,
			)
		}
	}
	return transitions, errors.Join(errs...)
}

func (r *Reconciler) reconcileCampaign(ctx context.Context, c *domain.Campaign) (Transition, bool, error) {
	outstanding, err := r.store.CountJobs(ctx, c.ID, domain.JobPending, domain.JobProcessing)
	if err != nil {
		return Transition{}, false, fmt.Errorf("count outstanding jobs: %w", err)
	}
	if outstanding > 0 {
		return Transition{}, false, nil
	}

	total, err := r.store.CountJobs(ctx, c.ID)
	if err != nil {
		return Transition{}, false, fmt.Errorf("count jobs: %w", err)
	}
	if total == 0 {
		// Nothing was ever enqueued; leave it for the operator.
		return Transition{}, false, nil
	}
	completed, err := r.store.CountJobs(ctx, c.ID, domain.JobCompleted)
	if err != nil {
		return Transition{}, false, fmt.Errorf("count completed jobs: %w", err)
	}
	failed, err := r.store.CountJobs(ctx, c.ID, domain.JobFailed)
	if err != nil {
		return Transition{}, false, fmt.Errorf("count failed jobs: %w", err)
	}

	status := domain.CampaignSent
	if failed == total {
		status = domain.CampaignError
	}
	sentAt := r.now()
	err = r.store.UpdateCampaign(ctx, c.ID, CampaignPatch{
		Status:         &status,
		TotalSent:      &completed,
		TotalDelivered: &completed,
		SentAt:         &sentAt,
	})
	if err != nil {
		return Transition{}, false, fmt.Errorf("update campaign status: %w", err)
	}
	return Transition{
		CampaignID: c.ID,
		From:       c.Status,
		To:         status,
		Total:      total,
		Completed:  completed,
		Failed:     failed,
	}, true, nil
}
