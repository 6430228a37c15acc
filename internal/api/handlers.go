package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/pkg/httputil"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
	"github.com/ignite/newsletter-queue/internal/storage"
)

// QueueService is the part of newsletter.Engine the HTTP layer drives.
type QueueService interface {
	StartCampaign(ctx context.Context, campaignID string, subscriberIDs []string, priority int) (*newsletter.EnqueueResult, error)
	Wake()
	QueueStatus(ctx context.Context) (map[domain.JobStatus]int, error)
	FixStuckCampaigns(ctx context.Context) ([]newsletter.Transition, error)
	ClearCompletedJobs(ctx context.Context, olderThanDays int) (int64, error)
	DeliverySummary(ctx context.Context, campaignID string) (map[domain.DeliveryStatus]int, error)
	RequeueStale(ctx context.Context, staleBefore time.Time) (int64, error)
	Stats() map[string]interface{}
}

// SubscriberLister supplies the audience when an enqueue request names none.
type SubscriberLister interface {
	ActiveSubscriberIDs(ctx context.Context) ([]string, error)
}

// ReportLister reads archived campaign reports.
type ReportLister interface {
	Reports(ctx context.Context, campaignID string) ([]storage.CampaignReport, error)
}

// Handlers contains the newsletter queue HTTP handlers
type Handlers struct {
	queue         QueueService
	subscribers   SubscriberLister
	reports       ReportLister
	retentionDays int
	staleAfter    time.Duration
	now           func() time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(queue QueueService, retentionDays int, staleAfter time.Duration) *Handlers {
	return &Handlers{
		queue:         queue,
		retentionDays: retentionDays,
		staleAfter:    staleAfter,
		now:           time.Now,
	}
}

// SetSubscriberLister enables enqueueing every active subscriber.
func (h *Handlers) SetSubscriberLister(l SubscriberLister) {
	h.subscribers = l
}

// SetReportLister enables the campaign report endpoint.
func (h *Handlers) SetReportLister(l ReportLister) {
	h.reports = l
}

type enqueueRequest struct {
	SubscriberIDs []string `json:"subscriber_ids"`
	Priority      int      `json:"priority"`
}

type enqueueResponse struct {
	CampaignID string `json:"campaign_id"`
	Queued     int    `json:"queued"`
	Skipped    int    `json:"skipped"`
}

// EnqueueCampaign moves a campaign to SENDING and queues one job per
// subscriber. With no subscriber_ids, every ACTIVE subscriber is queued.
// Retrying is safe: subscribers already queued come back as skipped.
//
//	POST /api/newsletter/campaigns/{id}/enqueue
func (h *Handlers) EnqueueCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	var req enqueueRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	ids := req.SubscriberIDs
	if len(ids) == 0 {
		if h.subscribers == nil {
			httputil.BadRequest(w, "subscriber_ids is required")
			return
		}
		active, err := h.subscribers.ActiveSubscriberIDs(r.Context())
		if err != nil {
			respondInternal(w, err)
			return
		}
		ids = active
	}

	res, err := h.queue.StartCampaign(r.Context(), campaignID, ids, req.Priority)
	switch {
	case errors.Is(err, newsletter.ErrNotFound):
		httputil.NotFound(w, "campaign not found")
		return
	case errors.Is(err, newsletter.ErrInvalidTransition):
		httputil.Conflict(w, "campaign cannot be sent in its current status")
		return
	case err != nil:
		respondInternal(w, err)
		return
	}

	httputil.Accepted(w, enqueueResponse{CampaignID: res.CampaignID, Queued: res.Queued, Skipped: res.Skipped})
}

// QueueStatus returns job counts per status and processor counters.
//
//	GET /api/newsletter/queue/status
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.QueueStatus(r.Context())
	if err != nil {
		respondInternal(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"jobs":      counts,
		"processor": h.queue.Stats(),
	})
}

// RunQueue asks the processor to drain the queue. It returns immediately;
// a request made while a run is active is folded into that run.
//
//	POST /api/newsletter/queue/run
func (h *Handlers) RunQueue(w http.ResponseWriter, r *http.Request) {
	h.queue.Wake()
	httputil.Accepted(w, map[string]bool{"triggered": true})
}

// FixStuckCampaigns reconciles every SENDING campaign now.
//
//	POST /api/newsletter/queue/fix-stuck
func (h *Handlers) FixStuckCampaigns(w http.ResponseWriter, r *http.Request) {
	transitions, err := h.queue.FixStuckCampaigns(r.Context())
	if err != nil {
		// Some campaigns may have moved before the failure.
		respondInternal(w, err)
		return
	}
	if transitions == nil {
		transitions = []newsletter.Transition{}
	}
	httputil.OK(w, map[string]interface{}{"transitions": transitions})
}

// ClearCompletedJobs deletes completed jobs older than older_than_days
// (defaults to the configured retention).
//
//	DELETE /api/newsletter/queue/completed?older_than_days=N
func (h *Handlers) ClearCompletedJobs(w http.ResponseWriter, r *http.Request) {
	days := h.retentionDays
	if v := r.URL.Query().Get("older_than_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.BadRequest(w, "older_than_days must be an integer")
			return
		}
		days = n
	}

	removed, err := h.queue.ClearCompletedJobs(r.Context(), days)
	if errors.Is(err, newsletter.ErrInvalidRetention) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		respondInternal(w, err)
		return
	}
	httputil.OK(w, map[string]int64{"removed": removed})
}

// RequeueStale resets jobs stuck in PROCESSING. older_than_minutes defaults
// to the configured stale age and may not go below it.
//
//	POST /api/newsletter/queue/requeue-stale?older_than_minutes=N
func (h *Handlers) RequeueStale(w http.ResponseWriter, r *http.Request) {
	age := h.staleAfter
	if v := r.URL.Query().Get("older_than_minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "older_than_minutes must be a positive integer")
			return
		}
		age = time.Duration(n) * time.Minute
		if age < h.staleAfter {
			httputil.BadRequest(w, fmt.Sprintf("older_than_minutes must be at least %d", int(math.Ceil(h.staleAfter.Minutes()))))
			return
		}
	}

	n, err := h.queue.RequeueStale(r.Context(), h.now().Add(-age))
	if errors.Is(err, newsletter.ErrStaleWindow) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		respondInternal(w, err)
		return
	}
	httputil.OK(w, map[string]int64{"requeued": n})
}

// DeliverySummary returns a campaign's ledger counts per delivery status.
//
//	GET /api/newsletter/campaigns/{id}/deliveries/summary
func (h *Handlers) DeliverySummary(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")
	sum, err := h.queue.DeliverySummary(r.Context(), campaignID)
	if err != nil {
		respondInternal(w, err)
		return
	}

	out := make(map[domain.DeliveryStatus]int, 3)
	total := 0
	for _, s := range []domain.DeliveryStatus{domain.DeliverySent, domain.DeliveryDelivered, domain.DeliveryFailed} {
		out[s] = sum[s]
		total += sum[s]
	}
	httputil.OK(w, map[string]interface{}{
		"campaign_id": campaignID,
		"counts":      out,
		"total":       total,
	})
}

// CampaignReports lists archived reconciliation reports.
//
//	GET /api/newsletter/campaigns/{id}/reports
func (h *Handlers) CampaignReports(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		httputil.NotFound(w, "report archive not configured")
		return
	}
	reports, err := h.reports.Reports(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondInternal(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"reports": reports})
}
