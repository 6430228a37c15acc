package worker

import (
	"context"
	"time"

	"github.com/ignite/newsletter-queue/internal/pkg/logger"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
)

// =============================================================================
// QUEUE RECOVERY WORKER — Reclaims jobs stranded in PROCESSING
// =============================================================================
// A process that dies between claiming a job and recording its outcome leaves
// the row in PROCESSING forever, and its campaign can never finish. This
// worker returns such rows to PENDING without charging an attempt, then
// reconciles so campaigns waiting on them can complete.

const (
	// DefaultRecoveryInterval is how often we scan for stuck jobs.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long a job may sit in PROCESSING before it is
	// considered abandoned. It must comfortably exceed the send timeout.
	DefaultStaleAge = 10 * time.Minute
)

// QueueMaintainer is the part of the engine the recovery worker drives.
type QueueMaintainer interface {
	RequeueStale(ctx context.Context, staleBefore time.Time) (int64, error)
	FixStuckCampaigns(ctx context.Context) ([]newsletter.Transition, error)
}

// QueueRecoveryWorker periodically requeues abandoned PROCESSING jobs.
type QueueRecoveryWorker struct {
	queue    QueueMaintainer
	interval time.Duration
	staleAge time.Duration
	now      func() time.Time
}

// NewQueueRecoveryWorker creates a recovery worker. Non-positive durations
// take the defaults.
func NewQueueRecoveryWorker(queue QueueMaintainer, interval, staleAge time.Duration) *QueueRecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &QueueRecoveryWorker{
		queue:    queue,
		interval: interval,
		staleAge: staleAge,
		now:      time.Now,
	}
}

// Start runs one pass immediately and then one per interval. It blocks
// until ctx is cancelled.
func (qr *QueueRecoveryWorker) Start(ctx context.Context) {
	logger.Info("queue recovery started", "interval", qr.interval.String(), "stale_age", qr.staleAge.String())

	qr.RecoverOnce(ctx)

	ticker := time.NewTicker(qr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("queue recovery stopped")
			return
		case <-ticker.C:
			qr.RecoverOnce(ctx)
		}
	}
}

// RecoverOnce performs a single recovery pass and returns how many jobs
// were requeued.
func (qr *QueueRecoveryWorker) RecoverOnce(ctx context.Context) int64 {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := qr.queue.RequeueStale(queryCtx, qr.now().Add(-qr.staleAge))
	if err != nil {
		logger.Error("requeue stale jobs failed", "error", err.Error())
		return 0
	}
	if n == 0 {
		return 0
	}
	logger.Warn("requeued abandoned jobs", "count", n)

	if _, err := qr.queue.FixStuckCampaigns(queryCtx); err != nil {
		logger.Error("reconcile after recovery failed", "error", err.Error())
	}
	return n
}
