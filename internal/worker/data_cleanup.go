package worker

import (
	"context"
	"time"

	"github.com/ignite/newsletter-queue/internal/pkg/logger"
)

// =============================================================================
// DATA CLEANUP WORKER — Removes old COMPLETED jobs
// =============================================================================
// Completed jobs are only needed until their campaign has been reconciled.
// The delivery ledger keeps the durable per-recipient outcome, so completed
// job rows older than the retention window are deleted. PENDING, PROCESSING
// and FAILED rows are never touched.

// DefaultCleanupInterval is how often the cleanup cycle runs.
const DefaultCleanupInterval = time.Hour

// CompletedJobCleaner is the part of the engine the cleanup worker drives.
type CompletedJobCleaner interface {
	ClearCompletedJobs(ctx context.Context, olderThanDays int) (int64, error)
}

// DataCleanupWorker periodically clears old completed jobs.
type DataCleanupWorker struct {
	queue         CompletedJobCleaner
	interval      time.Duration
	retentionDays int
}

// NewDataCleanupWorker creates a cleanup worker keeping retentionDays of
// completed jobs.
func NewDataCleanupWorker(queue CompletedJobCleaner, interval time.Duration, retentionDays int) *DataCleanupWorker {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &DataCleanupWorker{
		queue:         queue,
		interval:      interval,
		retentionDays: retentionDays,
	}
}

// Start runs a cleanup immediately and then once per interval. It blocks
// until ctx is cancelled.
func (dc *DataCleanupWorker) Start(ctx context.Context) {
	logger.Info("data cleanup started", "interval", dc.interval.String(), "retention_days", dc.retentionDays)

	dc.CleanupOnce(ctx)

	ticker := time.NewTicker(dc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("data cleanup stopped")
			return
		case <-ticker.C:
			dc.CleanupOnce(ctx)
		}
	}
}

// CleanupOnce runs a single cleanup pass.
func (dc *DataCleanupWorker) CleanupOnce(ctx context.Context) int64 {
	start := time.Now()
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	n, err := dc.queue.ClearCompletedJobs(queryCtx, dc.retentionDays)
	if err != nil {
		logger.Error("clear completed jobs failed", "error", err.Error())
		return 0
	}
	logger.Debug("cleanup cycle completed", "removed", n, "elapsed_ms", time.Since(start).Milliseconds())
	return n
}
