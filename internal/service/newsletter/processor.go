package newsletter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/newsletter-queue/internal/pkg/logger"
)

// Processor drains the job queue. At most one run is in flight per Processor;
// a RunLock extends that guarantee across processes.
type Processor struct {
	store       Store
	dispatcher  Dispatcher
	renderer    Renderer
	links       LinkBuilder
	attachments AttachmentLoader
	reconciler  *Reconciler
	observer    Observer
	lock        RunLock
	cfg         Config
	log         *logger.Entry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// token is the run token: a capacity-1 channel, acquired with a
	// non-blocking send.
	token chan struct{}
	// pending is set by every run request so that a request that loses the
	// token race still gets a fresh fetch from the current holder.
	pending atomic.Bool

	mu         sync.Mutex
	wakeCh     chan struct{}
	supervised bool
	baseCtx    context.Context

	// heldUntil is the UnixNano time before which no job is attempted,
	// set when the dispatcher defers a send.
	heldUntil atomic.Int64

	runs      atomic.Int64
	processed atomic.Int64
}

func newProcessor(deps Dependencies, reconciler *Reconciler, cfg Config) *Processor {
	return &Processor{
		store:       deps.Store,
		dispatcher:  deps.Dispatcher,
		renderer:    deps.Renderer,
		links:       deps.Links,
		attachments: deps.Attachments,
		reconciler:  reconciler,
		observer:    deps.Observer,
		lock:        deps.Lock,
		cfg:         cfg,
		log:         logger.With("component", "newsletter.processor"),
		now:         time.Now,
		sleep:       sleepCtx,
		token:       make(chan struct{}, 1),
		wakeCh:      make(chan struct{}, 1),
		baseCtx:     context.Background(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Processor) tryAcquire() bool {
	select {
	case p.token <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Processor) release() { <-p.token }

// Running reports whether a run currently holds the token.
func (p *Processor) Running() bool { return len(p.token) == 1 }

// Run drains the queue until no ready jobs remain or ctx is done. It returns
// ErrAlreadyRunning if another run holds the token; callers treat that as a
// no-op since the active run will pick up any newly ready jobs.
func (p *Processor) Run(ctx context.Context) error {
	p.pending.Store(true)
	if !p.tryAcquire() {
		return ErrAlreadyRunning
	}
	for {
		p.pending.Store(false)
		err := p.runLocked(ctx)
		p.release()
		if err != nil || ctx.Err() != nil || !p.pending.Load() {
			return err
		}
		// A request arrived while we held the token. Serve it unless a new
		// run already took over.
		if !p.tryAcquire() {
			return nil
		}
	}
}

func (p *Processor) runLocked(ctx context.Context) error {
	if p.lock != nil {
		ok, err := p.lock.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			p.log.Debug("run lock held by another instance, skipping")
			return nil
		}
		defer func() {
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := p.lock.Release(relCtx); err != nil {
				p.log.Warn("release run lock failed", "error", err.Error())
			}
		}()
	}
	return p.loop(ctx)
}

func (p *Processor) loop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue processor panic: %v", r)
			p.log.Error("queue processor panic", "panic", fmt.Sprint(r))
		}
	}()

	p.runs.Add(1)
	started := time.Now()
	p.log.Debug("queue run started")
	p.reconcile(ctx)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.held() {
			break
		}
		jobs, err := p.store.FetchReadyJobs(ctx, p.cfg.BatchSize, p.now())
		if err != nil {
			p.log.Error("fetch ready jobs failed", "error", err.Error())
			return fmt.Errorf("fetch ready jobs: %w", err)
		}
		if len(jobs) == 0 {
			break
		}

		batchStart := time.Now()
		done := 0
		for i, job := range jobs {
			if p.held() {
				break
			}
			if i > 0 {
				if err := p.sleep(ctx, p.cfg.ProcessingDelay); err != nil {
					return err
				}
			}
			p.processJob(ctx, job)
			done++
		}
		total += done
		if done > 0 {
			p.observer.BatchFinished(done, time.Since(batchStart))
			p.log.Info("batch processed", "jobs", done)
		}

		p.reconcile(ctx)
		if p.held() {
			break
		}

		if err := p.sleep(ctx, p.cfg.BatchDelay); err != nil {
			return err
		}
	}

	p.log.Debug("queue drained", "jobs", total, "elapsed_ms", time.Since(started).Milliseconds())
	return nil
}

func (p *Processor) holdUntil(t time.Time) { p.heldUntil.Store(t.UnixNano()) }

// held reports whether a dispatcher deferral is still in force.
func (p *Processor) held() bool {
	until := p.heldUntil.Load()
	if until == 0 {
		return false
	}
	if p.now().UnixNano() < until {
		p.log.Debug("sends deferred, pausing run", "until", time.Unix(0, until).UTC().Format(time.RFC3339))
		return true
	}
	p.heldUntil.CompareAndSwap(until, 0)
	return false
}

func (p *Processor) reconcile(ctx context.Context) {
	if _, err := p.reconciler.Reconcile(ctx); err != nil {
		p.log.Warn("reconcile failed", "error", err.Error())
	}
}

// Wake requests a run without waiting for it. Under Start it signals the
// supervisor; otherwise it launches a run on its own goroutine.
func (p *Processor) Wake() {
	p.mu.Lock()
	supervised, ctx := p.supervised, p.baseCtx
	p.mu.Unlock()

	if supervised {
		select {
		case p.wakeCh <- struct{}{}:
		default:
		}
		return
	}
	go func() {
		if err := p.Run(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) && !errors.Is(err, context.Canceled) {
			p.log.Error("queue run failed", "error", err.Error())
		}
	}()
}

// Start supervises the processor until ctx is done: one run immediately, one
// per wake signal, and one every IdlePollInterval so backed-off jobs are
// retried without a new enqueue. It blocks; call it in its own goroutine.
// Once ctx is done no new job is started, the job in flight runs to its
// recorded outcome, and Start returns. Wait for it before exiting.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	p.supervised = true
	p.baseCtx = ctx
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.supervised = false
		p.baseCtx = context.Background()
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.cfg.IdlePollInterval)
	defer ticker.Stop()

	p.log.Info("queue supervisor started",
		"batch_size", p.cfg.BatchSize,
		"idle_poll", p.cfg.IdlePollInterval.String(),
	)
	p.supervisedRun(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("queue supervisor stopped")
			return
		case <-p.wakeCh:
			p.supervisedRun(ctx)
		case <-ticker.C:
			p.supervisedRun(ctx)
		}
	}
}

func (p *Processor) supervisedRun(ctx context.Context) {
	err := p.Run(ctx)
	switch {
	case err == nil, errors.Is(err, ErrAlreadyRunning):
	case ctx.Err() != nil:
	default:
		p.log.Error("queue run failed", "error", err.Error())
	}
}

// Stats reports lifetime counters.
func (p *Processor) Stats() map[string]interface{} {
	return map[string]interface{}{
		"runs":      p.runs.Load(),
		"processed": p.processed.Load(),
		"running":   p.Running(),
		"deferred":  p.heldUntil.Load() != 0,
	}
}
