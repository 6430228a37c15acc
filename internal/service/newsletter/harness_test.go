package newsletter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter-queue/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sendStep struct {
	err     error
	fail    string // Success=false with this error text
	panic   bool
	retryAt time.Time // defer the send until then
}

// scriptedDispatcher plays back per-subscriber steps and succeeds once a
// script runs out.
type scriptedDispatcher struct {
	mu     sync.Mutex
	script map[string][]sendStep
	always map[string]sendStep
	calls  []*domain.EmailMessage
	dev    bool
	// hold, when set, runs inside Send before the result is returned.
	hold func(ctx context.Context, subscriberID string) error
}

func newScriptedDispatcher() *scriptedDispatcher {
	return &scriptedDispatcher{script: make(map[string][]sendStep), always: make(map[string]sendStep)}
}

func (d *scriptedDispatcher) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, msg)
	step, ok := d.always[msg.SubscriberID]
	if !ok {
		if steps := d.script[msg.SubscriberID]; len(steps) > 0 {
			step, ok = steps[0], true
			d.script[msg.SubscriberID] = steps[1:]
		}
	}
	dev, hold := d.dev, d.hold
	d.mu.Unlock()

	if hold != nil {
		if err := hold(ctx, msg.SubscriberID); err != nil {
			return nil, err
		}
	}

	if ok {
		switch {
		case step.panic:
			panic("transport exploded")
		case !step.retryAt.IsZero():
			return nil, Defer(step.retryAt, "budget spent")
		case step.err != nil:
			return nil, step.err
		case step.fail != "":
			return &domain.SendResult{Success: false, Error: step.fail}, nil
		}
	}
	return &domain.SendResult{Success: true, MessageID: "msg-" + msg.SubscriberID, Development: dev}, nil
}

func (d *scriptedDispatcher) sentTo() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.calls))
	for _, c := range d.calls {
		out = append(out, c.SubscriberID)
	}
	return out
}

type stubRenderer struct{}

func (stubRenderer) Render(_ context.Context, in RenderInput) (string, error) {
	return fmt.Sprintf("<p>%s</p><img src=%q>", in.Campaign.Title, in.OpenURL), nil
}

type stubLinks struct{}

func (stubLinks) OpenURL(c, s string) string { return "https://t.example.com/open/" + c + "/" + s }
func (stubLinks) UnsubscribeURL(c string, s *domain.Subscriber) string {
	return "https://t.example.com/unsubscribe/" + c + "/" + s.UnsubscribeToken
}

type recordingObserver struct {
	NopObserver
	mu          sync.Mutex
	outcomes    []JobOutcome
	batches     []int
	transitions []Transition
	enqueued    int
}

func (o *recordingObserver) JobsEnqueued(_ string, n int) {
	o.mu.Lock()
	o.enqueued += n
	o.mu.Unlock()
}

func (o *recordingObserver) JobFinished(out JobOutcome) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, out)
	o.mu.Unlock()
}

func (o *recordingObserver) BatchFinished(n int, _ time.Duration) {
	o.mu.Lock()
	o.batches = append(o.batches, n)
	o.mu.Unlock()
}

func (o *recordingObserver) CampaignReconciled(t Transition) {
	o.mu.Lock()
	o.transitions = append(o.transitions, t)
	o.mu.Unlock()
}

type harness struct {
	store  *memStore
	disp   *scriptedDispatcher
	clock  *fakeClock
	obs    *recordingObserver
	engine *Engine

	mu     sync.Mutex
	sleeps []time.Duration
	seq    int
}

// newHarness builds an engine on a fake clock with instant sleeps. The
// processor is marked supervised so Enqueue only signals the wake channel and
// tests drive runs explicitly.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store: newMemStore(),
		disp:  newScriptedDispatcher(),
		clock: &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		obs:   &recordingObserver{},
	}
	e, err := NewEngine(Dependencies{
		Store:      h.store,
		Dispatcher: h.disp,
		Renderer:   stubRenderer{},
		Links:      stubLinks{},
		Observer:   h.obs,
	}, cfg)
	require.NoError(t, err)

	e.now = h.clock.Now
	e.newID = func() string {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.seq++
		return fmt.Sprintf("job-%03d", h.seq)
	}
	e.reconciler.now = h.clock.Now
	e.processor.now = h.clock.Now
	e.processor.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	e.processor.supervised = true
	h.engine = e
	return h
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}
