package newsletter

import (
	"time"

	"github.com/ignite/newsletter-queue/internal/domain"
)

// Outcome is what a single processing attempt did to a job.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDeferred  Outcome = "deferred"
)

// JobOutcome describes one finished attempt.
type JobOutcome struct {
	JobID         string
	CampaignID    string
	SubscriberID  string
	Outcome       Outcome
	Attempts      int
	Delivery      domain.DeliveryStatus
	Error         string
	NextAttemptAt *time.Time
	FinishedAt    time.Time
	Duration      time.Duration
}

// Observer receives queue events. Implementations must not block; they are
// called inline on the processor goroutine.
type Observer interface {
	JobsEnqueued(campaignID string, n int)
	JobFinished(o JobOutcome)
	BatchFinished(n int, elapsed time.Duration)
	CampaignReconciled(t Transition)
}

// NopObserver ignores every event. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) JobsEnqueued(string, int) {}
func (NopObserver) JobFinished(JobOutcome) {}
func (NopObserver) BatchFinished(int, time.Duration) {}
func (NopObserver) CampaignReconciled(Transition) {}

type multiObserver []Observer

// Observers fans events out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	if len(m) == 0 {
		return NopObserver{}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

func (m multiObserver) JobsEnqueued(campaignID string, n int) {
	for _, o := range m {
		o.JobsEnqueued(campaignID, n)
	}
}

func (m multiObserver) JobFinished(out JobOutcome) {
	for _, o := range m {
		o.JobFinished(out)
	}
}

func (m multiObserver) BatchFinished(n int, elapsed time.Duration) {
	for _, o := range m {
		o.BatchFinished(n, elapsed)
	}
}

func (m multiObserver) CampaignReconciled(t Transition) {
	for _, o := range m {
		o.CampaignReconciled(t)
	}
}
