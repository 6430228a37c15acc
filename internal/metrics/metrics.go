// Package metrics exposes newsletter queue activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/newsletter-queue/internal/service/newsletter"
)

// Collector is a newsletter.Observer backed by Prometheus collectors.
type Collector struct {
	reg prometheus.Gatherer

	enqueued      prometheus.Counter
	processed     *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	batchDuration prometheus.Histogram
	reconciled    *prometheus.CounterVec
}

var _ newsletter.Observer = (*Collector)(nil)

// New registers the queue metrics on reg. Pass prometheus.NewRegistry() in
// tests to keep them isolated from the default registry.
func New(reg *prometheus.Registry) *Collector {
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		enqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "newsletter_jobs_enqueued_total",
			Help: "The total number of newsletter send jobs created",
		}),
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_jobs_processed_total",
			Help: "The total number of processed newsletter jobs",
		}, []string{"outcome"}), // outcome: completed, retried, failed, skipped
		jobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsletter_job_duration_seconds",
			Help:    "Duration of one job attempt, including the send.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		batchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsletter_batch_duration_seconds",
			Help:    "Duration of one processor batch.",
			Buckets: prometheus.LinearBuckets(1, 5, 10),
		}),
		reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_campaigns_reconciled_total",
			Help: "Campaigns moved out of SENDING by the reconciler",
		}, []string{"status"}),
	}
}

func (c *Collector) JobsEnqueued(_ string, n int) {
	c.enqueued.Add(float64(n))
}

func (c *Collector) JobFinished(o newsletter.JobOutcome) {
	c.processed.WithLabelValues(string(o.Outcome)).Inc()
	if o.Outcome != newsletter.OutcomeSkipped {
		c.jobDuration.Observe(o.Duration.Seconds())
	}
}

func (c *Collector) BatchFinished(_ int, elapsed time.Duration) {
	c.batchDuration.Observe(elapsed.Seconds())
}

func (c *Collector) CampaignReconciled(t newsletter.Transition) {
	c.reconciled.WithLabelValues(string(t.To)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
