package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
)

func TestCollectorCountsQueueEvents(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.JobsEnqueued("c1", 3)
	c.JobsEnqueued("c2", 2)
	c.JobFinished(newsletter.JobOutcome{Outcome: newsletter.OutcomeCompleted, Duration: 200 * time.Millisecond})
	c.JobFinished(newsletter.JobOutcome{Outcome: newsletter.OutcomeCompleted, Duration: 100 * time.Millisecond})
	c.JobFinished(newsletter.JobOutcome{Outcome: newsletter.OutcomeRetried})
	c.JobFinished(newsletter.JobOutcome{Outcome: newsletter.OutcomeSkipped})
	c.BatchFinished(10, 12*time.Second)
	c.CampaignReconciled(newsletter.Transition{To: domain.CampaignSent})
	c.CampaignReconciled(newsletter.Transition{To: domain.CampaignError})
	c.CampaignReconciled(newsletter.Transition{To: domain.CampaignSent})

	assert.Equal(t, 5.0, testutil.ToFloat64(c.enqueued))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.processed.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.processed.WithLabelValues("retried")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.processed.WithLabelValues("skipped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.processed.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.reconciled.WithLabelValues("SENT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconciled.WithLabelValues("ERROR")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.JobsEnqueued("c1", 4)
	c.BatchFinished(4, time.Second)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "newsletter_jobs_enqueued_total 4")
	assert.Contains(t, string(body), "newsletter_batch_duration_seconds_count 1")
}

func TestObserverFanOut(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	obs := newsletter.Observers(a, nil, b)

	obs.JobsEnqueued("c1", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(a.enqueued))
	assert.Equal(t, 2.0, testutil.ToFloat64(b.enqueued))
}
