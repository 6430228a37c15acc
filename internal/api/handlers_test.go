package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
	"github.com/ignite/newsletter-queue/internal/storage"
)

// mockQueue records the calls the handlers make.
type mockQueue struct {
	startErr      error
	startIDs      []string
	startPriority int
	woken         int
	counts        map[domain.JobStatus]int
	countsErr     error
	transitions   []newsletter.Transition
	clearedDays   int
	clearErr      error
	summary       map[domain.DeliveryStatus]int
	staleBefore   time.Time
	requeueErr    error
	alreadyQueued int
}

func (m *mockQueue) StartCampaign(_ context.Context, campaignID string, ids []string, priority int) (*newsletter.EnqueueResult, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.startIDs = ids
	m.startPriority = priority
	return &newsletter.EnqueueResult{CampaignID: campaignID, Queued: len(ids) - m.alreadyQueued, Skipped: m.alreadyQueued}, nil
}

func (m *mockQueue) Wake() { m.woken++ }

func (m *mockQueue) QueueStatus(context.Context) (map[domain.JobStatus]int, error) {
	return m.counts, m.countsErr
}

func (m *mockQueue) FixStuckCampaigns(context.Context) ([]newsletter.Transition, error) {
	return m.transitions, nil
}

func (m *mockQueue) ClearCompletedJobs(_ context.Context, days int) (int64, error) {
	m.clearedDays = days
	if m.clearErr != nil {
		return 0, m.clearErr
	}
	return 4, nil
}

func (m *mockQueue) DeliverySummary(context.Context, string) (map[domain.DeliveryStatus]int, error) {
	return m.summary, nil
}

func (m *mockQueue) RequeueStale(_ context.Context, staleBefore time.Time) (int64, error) {
	m.staleBefore = staleBefore
	if m.requeueErr != nil {
		return 0, m.requeueErr
	}
	return 2, nil
}

func (m *mockQueue) Stats() map[string]interface{} {
	return map[string]interface{}{"runs": 1}
}

type staticSubscribers []string

func (s staticSubscribers) ActiveSubscriberIDs(context.Context) ([]string, error) { return s, nil }

type staticReports []storage.CampaignReport

func (s staticReports) Reports(context.Context, string) ([]storage.CampaignReport, error) {
	return s, nil
}

func setupTestRouter(t *testing.T, q *mockQueue) (*Handlers, http.Handler) {
	t.Helper()
	h := NewHandlers(q, 7, 10*time.Minute)
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h, SetupRoutes(h, NewHealthChecker(nil, nil, nil, "", q), nil)
}

func do(t *testing.T, router http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestEnqueueCampaign(t *testing.T) {
	t.Run("explicit subscribers", func(t *testing.T) {
		q := &mockQueue{}
		_, router := setupTestRouter(t, q)

		rec, resp := do(t, router, http.MethodPost, "/api/newsletter/campaigns/c1/enqueue",
			map[string]interface{}{"subscriber_ids": []string{"s1", "s2"}, "priority": 5})

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "c1", resp["campaign_id"])
		assert.Equal(t, 2.0, resp["queued"])
		assert.Equal(t, []string{"s1", "s2"}, q.startIDs)
		assert.Equal(t, 5, q.startPriority)
	})

	t.Run("retry reports already queued subscribers", func(t *testing.T) {
		q := &mockQueue{alreadyQueued: 2}
		_, router := setupTestRouter(t, q)

		rec, resp := do(t, router, http.MethodPost, "/api/newsletter/campaigns/c1/enqueue",
			map[string]interface{}{"subscriber_ids": []string{"s1", "s2"}})

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, 0.0, resp["queued"])
		assert.Equal(t, 2.0, resp["skipped"])
	})

	t.Run("empty list uses active subscribers", func(t *testing.T) {
		q := &mockQueue{}
		h, router := setupTestRouter(t, q)
		h.SetSubscriberLister(staticSubscribers{"a", "b", "c"})

		rec, resp := do(t, router, http.MethodPost, "/api/newsletter/campaigns/c1/enqueue", nil)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, 3.0, resp["queued"])
	})

	t.Run("empty list without lister", func(t *testing.T) {
		_, router := setupTestRouter(t, &mockQueue{})
		rec, _ := do(t, router, http.MethodPost, "/api/newsletter/campaigns/c1/enqueue", map[string]interface{}{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("error mapping", func(t *testing.T) {
		cases := []struct {
			err  error
			code int
		}{
			{fmt.Errorf("find: %w", newsletter.ErrNotFound), http.StatusNotFound},
			{fmt.Errorf("%w: campaign c1 is SENT", newsletter.ErrInvalidTransition), http.StatusConflict},
			{errors.New("pq: connection refused"), http.StatusInternalServerError},
		}
		for _, tc := range cases {
			_, router := setupTestRouter(t, &mockQueue{startErr: tc.err})
			rec, resp := do(t, router, http.MethodPost, "/api/newsletter/campaigns/c1/enqueue",
				map[string]interface{}{"subscriber_ids": []string{"s1"}})
			assert.Equal(t, tc.code, rec.Code, tc.err.Error())
			assert.NotContains(t, resp["error"], "pq:")
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		_, router := setupTestRouter(t, &mockQueue{})
		req := httptest.NewRequest(http.MethodPost, "/api/newsletter/campaigns/c1/enqueue", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestQueueStatusAndRun(t *testing.T) {
	q := &mockQueue{counts: map[domain.JobStatus]int{
		domain.JobPending: 3, domain.JobProcessing: 1, domain.JobCompleted: 9, domain.JobFailed: 0,
	}}
	_, router := setupTestRouter(t, q)

	rec, resp := do(t, router, http.MethodGet, "/api/newsletter/queue/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := resp["jobs"].(map[string]interface{})
	assert.Equal(t, 3.0, jobs["PENDING"])
	assert.Equal(t, 9.0, jobs["COMPLETED"])
	assert.Contains(t, resp, "processor")

	rec, _ = do(t, router, http.MethodPost, "/api/newsletter/queue/run", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, q.woken)
}

func TestQueueStatusError(t *testing.T) {
	_, router := setupTestRouter(t, &mockQueue{countsErr: errors.New("sql: database is closed")})
	rec, resp := do(t, router, http.MethodGet, "/api/newsletter/queue/status", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "A database error occurred", resp["error"])
}

func TestFixStuckCampaigns(t *testing.T) {
	q := &mockQueue{}
	_, router := setupTestRouter(t, q)

	rec, resp := do(t, router, http.MethodPost, "/api/newsletter/queue/fix-stuck", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, resp["transitions"])
	assert.NotNil(t, resp["transitions"])

	q.transitions = []newsletter.Transition{{CampaignID: "c1", From: domain.CampaignSending, To: domain.CampaignSent, Total: 2, Completed: 2}}
	_, resp = do(t, router, http.MethodPost, "/api/newsletter/queue/fix-stuck", nil)
	list := resp["transitions"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "SENT", list[0].(map[string]interface{})["to"])
}

func TestClearCompletedJobs(t *testing.T) {
	q := &mockQueue{}
	_, router := setupTestRouter(t, q)

	rec, resp := do(t, router, http.MethodDelete, "/api/newsletter/queue/completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, q.clearedDays)
	assert.Equal(t, 4.0, resp["removed"])

	do(t, router, http.MethodDelete, "/api/newsletter/queue/completed?older_than_days=30", nil)
	assert.Equal(t, 30, q.clearedDays)

	rec, _ = do(t, router, http.MethodDelete, "/api/newsletter/queue/completed?older_than_days=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	q.clearErr = newsletter.ErrInvalidRetention
	rec, _ = do(t, router, http.MethodDelete, "/api/newsletter/queue/completed?older_than_days=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequeueStale(t *testing.T) {
	q := &mockQueue{}
	h, router := setupTestRouter(t, q)

	rec, resp := do(t, router, http.MethodPost, "/api/newsletter/queue/requeue-stale", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, resp["requeued"])
	assert.Equal(t, h.now().Add(-10*time.Minute), q.staleBefore)

	do(t, router, http.MethodPost, "/api/newsletter/queue/requeue-stale?older_than_minutes=45", nil)
	assert.Equal(t, h.now().Add(-45*time.Minute), q.staleBefore)

	rec, _ = do(t, router, http.MethodPost, "/api/newsletter/queue/requeue-stale?older_than_minutes=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequeueStaleRejectsWindowBelowStaleAge(t *testing.T) {
	q := &mockQueue{}
	_, router := setupTestRouter(t, q)

	rec, resp := do(t, router, http.MethodPost, "/api/newsletter/queue/requeue-stale?older_than_minutes=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "older_than_minutes must be at least 10", resp["error"])
	assert.True(t, q.staleBefore.IsZero(), "queue must not be touched")

	q.requeueErr = fmt.Errorf("%w: need at least 55s", newsletter.ErrStaleWindow)
	rec, _ = do(t, router, http.MethodPost, "/api/newsletter/queue/requeue-stale?older_than_minutes=10", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeliverySummaryZeroFills(t *testing.T) {
	q := &mockQueue{summary: map[domain.DeliveryStatus]int{domain.DeliveryDelivered: 5, domain.DeliveryFailed: 1}}
	_, router := setupTestRouter(t, q)

	rec, resp := do(t, router, http.MethodGet, "/api/newsletter/campaigns/c1/deliveries/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	counts := resp["counts"].(map[string]interface{})
	assert.Equal(t, 0.0, counts["SENT"])
	assert.Equal(t, 5.0, counts["DELIVERED"])
	assert.Equal(t, 6.0, resp["total"])
}

func TestCampaignReports(t *testing.T) {
	h, router := setupTestRouter(t, &mockQueue{})

	rec, _ := do(t, router, http.MethodGet, "/api/newsletter/campaigns/c1/reports", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.SetReportLister(staticReports{{Transition: newsletter.Transition{CampaignID: "c1", To: domain.CampaignSent}}})
	rec, resp := do(t, router, http.MethodGet, "/api/newsletter/campaigns/c1/reports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp["reports"], 1)
}

func TestHealthEndpoints(t *testing.T) {
	q := &mockQueue{counts: map[domain.JobStatus]int{domain.JobPending: 2}}
	_, router := setupTestRouter(t, q)

	rec, resp := do(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", resp["status"])
	checks := resp["checks"].(map[string]interface{})
	queue := checks["queue"].(map[string]interface{})
	assert.Equal(t, "up", queue["status"])
	assert.Equal(t, "2 pending, 0 processing", queue["message"])

	rec, resp = do(t, router, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", resp["status"])

	rec, resp = do(t, router, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["ready"])
}

func TestHealthBacklogDegraded(t *testing.T) {
	q := &mockQueue{counts: map[domain.JobStatus]int{domain.JobPending: pendingBacklogWarn + 1}}
	_, router := setupTestRouter(t, q)

	_, resp := do(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, "degraded", resp["status"])
}

func TestDetermineOverallStatus(t *testing.T) {
	assert.Equal(t, "unhealthy", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "down", Message: "ping failed: refused"},
	}))
	assert.Equal(t, "healthy", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "up"},
		"redis":    {Status: "down", Message: "not configured"},
	}))
	assert.Equal(t, "degraded", determineOverallStatus(map[string]ComponentCheck{
		"database": {Status: "up"},
		"redis":    {Status: "down", Message: "ping failed: refused"},
	}))
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "45s", formatUptime(45*time.Second))
	assert.Equal(t, "2m 5s", formatUptime(125*time.Second))
	assert.Equal(t, "1d 1h 0m 0s", formatUptime(25*time.Hour))
}
