package newsletter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ignite/newsletter-queue/internal/domain"
)

// memStore is an in-memory Store for unit testing.
type memStore struct {
	mu          sync.Mutex
	jobs        map[string]*domain.Job
	deliveries  map[string]domain.DeliveryRecord // keyed by campaign|subscriber
	campaigns   map[string]*domain.Campaign
	subscribers map[string]*domain.Subscriber

	failCreate error
	failFetch  error
	failCount  map[string]error // campaign id -> error
	onFetch    func()
	fetches    int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:        make(map[string]*domain.Job),
		deliveries:  make(map[string]domain.DeliveryRecord),
		campaigns:   make(map[string]*domain.Campaign),
		subscribers: make(map[string]*domain.Subscriber),
		failCount:   make(map[string]error),
	}
}

func (m *memStore) addCampaign(id string, status domain.CampaignStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[id] = &domain.Campaign{ID: id, Title: "Title " + id, Subject: "Subject " + id, Status: status}
}

func (m *memStore) addSubscribers(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.subscribers[id] = &domain.Subscriber{ID: id, Email: id + "@example.com", Name: id, UnsubscribeToken: "tok-" + id}
	}
}

func (m *memStore) job(id string) domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) campaign(id string) domain.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.campaigns[id]
}

func (m *memStore) jobFor(campaignID, subscriberID string) domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.CampaignID == campaignID && j.SubscriberID == subscriberID {
			return *j
		}
	}
	return domain.Job{}
}

func (m *memStore) delivery(campaignID, subscriberID string) (domain.DeliveryRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[campaignID+"|"+subscriberID]
	return d, ok
}

func (m *memStore) CreateJobs(_ context.Context, jobs []domain.Job) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return 0, m.failCreate
	}
	pairs := make(map[string]bool, len(m.jobs))
	for _, j := range m.jobs {
		pairs[j.CampaignID+"|"+j.SubscriberID] = true
	}
	n := 0
	for i := range jobs {
		j := jobs[i]
		key := j.CampaignID + "|" + j.SubscriberID
		if pairs[key] {
			continue
		}
		pairs[key] = true
		m.jobs[j.ID] = &j
		n++
	}
	return n, nil
}

func (m *memStore) jobsFor(campaignID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.CampaignID == campaignID {
			n++
		}
	}
	return n
}

func (m *memStore) FetchReadyJobs(_ context.Context, limit int, now time.Time) ([]domain.Job, error) {
	m.mu.Lock()
	m.fetches++
	hook := m.onFetch
	if m.failFetch != nil {
		m.mu.Unlock()
		return nil, m.failFetch
	}
	var out []domain.Job
	for _, j := range m.jobs {
		if j.Status == domain.JobPending && !j.ScheduledAt.After(now) {
			out = append(out, *j)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		if !out[a].ScheduledAt.Equal(out[b].ScheduledAt) {
			return out[a].ScheduledAt.Before(out[b].ScheduledAt)
		}
		return out[a].SubscriberID < out[b].SubscriberID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if hook != nil {
		hook()
	}
	return out, nil
}

func (m *memStore) MarkProcessing(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.JobPending {
		return false, nil
	}
	j.Status = domain.JobProcessing
	t := now
	j.ProcessedAt = &t
	return true, nil
}

func (m *memStore) UpdateJob(_ context.Context, id string, p JobPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Attempts != nil {
		j.Attempts = *p.Attempts
	}
	if p.ScheduledAt != nil {
		j.ScheduledAt = *p.ScheduledAt
	}
	if p.ProcessedAt != nil {
		t := *p.ProcessedAt
		j.ProcessedAt = &t
	}
	if p.Error != nil {
		j.Error = *p.Error
	}
	return nil
}

func (m *memStore) CountJobs(_ context.Context, campaignID string, statuses ...domain.JobStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCount[campaignID]; err != nil {
		return 0, err
	}
	n := 0
	for _, j := range m.jobs {
		if j.CampaignID != campaignID {
			continue
		}
		if len(statuses) == 0 {
			n++
			continue
		}
		for _, s := range statuses {
			if j.Status == s {
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *memStore) CountJobsByStatus(_ context.Context) (map[domain.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.JobStatus]int)
	for _, j := range m.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (m *memStore) DeleteJobs(_ context.Context, status domain.JobStatus, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.Status == status && j.ScheduledAt.Before(olderThan) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) RequeueStale(_ context.Context, staleBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Status == domain.JobProcessing && j.ProcessedAt != nil && j.ProcessedAt.Before(staleBefore) {
			j.Status = domain.JobPending
			n++
		}
	}
	return n, nil
}

func (m *memStore) UpsertDeliveryRecord(_ context.Context, rec domain.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[rec.CampaignID+"|"+rec.SubscriberID] = rec
	return nil
}

func (m *memStore) DeliverySummary(_ context.Context, campaignID string) (map[domain.DeliveryStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.DeliveryStatus]int)
	for _, d := range m.deliveries {
		if d.CampaignID == campaignID {
			out[d.Status]++
		}
	}
	return out, nil
}

func (m *memStore) FindCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) FindSubscriber(_ context.Context, id string) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscribers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) FindSelectedContent(_ context.Context, _ *domain.Campaign) (*domain.SelectedContent, error) {
	return &domain.SelectedContent{}, nil
}

func (m *memStore) ListCampaignsByStatus(_ context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if c.Status == status {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *memStore) UpdateCampaign(_ context.Context, id string, p CampaignPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.TotalSent != nil {
		c.TotalSent = *p.TotalSent
	}
	if p.TotalDelivered != nil {
		c.TotalDelivered = *p.TotalDelivered
	}
	if p.SentAt != nil {
		t := *p.SentAt
		c.SentAt = &t
	}
	return nil
}

var errBoom = errors.New("boom")
