package domain

import "time"

// JobStatus enumerates the lifecycle of a single queued delivery.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// AllJobStatuses lists every job status in lifecycle order.
var AllJobStatuses = []JobStatus{JobPending, JobProcessing, JobCompleted, JobFailed}

// IsTerminal returns true for statuses a job never leaves.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// IsOutstanding returns true while the job still counts as in flight.
func (s JobStatus) IsOutstanding() bool {
	return s == JobPending || s == JobProcessing
}

// Job is one queued unit of work: deliver campaign CampaignID to subscriber
// SubscriberID. Jobs are created by the enqueue path and mutated only by the
// queue processor.
type Job struct {
	ID           string     `json:"id" db:"id"`
	CampaignID   string     `json:"campaign_id" db:"campaign_id"`
	SubscriberID string     `json:"subscriber_id" db:"subscriber_id"`
	Priority     int        `json:"priority" db:"priority"`
	Attempts     int        `json:"attempts" db:"attempts"`
	MaxAttempts  int        `json:"max_attempts" db:"max_attempts"`
	Status       JobStatus  `json:"status" db:"status"`
	Error        string     `json:"error,omitempty" db:"error"`
	ScheduledAt  time.Time  `json:"scheduled_at" db:"scheduled_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// DeliveryStatus is the outcome recorded in the delivery ledger.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

// DeliveryRecord is the durable per (campaign, subscriber) outcome. There is
// at most one record per pair; re-processing overwrites it.
type DeliveryRecord struct {
	CampaignID   string         `json:"campaign_id" db:"campaign_id"`
	SubscriberID string         `json:"subscriber_id" db:"subscriber_id"`
	Status       DeliveryStatus `json:"status" db:"status"`
	ErrorMessage string         `json:"error_message,omitempty" db:"error_message"`
	SentAt       time.Time      `json:"sent_at" db:"sent_at"`
}
