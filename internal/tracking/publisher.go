package tracking

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/newsletter-queue/internal/pkg/logger"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
)

type EventType string

const (
	EventOpen        EventType = "opened"
	EventUnsubscribe EventType = "unsubscribed"
	EventDelivered   EventType = "delivered"
	EventFailed      EventType = "failed"
)

const publishTimeout = 5 * time.Second

// Event is the SQS message body for every tracking and delivery event.
type Event struct {
	EventType        EventType `json:"event_type"`
	OrgID            string    `json:"org_id,omitempty"`
	CampaignID       string    `json:"campaign_id"`
	SubscriberID     string    `json:"subscriber_id"`
	JobID            string    `json:"job_id,omitempty"`
	Attempts         int       `json:"attempts,omitempty"`
	DeliveryStatus   string    `json:"delivery_status,omitempty"`
	Error            string    `json:"error,omitempty"`
	UnsubscribeToken string    `json:"unsubscribe_token,omitempty"`
	IPAddress        string    `json:"ip_address,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

type sqsSender interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends events to one SQS queue without blocking the caller.
//
// As a newsletter.Observer it publishes a delivered or failed event for every
// job that reaches a terminal state. Retries and skipped claims are not
// published.
type Publisher struct {
	newsletter.NopObserver

	client   sqsSender
	queueURL string
	wg       sync.WaitGroup
}

func NewPublisher(client *sqs.Client, queueURL string) *Publisher {
	return newPublisher(client, queueURL)
}

func newPublisher(client sqsSender, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL}
}

func (p *Publisher) Publish(evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		logger.Error("marshal tracking event", "error", err)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(p.queueURL),
			MessageBody: aws.String(string(body)),
		})
		if err != nil {
			logger.Error("publishing to SQS", "event_type", string(evt.EventType), "error", err)
		}
	}()
}

// JobFinished implements newsletter.Observer.
func (p *Publisher) JobFinished(o newsletter.JobOutcome) {
	var kind EventType
	switch o.Outcome {
	case newsletter.OutcomeCompleted:
		kind = EventDelivered
	case newsletter.OutcomeFailed:
		kind = EventFailed
	default:
		return
	}

	p.Publish(Event{
		EventType:      kind,
		CampaignID:     o.CampaignID,
		SubscriberID:   o.SubscriberID,
		JobID:          o.JobID,
		Attempts:       o.Attempts,
		DeliveryStatus: string(o.Delivery),
		Error:          o.Error,
		Timestamp:      o.FinishedAt.UTC(),
	})
}

// Close waits for in-flight sends.
func (p *Publisher) Close() {
	p.wg.Wait()
}
