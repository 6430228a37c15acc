package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/newsletter-queue/internal/pkg/logger"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
)

// EventSink applies tracking events to the subscriber and delivery tables.
// postgres.NewsletterStore satisfies it.
type EventSink interface {
	RecordOpen(ctx context.Context, campaignID, subscriberID string, at time.Time) error
	Unsubscribe(ctx context.Context, subscriberID, token string, at time.Time) error
}

type sqsReceiver interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Consumer long-polls the tracking queue and writes opens and unsubscribes.
// A message is deleted only after it was applied, so failures are retried
// by SQS redelivery. Events for unknown subscribers are dropped.
type Consumer struct {
	client   sqsReceiver
	queueURL string
	sink     EventSink
	backoff  time.Duration
	done     chan struct{}
}

func NewConsumer(client *sqs.Client, queueURL string, sink EventSink) *Consumer {
	return newConsumer(client, queueURL, sink)
}

func newConsumer(client sqsReceiver, queueURL string, sink EventSink) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		sink:     sink,
		backoff:  5 * time.Second,
		done:     make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	logger.Info("SQS tracking consumer started", "queue", c.queueURL)
	go c.poll(ctx)
}

func (c *Consumer) Stop() {
	close(c.done)
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if err := c.receiveOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("SQS receive error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(c.backoff):
			}
		}
	}
}

// receiveOnce handles one long-poll batch.
func (c *Consumer) receiveOnce(ctx context.Context) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		return err
	}

	for _, msg := range out.Messages {
		var evt Event
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &evt); err != nil {
			logger.Warn("SQS bad message", "error", err)
			c.deleteMessage(ctx, msg.ReceiptHandle)
			continue
		}

		if err := c.processEvent(ctx, evt); err != nil && !errors.Is(err, newsletter.ErrNotFound) {
			logger.Error("SQS process error", "event_type", string(evt.EventType), "error", err)
			continue
		}

		c.deleteMessage(ctx, msg.ReceiptHandle)
	}
	return nil
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		logger.Warn("SQS delete failed", "error", err)
	}
}

func (c *Consumer) processEvent(ctx context.Context, evt Event) error {
	switch evt.EventType {
	case EventOpen:
		return c.sink.RecordOpen(ctx, evt.CampaignID, evt.SubscriberID, evt.Timestamp)
	case EventUnsubscribe:
		return c.sink.Unsubscribe(ctx, evt.SubscriberID, evt.UnsubscribeToken, evt.Timestamp)
	default:
		logger.Debug("ignoring event", "event_type", string(evt.EventType))
		return nil
	}
}
