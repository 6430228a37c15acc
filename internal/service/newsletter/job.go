package newsletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/newsletter-queue/internal/domain"
)

// outcomeWriteTimeout bounds the bookkeeping writes after a send. They run on
// a context detached from the run so that shutdown does not strand a job in
// PROCESSING after its email went out.
const outcomeWriteTimeout = 10 * time.Second

// processJob claims, sends and records one job. The job runs on a context
// detached from ctx: cancelling the run stops it between jobs, never in the
// middle of a send. Lookups and the send carry their own deadlines.
func (p *Processor) processJob(ctx context.Context, job domain.Job) {
	ctx = context.WithoutCancel(ctx)
	start := p.now()
	claimed, err := p.store.MarkProcessing(ctx, job.ID, start)
	if err != nil {
		p.log.Error("claim job failed", "job_id", job.ID, "error", err.Error())
		return
	}
	if !claimed {
		p.log.Debug("job claimed elsewhere, skipping", "job_id", job.ID)
		p.observer.JobFinished(JobOutcome{
			JobID:        job.ID,
			CampaignID:   job.CampaignID,
			SubscriberID: job.SubscriberID,
			Outcome:      OutcomeSkipped,
			Attempts:     job.Attempts,
			FinishedAt:   start,
		})
		return
	}

	result, sendErr := p.deliver(ctx, job)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()

	var (
		out      JobOutcome
		deferred *DeferError
	)
	switch {
	case sendErr == nil:
		out = p.recordSuccess(wctx, job, result)
	case errors.As(sendErr, &deferred):
		out = p.recordDeferral(wctx, job, deferred)
	default:
		out = p.recordFailure(wctx, job, sendErr)
	}
	out.Duration = p.now().Sub(start)
	p.processed.Add(1)
	p.observer.JobFinished(out)
}

// deliver resolves the render data, builds the message and sends it. Any
// panic along the way becomes an ordinary send failure.
func (p *Processor) deliver(ctx context.Context, job domain.Job) (res *domain.SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("panic during delivery: %v", r)
		}
	}()

	lookupCtx, cancelLookup := context.WithTimeout(ctx, lookupTimeout)
	msg, err := p.buildMessage(lookupCtx, job)
	cancelLookup()
	if err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	res, err = p.dispatcher.Send(sendCtx, msg)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("dispatcher returned no result")
	}
	if !res.Success {
		if res.Error != "" {
			return res, errors.New(res.Error)
		}
		return res, errors.New("send failed")
	}
	return res, nil
}

func (p *Processor) buildMessage(ctx context.Context, job domain.Job) (*domain.EmailMessage, error) {
	campaign, err := p.store.FindCampaign(ctx, job.CampaignID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: campaign %s", ErrDataNotFound, job.CampaignID)
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	sub, err := p.store.FindSubscriber(ctx, job.SubscriberID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: subscriber %s", ErrDataNotFound, job.SubscriberID)
	}
	if err != nil {
		return nil, fmt.Errorf("load subscriber: %w", err)
	}

	content, err := p.store.FindSelectedContent(ctx, campaign)
	if err != nil {
		return nil, fmt.Errorf("load selected content: %w", err)
	}

	var attachments []domain.Attachment
	if p.attachments != nil && len(campaign.AttachmentKeys) > 0 {
		attachments, err = p.attachments.Load(ctx, campaign.AttachmentKeys)
		if err != nil {
			return nil, fmt.Errorf("load attachments: %w", err)
		}
	}

	openURL := p.links.OpenURL(campaign.ID, sub.ID)
	unsubURL := p.links.UnsubscribeURL(campaign.ID, sub)

	html, err := p.renderer.Render(ctx, RenderInput{
		Campaign:       campaign,
		Subscriber:     sub,
		Content:        content,
		OpenURL:        openURL,
		UnsubscribeURL: unsubURL,
	})
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}

	subject := campaign.Subject
	if subject == "" {
		subject = campaign.Title
	}

	return &domain.EmailMessage{
		CampaignID:   campaign.ID,
		SubscriberID: sub.ID,
		To:           sub.Email,
		Subject:      subject,
		HTML:         html,
		Headers: map[string]string{
			"List-Unsubscribe":      "<" + unsubURL + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
			"X-Campaign-ID":         campaign.ID,
		},
		Attachments: attachments,
	}, nil
}

func (p *Processor) recordSuccess(ctx context.Context, job domain.Job, res *domain.SendResult) JobOutcome {
	now := p.now()
	status := domain.JobCompleted
	cleared := ""
	if err := p.store.UpdateJob(ctx, job.ID, JobPatch{Status: &status, Error: &cleared}); err != nil {
		p.log.Error("mark job completed failed", "job_id", job.ID, "error", err.Error())
	}

	delivery := domain.DeliveryDelivered
	if res.Development {
		delivery = domain.DeliverySent
	}
	if err := p.store.UpsertDeliveryRecord(ctx, domain.DeliveryRecord{
		CampaignID:   job.CampaignID,
		SubscriberID: job.SubscriberID,
		Status:       delivery,
		SentAt:       now,
	}); err != nil {
		p.log.Error("record delivery failed", "job_id", job.ID, "error", err.Error())
	}

	return JobOutcome{
		JobID:        job.ID,
		CampaignID:   job.CampaignID,
		SubscriberID: job.SubscriberID,
		Outcome:      OutcomeCompleted,
		Attempts:     job.Attempts,
		Delivery:     delivery,
		FinishedAt:   now,
	}
}

// recordDeferral puts the job back in the queue at the dispatcher's retry
// time without spending an attempt, and holds the processor until then.
func (p *Processor) recordDeferral(ctx context.Context, job domain.Job, d *DeferError) JobOutcome {
	now := p.now()
	next := d.RetryAt
	if !next.After(now) {
		next = now.Add(time.Minute)
	}
	msg := d.Error()
	status := domain.JobPending
	if err := p.store.UpdateJob(ctx, job.ID, JobPatch{
		Status:      &status,
		ScheduledAt: &next,
		Error:       &msg,
	}); err != nil {
		p.log.Error("defer job failed", "job_id", job.ID, "error", err.Error())
	}
	p.holdUntil(next)
	p.log.Info("send deferred",
		"job_id", job.ID,
		"campaign_id", job.CampaignID,
		"until", next.Format(time.RFC3339),
		"reason", d.Reason,
	)
	return JobOutcome{
		JobID:         job.ID,
		CampaignID:    job.CampaignID,
		SubscriberID:  job.SubscriberID,
		Outcome:       OutcomeDeferred,
		Attempts:      job.Attempts,
		Error:         msg,
		NextAttemptAt: &next,
		FinishedAt:    now,
	}
}

func (p *Processor) recordFailure(ctx context.Context, job domain.Job, sendErr error) JobOutcome {
	now := p.now()
	attempts := job.Attempts + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	msg := sendErr.Error()

	out := JobOutcome{
		JobID:        job.ID,
		CampaignID:   job.CampaignID,
		SubscriberID: job.SubscriberID,
		Attempts:     attempts,
		Error:        msg,
		FinishedAt:   now,
	}

	if attempts < maxAttempts {
		status := domain.JobPending
		next := now.Add(Backoff(attempts))
		err := p.store.UpdateJob(ctx, job.ID, JobPatch{
			Status:      &status,
			Attempts:    &attempts,
			ScheduledAt: &next,
			Error:       &msg,
		})
		if err != nil {
			p.log.Error("reschedule job failed", "job_id", job.ID, "error", err.Error())
		}
		p.log.Warn("send failed, retrying",
			"job_id", job.ID,
			"campaign_id", job.CampaignID,
			"attempts", attempts,
			"next_attempt", next.Format(time.RFC3339),
			"error", msg,
		)
		out.Outcome = OutcomeRetried
		out.NextAttemptAt = &next
		return out
	}

	status := domain.JobFailed
	if err := p.store.UpdateJob(ctx, job.ID, JobPatch{
		Status:   &status,
		Attempts: &attempts,
		Error:    &msg,
	}); err != nil {
		p.log.Error("mark job failed failed", "job_id", job.ID, "error", err.Error())
	}
	if err := p.store.UpsertDeliveryRecord(ctx, domain.DeliveryRecord{
		CampaignID:   job.CampaignID,
		SubscriberID: job.SubscriberID,
		Status:       domain.DeliveryFailed,
		ErrorMessage: msg,
		SentAt:       now,
	}); err != nil {
		p.log.Error("record failed delivery failed", "job_id", job.ID, "error", err.Error())
	}
	p.log.Error("send failed permanently",
		"job_id", job.ID,
		"campaign_id", job.CampaignID,
		"attempts", attempts,
		"error", msg,
	)
	out.Outcome = OutcomeFailed
	out.Delivery = domain.DeliveryFailed
	return out
}
