package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/pkg/logger"
	"github.com/ignite/newsletter-queue/internal/service/newsletter"
)

// ThrottledSender checks a shared rate limit before every send. Short waits
// are slept out inline; longer ones, including a spent daily budget, are
// returned as a newsletter.DeferError so the queue parks the job until the
// window resets without spending one of its attempts.
type ThrottledSender struct {
	next    newsletter.Dispatcher
	limiter *RateLimiter
	// MaxWait is the longest the sender will wait inline for a per-second
	// or per-minute window to reset before giving up on this attempt.
	MaxWait time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ newsletter.Dispatcher = (*ThrottledSender)(nil)

// NewThrottledSender wraps next with limiter.
func NewThrottledSender(next newsletter.Dispatcher, limiter *RateLimiter) *ThrottledSender {
	return &ThrottledSender{
		next:    next,
		limiter: limiter,
		MaxWait: 2 * time.Second,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

func (s *ThrottledSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	waited := time.Duration(0)
	for {
		ok, wait, err := s.limiter.Allow(ctx, 1)
		if errors.Is(err, ErrDailyLimit) {
			return nil, newsletter.Defer(s.limiter.now().Add(wait), err.Error())
		}
		if err != nil {
			// Redis trouble should not stop delivery.
			logger.Warn("rate limiter unavailable, sending unthrottled", "error", err.Error())
			return s.next.Send(ctx, msg)
		}
		if ok {
			return s.next.Send(ctx, msg)
		}
		if waited+wait > s.MaxWait {
			return nil, newsletter.Defer(s.limiter.now().Add(wait), fmt.Sprintf("send rate limited, retry in %s", wait))
		}
		if err := s.sleep(ctx, wait); err != nil {
			return nil, err
		}
		waited += wait
	}
}
