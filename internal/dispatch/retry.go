package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/suPer8Hu/chat-relay/internal/ai"
)

const DefaultBackoff = time.Second

// maxRetries is fixed: a failed attempt gets exactly one more try.
const maxRetries = 1

// Attempt is one adapter invocation. It reports how many chunks reached the
// caller before it returned.
type Attempt func(ctx context.Context) (delivered int, err error)

// Retrier retries a failed attempt once, and only while nothing has been
// delivered: once the caller has seen output a retry would duplicate it.
type Retrier struct {
	Backoff time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func NewRetrier(backoff time.Duration) *Retrier {
	if backoff < 0 {
		backoff = DefaultBackoff
	}
	return &Retrier{Backoff: backoff, sleep: sleepWithCtx}
}

// Do runs attempt under the retry policy. A non-nil error is always an *ai.Error
// with its Kind set.
func (r *Retrier) Do(ctx context.Context, service string, attempt Attempt) (int, error) {
	attempts := 0
	for {
		attempts++
		delivered, err := attempt(ctx)
		if err == nil {
			return attempts, nil
		}
		if ctx.Err() != nil {
			return attempts, ai.Classified(service, ctx.Err())
		}

		classified := ai.Classified(service, err)
		if delivered > 0 || !classified.Kind.Retryable() || attempts > maxRetries {
			return attempts, classified
		}

		log.Printf("[retry] service=%s attempt=%d kind=%s backoff=%s err=%v",
			service, attempts, classified.Kind, r.Backoff, err)
		if err := r.sleep(ctx, r.Backoff); err != nil {
			return attempts, ai.Classified(service, err)
		}
	}
}

// sleepWithCtx is a sleep that gives up when ctx ends.
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
