package audit

import (
	"context"
	"math/rand"
	"time"
)

// retryPolicy bounds object storage calls. Delays grow exponentially from
// BaseDelay with full jitter, capped at MaxDelay. Kept separate from the
// supplier gateway's policy so storage and upstream tuning stay independent.
type retryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

func (p retryPolicy) backoff(n int) time.Duration {
	ceiling := p.BaseDelay << uint(n-1)
	if ceiling > p.MaxDelay || ceiling <= 0 {
		ceiling = p.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// do runs fn up to MaxAttempts times, sleeping the jittered backoff between
// tries. The last error is returned when the budget is spent.
func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}
	return err
}
