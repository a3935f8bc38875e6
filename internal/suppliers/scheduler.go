package suppliers

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/partstream/backend/internal/circuitbreaker"
	"github.com/partstream/backend/internal/fault"
)

// RetryPolicy bounds retries of upstream supplier calls. Delays grow
// exponentially from BaseDelay with full jitter, capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// backoff returns the sleep before retry number n (n starts at 1).
func (p RetryPolicy) backoff(n int) time.Duration {
	ceiling := p.BaseDelay << uint(n-1)
	if ceiling > p.MaxDelay || ceiling <= 0 {
		ceiling = p.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// Scheduler wraps a single adapter with its token bucket, circuit breaker,
// and retry policy. Every attempt consumes one rate token and is recorded in
// the usage ledger, retried or not.
type Scheduler struct {
	adapter Adapter
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	retry   RetryPolicy
	ledger  UsageLedger
	logger  *slog.Logger
}

func NewScheduler(adapter Adapter, breaker *circuitbreaker.CircuitBreaker, retry RetryPolicy, ledger UsageLedger, logger *slog.Logger) *Scheduler {
	perMin := adapter.RatePerMinute()
	if perMin <= 0 {
		perMin = 60
	}
	// Refill is perMin/60 tokens per second with a full-quota burst. A bucket
	// left idle for a minute can admit perMin calls at once, so burst plus
	// refill may briefly exceed perMin inside one wall-clock minute;
	// steady-state throughput stays at perMin.
	return &Scheduler{
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
		breaker: breaker,
		retry:   retry,
		ledger:  ledger,
		logger:  logger.With("supplier", adapter.Name()),
	}
}

func (s *Scheduler) Adapter() Adapter { return s.adapter }

func (s *Scheduler) Breaker() *circuitbreaker.CircuitBreaker { return s.breaker }

func (s *Scheduler) HealthCheck(ctx context.Context) error { return s.adapter.HealthCheck(ctx) }

// Search runs one component lookup with retries. Transient and rate-limited
// errors are retried up to the policy's attempt budget; everything else
// propagates immediately. A tripped breaker fails fast without burning
// attempts.
func (s *Scheduler) Search(ctx context.Context, mpn, manufacturer string) (*Result, error) {
	op := "suppliers." + s.adapter.Name()

	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := s.retry.backoff(attempt - 1)
			s.logger.Debug("⏳ Retrying supplier search",
				"mpn", mpn, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fault.Wrap(fault.KindTransient, op, ctx.Err())
			}
		}

		res, err := s.attempt(ctx, op, mpn, manufacturer)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrProbeBusy) {
			s.logger.Warn("⛔ Circuit open, failing fast", "mpn", mpn)
			return nil, err
		}
		if !fault.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (s *Scheduler) attempt(ctx context.Context, op, mpn, manufacturer string) (*Result, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fault.Wrap(fault.KindRateLimited, op, err)
	}

	var res *Result
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		r, searchErr := s.adapter.Search(ctx, mpn, manufacturer)
		if recordErr := s.ledger.Record(ctx, s.adapter.Name(), searchErr != nil); recordErr != nil {
			s.logger.Warn("⚠️ Usage ledger write failed", "error", recordErr)
		}
		if searchErr != nil {
			return searchErr
		}
		res = r
		return nil
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrProbeBusy) {
			return nil, fault.Wrap(fault.KindTransient, op, err)
		}
		return nil, err
	}
	return res, nil
}
