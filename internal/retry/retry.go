package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// HTTPStatusError is returned by outbound calls that got a non-2xx answer.
// The status code drives the retryable-vs-fatal classification: 5xx means the
// provider is having a bad time, 4xx means we sent something it will never
// accept.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Sleeper abstracts the inter-attempt delay so tests don't sleep for real.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// DefaultSleeper waits with time.After, bailing out if the context is done.
type DefaultSleeper struct{}

func (s *DefaultSleeper) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Executor wraps an outbound call with a fixed attempt budget and a fixed
// delay between attempts. A retried initiate call is NOT guaranteed free of
// duplicate remote effect if the provider processed an attempt whose response
// was lost; the merchant reference is the only dedup handle we have on the
// provider side.
type Executor struct {
	attempts int
	delay    time.Duration
	sleeper  Sleeper
	breaker  *gobreaker.CircuitBreaker
	log      *zap.Logger
}

// New builds an Executor with the default sleeper and no circuit breaker.
func New(attempts int, delay time.Duration, log *zap.Logger) *Executor {
	return &Executor{
		attempts: attempts,
		delay:    delay,
		sleeper:  &DefaultSleeper{},
		log:      log,
	}
}

// WithSleeper swaps the sleeper. Used by tests.
func (e *Executor) WithSleeper(s Sleeper) *Executor {
	e.sleeper = s
	return e
}

// WithBreaker adds a circuit breaker around every attempt. An open breaker
// fails the attempt like a network error, so the attempt budget still bounds
// the call.
func (e *Executor) WithBreaker(name string) *Executor {
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
	})
	return e
}

// Do runs op until it succeeds, the attempt budget runs out, or a fatal error
// shows up. On exhaustion the last observed error is returned, not a generic
// timeout.
func (e *Executor) Do(ctx context.Context, name string, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if e.breaker != nil {
			_, lastErr = e.breaker.Execute(func() (interface{}, error) {
				return nil, op()
			})
		} else {
			lastErr = op()
		}
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			e.log.Warn("outbound call failed, not retrying",
				zap.String("op", name),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			return lastErr
		}
		e.log.Warn("outbound call failed",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.attempts),
			zap.Error(lastErr))
		if attempt < e.attempts {
			if err := e.sleeper.Sleep(ctx, e.delay); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

// Retryable classifies an error. Network failures, timeouts, 5xx responses
// and an open breaker are worth another attempt; 4xx responses and cancelled
// contexts are not.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Anything else (connection reset, malformed body, ...) gets the benefit
	// of the doubt.
	return true
}
