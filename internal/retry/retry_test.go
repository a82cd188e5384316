package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSleeper records requested delays instead of sleeping.
type fakeSleeper struct {
	delays []time.Duration
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func TestExecutor_RetriesUntilSuccess(t *testing.T) {
	ctx := context.Background()
	sleeper := &fakeSleeper{}
	exec := New(3, 2*time.Second, zap.NewNop()).WithSleeper(sleeper)

	calls := 0
	err := exec.Do(ctx, "test", func() error {
		calls++
		if calls < 3 {
			return &HTTPStatusError{StatusCode: 500, Body: "boom"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, sleeper.delays)
}

func TestExecutor_ReturnsLastErrorOnExhaustion(t *testing.T) {
	ctx := context.Background()
	exec := New(3, 2*time.Second, zap.NewNop()).WithSleeper(&fakeSleeper{})

	calls := 0
	lastErr := errors.New("attempt 3 failed")
	err := exec.Do(ctx, "test", func() error {
		calls++
		if calls == 3 {
			return lastErr
		}
		return errors.New("earlier failure")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, lastErr, err)
}

func TestExecutor_DoesNotRetryClientErrors(t *testing.T) {
	ctx := context.Background()
	sleeper := &fakeSleeper{}
	exec := New(3, 2*time.Second, zap.NewNop()).WithSleeper(sleeper)

	calls := 0
	err := exec.Do(ctx, "test", func() error {
		calls++
		return &HTTPStatusError{StatusCode: 400, Body: "bad request"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.delays)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&HTTPStatusError{StatusCode: 500}))
	assert.True(t, Retryable(&HTTPStatusError{StatusCode: 503}))
	assert.False(t, Retryable(&HTTPStatusError{StatusCode: 400}))
	assert.False(t, Retryable(&HTTPStatusError{StatusCode: 422}))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(context.Canceled))
	assert.True(t, Retryable(errors.New("connection refused")))
}
