package throttle_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/infra/throttle"
)

type stopErr struct{}

func (stopErr) Error() string   { return "permanent" }
func (stopErr) StopRetry() bool { return true }

type waitErr struct{ d time.Duration }

func (e waitErr) Error() string { return "retry later" }

func waitExtractor(err error) (time.Duration, bool) {
	var w waitErr
	if errors.As(err, &w) {
		return w.d, true
	}
	return 0, false
}

func newThrottler(opts ...throttle.Option) *throttle.Throttler {
	opts = append([]throttle.Option{throttle.WithBackoff(time.Millisecond, 2*time.Millisecond)}, opts...)
	return throttle.New(1000, opts...)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	calls := 0
	err := newThrottler().Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnStopRetryer(t *testing.T) {
	t.Parallel()
	calls := 0
	err := newThrottler().Do(context.Background(), func() error {
		calls++
		return errors.Wrap(stopErr{}, "send")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoMaxRetries(t *testing.T) {
	t.Parallel()
	calls := 0
	err := newThrottler(throttle.WithMaxRetries(2)).Do(context.Background(), func() error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries reached (2)")
	assert.Equal(t, 3, calls)
}

func TestDoServerWaitDoesNotCountAttempt(t *testing.T) {
	t.Parallel()
	calls := 0
	th := newThrottler(throttle.WithMaxRetries(1), throttle.WithWaitExtractors(waitExtractor))
	err := th.Do(context.Background(), func() error {
		calls++
		if calls <= 3 {
			return waitErr{d: time.Millisecond}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestDoHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	th := newThrottler(throttle.WithWaitExtractors(waitExtractor))
	err := th.Do(ctx, func() error {
		cancel()
		return waitErr{d: time.Hour}
	})
	require.ErrorIs(t, err, context.Canceled)
}
