package retry

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/gotrigger/internal/triggererr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRetryerTimeout(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(WithTimeout(time.Second), WithBackoffInitialInterval(100*time.Millisecond))
	t.Cleanup(r.Stop)

	origErr := errors.New("err")

	err := r.Run(context.Background(), func(context.Context) error {
		return triggererr.NewRetryableAnytimeError(origErr)
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, origErr)
}

func TestRetryAfterInThePast(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(WithTimeout(2*time.Second), WithBackoffInitialInterval(100*time.Millisecond))
	t.Cleanup(r.Stop)

	var retryTimes []time.Time

	err := r.Run(context.Background(), func(context.Context) error {
		retryTimes = append(retryTimes, time.Now())
		return triggererr.NewRetryableError(errors.New("err"), time.Now().Add(-time.Second))
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.GreaterOrEqual(t, len(retryTimes), 2)

	for i := 1; i < len(retryTimes); i++ {
		d := retryTimes[i].Sub(retryTimes[i-1])
		require.GreaterOrEqualf(t, int64(d), minInterval(r),
			"time between retry %d and %d is %s, expected >=%dns",
			i-1, i, d, minInterval(r),
		)
	}
}

func TestBackoffInterval(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(WithTimeout(3*time.Second), WithBackoffInitialInterval(500*time.Millisecond))
	t.Cleanup(r.Stop)

	var retryTimes []time.Time

	err := r.Run(context.Background(), func(context.Context) error {
		retryTimes = append(retryTimes, time.Now())
		return triggererr.NewRetryableAnytimeError(errors.New("err"))
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.GreaterOrEqual(t, len(retryTimes), 2)
	for i := 1; i < len(retryTimes); i++ {
		d := retryTimes[i].Sub(retryTimes[i-1])
		require.GreaterOrEqualf(t, int64(d), minInterval(r),
			"time between retry %d and %d is %s, expected >=%dns",
			i-1, i, d, minInterval(r),
		)
	}
}

func TestRetryAfterIsHonoured(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(WithTimeout(5*time.Second), WithBackoffInitialInterval(10*time.Millisecond))
	t.Cleanup(r.Stop)

	var calls int
	var retryAfter time.Time

	start := time.Now()
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			retryAfter = time.Now().Add(500 * time.Millisecond)
			return triggererr.NewRetryableError(errors.New("rate limited"), retryAfter)
		}

		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestRetryAfterBeyondTimeoutFailsImmediately(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(WithTimeout(time.Second))
	t.Cleanup(r.Stop)

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return triggererr.NewRetryableError(errors.New("rate limited"), time.Now().Add(time.Hour))
	}, nil)

	var retryErr *triggererr.RetryableError
	assert.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 1, calls)
}

func TestNonRetryableErrorIsReturned(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer()
	t.Cleanup(r.Stop)

	origErr := triggererr.NewDispatchError(401, "Bad credentials", nil)

	var calls int
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return origErr
	}, nil)

	assert.ErrorIs(t, err, origErr)
	assert.Equal(t, 1, calls)
}

func TestStopAbortsRun(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(WithTimeout(time.Hour), WithBackoffInitialInterval(time.Hour))

	var calls atomic.Int32
	errCh := make(chan error, 1)

	go func() {
		errCh <- r.Run(context.Background(), func(context.Context) error {
			calls.Add(1)
			return triggererr.NewRetryableAnytimeError(errors.New("err"))
		}, nil)
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	r.Stop()
	r.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func minInterval(retryer *Retryer) int64 {
	return int64(math.Floor(float64(retryer.backoffInitialInterval) * (1 - retryer.backoffRandomizationFactor)))
}
