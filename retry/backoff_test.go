package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/types"
)

func newTestRetryer(policy *RetryPolicy) (*backoffRetryer, *[]time.Duration) {
	r := NewBackoffRetryer(policy, zap.NewNop()).(*backoffRetryer)
	slept := &[]time.Duration{}
	r.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
	return r, slept
}

var transient = types.NewUnavailableError("test", errors.New("connection refused"))

func TestBackoffRetryer_Success(t *testing.T) {
	r, slept := newTestRetryer(DefaultRetryPolicy())

	callCount := 0
	err := r.Do(context.Background(), func(context.Context) error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount, "应该只调用一次")
	assert.Empty(t, *slept)
}

func TestBackoffRetryer_RetryAndSuccess(t *testing.T) {
	r, slept := newTestRetryer(&RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	})

	callCount := 0
	err := r.Do(context.Background(), func(context.Context) error {
		callCount++
		if callCount < 3 {
			return transient
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount, "应该调用三次")
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *slept)
}

func TestBackoffRetryer_MaxRetriesExceeded(t *testing.T) {
	r, _ := newTestRetryer(&RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond})

	callCount := 0
	err := r.Do(context.Background(), func(context.Context) error {
		callCount++
		return transient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, callCount)
}

func TestBackoffRetryer_NonTransientNotRetried(t *testing.T) {
	r, slept := newTestRetryer(DefaultRetryPolicy())

	for _, e := range []error{
		types.NewValidationError("bad"),
		types.NewNotFoundError("item", "x"),
		types.NewCircuitOpenError("db"),
		errors.New("unclassified"),
	} {
		callCount := 0
		err := r.Do(context.Background(), func(context.Context) error {
			callCount++
			return e
		})
		assert.ErrorIs(t, err, e)
		assert.Equal(t, 1, callCount, e.Error())
	}
	assert.Empty(t, *slept)
}

func TestBackoffRetryer_DelayIsCapped(t *testing.T) {
	r, _ := newTestRetryer(&RetryPolicy{
		MaxRetries:   10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   3,
	})

	assert.Equal(t, 100*time.Millisecond, r.Delay(0))
	assert.Equal(t, 300*time.Millisecond, r.Delay(1))
	assert.Equal(t, 900*time.Millisecond, r.Delay(2))
	assert.Equal(t, time.Second, r.Delay(3))
	assert.Equal(t, time.Second, r.Delay(9))
}

func TestBackoffRetryer_JitterStaysInBounds(t *testing.T) {
	r, _ := newTestRetryer(&RetryPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       true,
	})
	for i := 0; i < 100; i++ {
		d := r.Delay(1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestBackoffRetryer_ContextCancelled(t *testing.T) {
	r := NewBackoffRetryer(&RetryPolicy{MaxRetries: 5, InitialDelay: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	err := r.Do(ctx, func(context.Context) error {
		callCount++
		cancel()
		return transient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, callCount)
}

func TestBackoffRetryer_CustomPredicateAndCallback(t *testing.T) {
	var attempts []int
	r, _ := newTestRetryer(&RetryPolicy{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		ShouldRetry:  func(err error) bool { return true },
		OnRetry:      func(attempt int, err error, d time.Duration) { attempts = append(attempts, attempt) },
	})

	_ = r.Do(context.Background(), func(context.Context) error { return errors.New("x") })
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoTyped(t *testing.T) {
	r, _ := newTestRetryer(DefaultRetryPolicy())
	n := 0
	v, err := DoTyped(r, context.Background(), func(context.Context) (string, error) {
		n++
		if n == 1 {
			return "", transient
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
