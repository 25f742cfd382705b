package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmem/types"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBackend = types.NewUnavailableError("test", errors.New("connection refused"))

func fail(context.Context) error { return errBackend }
func ok(context.Context) error   { return nil }

// ---------------------------------------------------------------------------
// DefaultConfig / NewCircuitBreaker
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.Threshold)
	assert.Equal(t, 30*time.Second, cfg.ResetTimeout)
	assert.Equal(t, 2, cfg.HalfOpenMaxCalls)
	assert.Zero(t, cfg.Timeout)
	assert.Nil(t, cfg.OnStateChange)
}

func TestNewCircuitBreaker_CorrectsZeroValues(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Threshold: 0, ResetTimeout: 0, HalfOpenMaxCalls: -1}, nil)
	b := cb.(*breaker)
	assert.Equal(t, 5, b.config.Threshold)
	assert.Equal(t, 30*time.Second, b.config.ResetTimeout)
	assert.Equal(t, 2, b.config.HalfOpenMaxCalls)
	assert.Equal(t, StateClosed, cb.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

// ---------------------------------------------------------------------------
// Closed -> Open
// ---------------------------------------------------------------------------

func TestBreaker_ThreeFailuresOpenCircuit(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(&Config{Threshold: 3, ResetTimeout: time.Minute, Now: clock.Now}, zap.NewNop())

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, cb.Call(context.Background(), fail), errBackend)
		assert.Equal(t, StateClosed, cb.State())
	}
	require.ErrorIs(t, cb.Call(context.Background(), fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())

	var calls atomic.Int32
	err := cb.Call(context.Background(), func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.Error(t, err)
	assert.True(t, types.IsCircuitOpen(err))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls.Load(), "no backend call while open")
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Threshold: 2}, nil)

	_ = cb.Call(context.Background(), fail)
	require.NoError(t, cb.Call(context.Background(), ok))
	_ = cb.Call(context.Background(), fail)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Snapshot().FailureCount)
}

func TestBreaker_ClientErrorsNotCounted(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Threshold: 1}, nil)

	err := cb.Call(context.Background(), func(context.Context) error {
		return types.NewNotFoundError("item", "x")
	})
	assert.True(t, types.IsNotFound(err))

	err = cb.Call(context.Background(), func(context.Context) error {
		return types.NewValidationError("bad")
	})
	assert.True(t, types.IsValidation(err))

	assert.Equal(t, StateClosed, cb.State())
}

// ---------------------------------------------------------------------------
// Open -> HalfOpen -> Closed / Open
// ---------------------------------------------------------------------------

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(&Config{Threshold: 1, ResetTimeout: 30 * time.Second, Now: clock.Now}, nil)

	_ = cb.Call(context.Background(), fail)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(29 * time.Second)
	assert.True(t, types.IsCircuitOpen(cb.Call(context.Background(), ok)))

	clock.Advance(time.Second)
	require.NoError(t, cb.Call(context.Background(), ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Snapshot().FailureCount)
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(&Config{Threshold: 1, ResetTimeout: 10 * time.Second, Now: clock.Now}, nil)

	_ = cb.Call(context.Background(), fail)
	firstOpen := cb.Snapshot().OpenedAt

	clock.Advance(10 * time.Second)
	require.Error(t, cb.Call(context.Background(), fail))
	snap := cb.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.True(t, snap.OpenedAt.After(firstOpen), "opened_at must be reset")

	clock.Advance(5 * time.Second)
	assert.True(t, types.IsCircuitOpen(cb.Call(context.Background(), ok)))
}

func TestBreaker_HalfOpenAdmitsExactlyProbeLimit(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(&Config{
		Threshold:        1,
		ResetTimeout:     time.Second,
		HalfOpenMaxCalls: 2,
		Now:              clock.Now,
	}, nil)

	_ = cb.Call(context.Background(), fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Call(context.Background(), func(context.Context) error {
				admitted.Add(1)
				<-release
				return nil
			})
		}()
	}

	require.Eventually(t, func() bool { return admitted.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	err := cb.Call(context.Background(), ok)
	require.Error(t, err)
	assert.True(t, types.IsCircuitOpen(err))
	assert.ErrorIs(t, err, ErrTooManyCallsInHalfOpen)

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, int32(2), admitted.Load())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	transitions := make(chan [2]State, 4)
	clock := newFakeClock()
	cb := NewCircuitBreaker(&Config{
		Threshold:    1,
		ResetTimeout: time.Second,
		Now:          clock.Now,
		OnStateChange: func(from, to State) {
			transitions <- [2]State{from, to}
		},
	}, nil)

	_ = cb.Call(context.Background(), fail)
	clock.Advance(time.Second)
	_ = cb.Call(context.Background(), ok)

	got := make(map[[2]State]bool)
	for i := 0; i < 3; i++ {
		select {
		case tr := <-transitions:
			got[tr] = true
		case <-time.After(time.Second):
			t.Fatal("missing state change callback")
		}
	}
	assert.True(t, got[[2]State{StateClosed, StateOpen}])
	assert.True(t, got[[2]State{StateOpen, StateHalfOpen}])
	assert.True(t, got[[2]State{StateHalfOpen, StateClosed}])
}

func TestBreaker_CallTimeoutCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Threshold: 1, Timeout: 10 * time.Millisecond}, nil)

	err := cb.Call(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_CallerCancellationNotCounted(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Threshold: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Call(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_CancelledProbeKeepsHalfOpen(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(&Config{Threshold: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 1, Now: clock.Now}, nil)
	_ = cb.Call(context.Background(), fail)
	require.Equal(t, StateOpen, cb.State())
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	err := cb.Call(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateHalfOpen, cb.State(), "no backend answer, circuit stays half-open")
	assert.Zero(t, cb.Snapshot().Probes, "cancelled probe frees its slot")

	require.NoError(t, cb.Call(context.Background(), ok), "next probe is admitted")
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_CancellationKeepsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Threshold: 2}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = cb.Call(context.Background(), fail)
	_ = cb.Call(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.Equal(t, 1, cb.Snapshot().FailureCount)

	_ = cb.Call(context.Background(), fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_StateChangeCallbackOrdered(t *testing.T) {
	var (
		mu  sync.Mutex
		got []State
	)
	clock := newFakeClock()
	cb := NewCircuitBreaker(&Config{
		Threshold:    1,
		ResetTimeout: time.Second,
		Now:          clock.Now,
		OnStateChange: func(_, to State) {
			mu.Lock()
			got = append(got, to)
			mu.Unlock()
		},
	}, nil)

	for i := 0; i < 3; i++ {
		_ = cb.Call(context.Background(), fail)
		clock.Advance(time.Second)
		_ = cb.Call(context.Background(), ok)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{}
	for i := 0; i < 3; i++ {
		want = append(want, StateOpen, StateHalfOpen, StateClosed)
	}
	assert.Equal(t, want, got, "callbacks run before Call returns, in transition order")
}

func TestBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Threshold: 1, ResetTimeout: time.Hour}, nil)
	_ = cb.Call(context.Background(), fail)
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Call(context.Background(), ok))
}

func TestCallTyped(t *testing.T) {
	cb := NewCircuitBreaker(nil, nil)
	v, err := CallTyped(cb, context.Background(), func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = CallTyped(cb, context.Background(), func(context.Context) (int, error) { return 7, errBackend })
	assert.Error(t, err)
	assert.Zero(t, v)
}
