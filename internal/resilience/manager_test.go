package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/apperr"
	"parley/internal/clock"
)

var errDown = errors.New("stream down")

func noJitter(time.Duration) time.Duration { return 0 }

func newManager(t *testing.T, cfg Config) (*Manager, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(clk, zerolog.Nop(), Options{Config: cfg, Retention: time.Hour, Jitter: noJitter})
	return m, clk
}

var fiveTries = Config{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 60 * time.Second, MaxAttempts: 5}

func TestBackoff(t *testing.T) {
	cfg := DefaultConfig()
	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		assert.Equal(t, w*time.Second, Backoff(cfg, i+1), "attempt %d", i+1)
	}
	assert.Equal(t, cfg.MaxDelay, Backoff(cfg, 5000))

	for i := 0; i < 100; i++ {
		d := Delay(cfg, 3)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.Less(t, d, 5*time.Second)
	}
}

func TestPermanentFailureAfterMaxAttempts(t *testing.T) {
	m, clk := newManager(t, fiveTries)
	id := OpID{Subsystem: SubsystemChat, Key: "room-1"}

	var calls []time.Time
	var failures int
	var reason error
	m.StartRetry(id, func(context.Context) error {
		calls = append(calls, clk.Now())
		return errDown
	}, func() { t.Fatal("unexpected success") }, func(err error) {
		failures++
		reason = err
	}, nil)

	st, ok := m.Status(id)
	require.True(t, ok)
	assert.True(t, st.IsRetrying)

	clk.Advance(999 * time.Millisecond)
	assert.Empty(t, calls)

	// attempts run at +1s, +2s, +4s, +8s, +16s after the previous one
	for i, gap := range []time.Duration{1, 2, 4, 8, 16} {
		if i == 0 {
			clk.Advance(time.Millisecond)
		} else {
			clk.Advance(gap * time.Second)
		}
		require.Len(t, calls, i+1)
	}
	clk.Advance(time.Hour)
	assert.Len(t, calls, 5)
	assert.Equal(t, 1, failures)
	assert.ErrorIs(t, reason, errDown)
	assert.Zero(t, clk.Pending())

	st, ok = m.Status(id)
	require.True(t, ok)
	assert.True(t, st.PermanentFailure)
	assert.False(t, st.IsRetrying)
	assert.Equal(t, 5, st.Attempts)
	assert.Equal(t, errDown.Error(), st.Reason)
}

func TestSuccessClearsState(t *testing.T) {
	m, clk := newManager(t, fiveTries)
	id := OpID{Subsystem: SubsystemMatchQueue, Key: "q"}

	var calls, successes int
	m.StartRetry(id, func(context.Context) error {
		calls++
		if calls < 3 {
			return errDown
		}
		return nil
	}, func() { successes++ }, func(error) { t.Fatal("unexpected failure") }, nil)

	clk.Advance(time.Second)
	clk.Advance(2 * time.Second)
	st, ok := m.Status(id)
	require.True(t, ok)
	assert.Equal(t, 2, st.Attempts)
	assert.Equal(t, errDown.Error(), st.LastError)

	clk.Advance(4 * time.Second)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, successes)
	_, ok = m.Status(id)
	assert.False(t, ok)
}

func TestCancelWhilePending(t *testing.T) {
	m, clk := newManager(t, fiveTries)
	id := OpID{Subsystem: SubsystemChat, Key: "c"}

	var calls int
	m.StartRetry(id, func(context.Context) error { calls++; return nil }, nil, nil, nil)
	m.CancelRetry(id)
	m.CancelRetry(id)

	clk.Advance(time.Hour)
	assert.Zero(t, calls)
	_, ok := m.Status(id)
	assert.False(t, ok)
}

func TestCancelFromInsideAttempt(t *testing.T) {
	m, clk := newManager(t, fiveTries)
	id := OpID{Subsystem: SubsystemCallSignaling, Key: "call-9"}

	var calls int
	var ctxErr error
	m.StartRetry(id, func(ctx context.Context) error {
		calls++
		m.CancelRetry(id)
		ctxErr = ctx.Err()
		return errDown
	}, func() { t.Fatal("success fired") }, func(error) { t.Fatal("failure fired") }, nil)

	clk.Advance(time.Hour)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, ctxErr, context.Canceled)
	_, ok := m.Status(id)
	assert.False(t, ok)
}

func TestCancelFromFailureCallback(t *testing.T) {
	m, clk := newManager(t, Config{MaxAttempts: 1})
	id := OpID{Subsystem: SubsystemChat, Key: "x"}

	m.StartRetry(id, func(context.Context) error { return errDown }, nil, func(error) { m.CancelRetry(id) }, nil)
	clk.Advance(time.Hour)
	_, ok := m.Status(id)
	assert.False(t, ok)
}

func TestStartRetryReplacesPreviousRun(t *testing.T) {
	m, clk := newManager(t, fiveTries)
	id := OpID{Subsystem: SubsystemChat, Key: "r"}

	var first, second int
	m.StartRetry(id, func(context.Context) error { first++; return nil }, func() { t.Fatal("old success fired") }, nil, nil)
	m.StartRetry(id, func(context.Context) error { second++; return nil }, nil, nil, nil)

	clk.Advance(time.Minute)
	assert.Zero(t, first)
	assert.Equal(t, 1, second)
}

func TestStopKeepsStateUntilSwept(t *testing.T) {
	m, clk := newManager(t, fiveTries)
	id := OpID{Subsystem: SubsystemChat, Key: "s"}

	var calls int
	m.StartRetry(id, func(context.Context) error { calls++; return errDown }, nil, nil, nil)
	clk.Advance(time.Second)
	m.StopRetry(id)
	clk.Advance(time.Minute)
	assert.Equal(t, 1, calls)

	st, ok := m.Status(id)
	require.True(t, ok)
	assert.False(t, st.IsRetrying)
	assert.Equal(t, ReasonStopped, st.Reason)
	assert.True(t, st.Terminal())

	assert.Zero(t, m.Sweep())
	clk.Advance(time.Hour)
	assert.Equal(t, 1, m.Sweep())
	_, ok = m.Status(id)
	assert.False(t, ok)
}

func TestSubsystemsDoNotCollide(t *testing.T) {
	m, clk := newManager(t, fiveTries)
	chat := OpID{Subsystem: SubsystemChat, Key: "42"}
	call := OpID{Subsystem: SubsystemCallSignaling, Key: "42"}

	var chatCalls, callCalls int
	m.StartRetry(chat, func(context.Context) error { chatCalls++; return nil }, nil, nil, nil)
	m.StartRetry(call, func(context.Context) error { callCalls++; return nil }, nil, nil, nil)
	m.CancelRetry(chat)

	clk.Advance(time.Minute)
	assert.Zero(t, chatCalls)
	assert.Equal(t, 1, callCalls)
}

func TestConcurrentIndependentOperations(t *testing.T) {
	m, clk := newManager(t, fiveTries)
	const n = 50

	var succeeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := OpID{Subsystem: SubsystemChat, Key: fmt.Sprint(i)}
			var tries atomic.Int32
			m.StartRetry(id, func(context.Context) error {
				if tries.Add(1) < 2 {
					return errDown
				}
				return nil
			}, func() { succeeded.Add(1) }, nil, nil)
		}(i)
	}
	wg.Wait()

	clk.Advance(time.Second)
	clk.Advance(2 * time.Second)
	assert.EqualValues(t, n, succeeded.Load())
}

func TestWithRetry(t *testing.T) {
	t.Run("first call succeeds", func(t *testing.T) {
		m, clk := newManager(t, fiveTries)
		err := m.WithRetry(context.Background(), OpID{Subsystem: SubsystemChat, Key: "a"},
			func(context.Context) error { return nil }, nil)
		assert.NoError(t, err)
		assert.Zero(t, clk.Pending())
	})

	t.Run("recovers on retry", func(t *testing.T) {
		m, clk := newManager(t, fiveTries)
		var calls atomic.Int32
		done := make(chan error, 1)
		go func() {
			done <- m.WithRetry(context.Background(), OpID{Subsystem: SubsystemChat, Key: "b"},
				func(context.Context) error {
					if calls.Add(1) == 1 {
						return errDown
					}
					return nil
				}, nil)
		}()
		clk.WaitForTimers(1)
		clk.Advance(time.Second)
		assert.NoError(t, <-done)
		assert.EqualValues(t, 2, calls.Load())
	})

	t.Run("permanent failure", func(t *testing.T) {
		m, clk := newManager(t, fiveTries)
		id := OpID{Subsystem: SubsystemChat, Key: "c"}
		var calls atomic.Int32
		done := make(chan error, 1)
		go func() {
			done <- m.WithRetry(context.Background(), id,
				func(context.Context) error { calls.Add(1); return errDown },
				&Config{InitialDelay: time.Second, MaxAttempts: 2})
		}()
		clk.WaitForTimers(1)
		// The direct call was attempt 1; attempt 2 follows Delay(1).
		st, ok := m.Status(id)
		require.True(t, ok)
		assert.Equal(t, 1, st.Attempts)
		assert.Equal(t, clk.Now().Add(time.Second), st.NextRetryAt)

		clk.Advance(time.Second)
		err := <-done
		assert.True(t, apperr.IsCode(err, apperr.CodePermanentFailure))
		assert.ErrorIs(t, err, errDown)
		assert.EqualValues(t, 2, calls.Load())
		st, _ = m.Status(id)
		assert.Equal(t, 2, st.Attempts)
		assert.True(t, st.PermanentFailure)
		assert.Zero(t, clk.Pending())
	})

	t.Run("single attempt", func(t *testing.T) {
		m, clk := newManager(t, fiveTries)
		var calls int
		err := m.WithRetry(context.Background(), OpID{Subsystem: SubsystemChat, Key: "one"},
			func(context.Context) error { calls++; return errDown }, &Config{MaxAttempts: 1})
		assert.True(t, apperr.IsCode(err, apperr.CodePermanentFailure))
		assert.Equal(t, 1, calls)
		assert.Zero(t, clk.Pending())
	})

	t.Run("context cancelled", func(t *testing.T) {
		m, clk := newManager(t, fiveTries)
		id := OpID{Subsystem: SubsystemChat, Key: "d"}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- m.WithRetry(ctx, id, func(context.Context) error { return errDown }, nil)
		}()
		clk.WaitForTimers(1)
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
		_, ok := m.Status(id)
		assert.False(t, ok)
	})

	t.Run("context cancelled leaves a newer run alone", func(t *testing.T) {
		m, clk := newManager(t, fiveTries)
		id := OpID{Subsystem: SubsystemChat, Key: "e"}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- m.WithRetry(ctx, id, func(context.Context) error { return errDown }, nil)
		}()
		clk.WaitForTimers(1)

		var newer atomic.Int32
		m.StartRetry(id, func(context.Context) error { newer.Add(1); return nil }, nil, nil, nil)
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)

		st, ok := m.Status(id)
		require.True(t, ok)
		assert.True(t, st.IsRetrying)
		clk.Advance(time.Second)
		assert.EqualValues(t, 1, newer.Load())
	})
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	m, clk := newManager(t, fiveTries)
	id := OpID{Subsystem: SubsystemChat, Key: "z"}
	m.StartRetry(id, func(context.Context) error { return errDown }, nil, nil, &Config{MaxAttempts: 1})
	clk.Advance(time.Second)
	st, _ := m.Status(id)
	require.True(t, st.PermanentFailure)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(stopped)
	}()
	clk.WaitForTimers(1)
	clk.Advance(time.Hour)
	require.Eventually(t, func() bool {
		_, ok := m.Status(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-stopped
}
