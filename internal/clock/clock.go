// Package clock abstracts timers so retry schedules and presence TTLs can
// be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by the messaging core.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed. The
	// returned Timer can cancel the pending call.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker delivers ticks every d on the returned Ticker's C.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from firing. It reports false if the call
	// already fired or was stopped.
	Stop() bool
}

// Ticker delivers periodic ticks on C. Ticks are dropped, not queued,
// when the reader falls behind.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
