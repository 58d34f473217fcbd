// Package resilience retries reconnect-capable operations with capped
// exponential backoff and jitter. Each operation is tracked by an OpID;
// operations never share a lock, and every timer comes from the injected
// clock.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"parley/internal/apperr"
	"parley/internal/clock"
)

type Subsystem string

const (
	SubsystemChat          Subsystem = "chat"
	SubsystemCallSignaling Subsystem = "call-signaling"
	SubsystemMatchQueue    Subsystem = "match-queue"
)

// OpID names one retried operation. Keys are scoped by subsystem, so a
// chat channel and a call room with the same id do not collide.
type OpID struct {
	Subsystem Subsystem
	Key       string
}

func (id OpID) String() string {
	return string(id.Subsystem) + ":" + id.Key
}

const ReasonStopped = "stopped"

// State is a snapshot of one operation's retry bookkeeping.
type State struct {
	ID               OpID      `json:"id"`
	Attempts         int       `json:"attempts"`
	LastAttempt      time.Time `json:"last_attempt"`
	NextRetryAt      time.Time `json:"next_retry_at"`
	IsRetrying       bool      `json:"is_retrying"`
	PermanentFailure bool      `json:"permanent_failure"`
	LastError        string    `json:"last_error,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Terminal reports whether no further attempt will run.
func (s State) Terminal() bool {
	return s.PermanentFailure || s.Reason == ReasonStopped
}

type RetryFunc func(ctx context.Context) error

type Options struct {
	Config        Config
	Retention     time.Duration
	SweepInterval time.Duration
	// Jitter returns a duration in [0, max). Nil means uniform random.
	Jitter func(max time.Duration) time.Duration
}

type Manager struct {
	clock   clock.Clock
	log     zerolog.Logger
	cfg     Config
	retain  time.Duration
	sweep   time.Duration
	jitter  func(time.Duration) time.Duration
	entries sync.Map // OpID -> *entry
}

// entry guards one operation. gen changes whenever the current run is
// replaced, stopped or cancelled; timer callbacks and finished attempts
// compare it before touching state.
type entry struct {
	mu      sync.Mutex
	gen     uint64
	removed bool
	state   State
	timer   clock.Timer
	cancel  context.CancelFunc
}

type run struct {
	id        OpID
	gen       uint64
	fn        RetryFunc
	onSuccess func()
	onFailure func(error)
	cfg       Config
	// made counts attempts performed before the run was scheduled.
	made int
}

func New(clk clock.Clock, logger zerolog.Logger, opts Options) *Manager {
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Jitter == nil {
		opts.Jitter = uniformJitter
	}
	return &Manager{
		clock:  clk,
		log:    logger.With().Str("component", "resilience").Logger(),
		cfg:    opts.Config.withDefaults(),
		retain: opts.Retention,
		sweep:  opts.SweepInterval,
		jitter: opts.Jitter,
	}
}

func (m *Manager) delay(cfg Config, attempt int) time.Duration {
	return Backoff(cfg, attempt) + m.jitter(cfg.JitterMax)
}

// lockEntry returns the live entry for id, locked, creating it when
// create is set. It returns nil if there is none.
func (m *Manager) lockEntry(id OpID, create bool) *entry {
	for {
		var v any
		var ok bool
		if create {
			v, _ = m.entries.LoadOrStore(id, &entry{})
			ok = true
		} else {
			v, ok = m.entries.Load(id)
		}
		if !ok {
			return nil
		}
		e := v.(*entry)
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
		if !create {
			return nil
		}
	}
}

// halt invalidates the current run: the pending timer is stopped and a
// running attempt sees its context cancelled.
func (e *entry) halt() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// remove drops the entry from the map. Caller holds e.mu.
func (m *Manager) remove(id OpID, e *entry) {
	e.halt()
	e.removed = true
	m.entries.CompareAndDelete(id, e)
}

// StartRetry schedules fn for id, first after Delay(1). A run already in
// progress for id is replaced and its callbacks never fire. cfg nil means
// the manager's default.
func (m *Manager) StartRetry(id OpID, fn RetryFunc, onSuccess func(), onFailure func(reason error), cfg *Config) {
	c := m.cfg
	if cfg != nil {
		c = cfg.withDefaults()
	}
	m.startRetry(id, fn, onSuccess, onFailure, c, nil)
}

// startRetry begins a run for id and returns its generation. A non-nil
// firstErr records an attempt the caller already made, so the timer
// schedules attempt 2 after Delay(1).
func (m *Manager) startRetry(id OpID, fn RetryFunc, onSuccess func(), onFailure func(reason error), c Config, firstErr error) uint64 {
	e := m.lockEntry(id, true)
	defer e.mu.Unlock()

	e.halt()
	e.state = State{ID: id, IsRetrying: true}
	r := &run{id: id, gen: e.gen, fn: fn, onSuccess: onSuccess, onFailure: onFailure, cfg: c}
	next := 1
	if firstErr != nil {
		e.state.Attempts = 1
		e.state.LastAttempt = m.clock.Now()
		e.state.LastError = firstErr.Error()
		r.made = 1
		next = 2
	}
	m.scheduleLocked(e, r, next)
	return r.gen
}

func (m *Manager) scheduleLocked(e *entry, r *run, attempt int) {
	d := m.delay(r.cfg, attempt-r.made)
	e.state.NextRetryAt = m.clock.Now().Add(d)
	e.timer = m.clock.AfterFunc(d, func() { m.attempt(e, r, attempt) })
	m.log.Debug().Stringer("op", r.id).Int("attempt", attempt).Dur("delay", d).Msg("retry scheduled")
}

func (m *Manager) attempt(e *entry, r *run, k int) {
	e.mu.Lock()
	if e.removed || e.gen != r.gen {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.timer = nil
	e.cancel = cancel
	e.state.Attempts = k
	e.state.LastAttempt = m.clock.Now()
	e.state.NextRetryAt = time.Time{}
	e.mu.Unlock()

	err := r.fn(ctx)
	cancel()

	e.mu.Lock()
	if e.removed || e.gen != r.gen {
		e.mu.Unlock()
		return
	}
	e.cancel = nil

	if err == nil {
		m.remove(r.id, e)
		e.mu.Unlock()
		m.log.Info().Stringer("op", r.id).Int("attempts", k).Msg("operation recovered")
		if r.onSuccess != nil {
			r.onSuccess()
		}
		return
	}

	e.state.LastError = err.Error()
	if k >= r.cfg.MaxAttempts {
		e.gen++
		e.state.IsRetrying = false
		e.state.PermanentFailure = true
		e.state.Reason = err.Error()
		e.state.FinishedAt = m.clock.Now()
		e.mu.Unlock()
		m.log.Warn().Err(err).Stringer("op", r.id).Int("attempts", k).Msg("retries exhausted")
		if r.onFailure != nil {
			r.onFailure(err)
		}
		return
	}
	m.scheduleLocked(e, r, k+1)
	e.mu.Unlock()
}

// StopRetry halts id's retries but keeps its state for inspection until
// the retention sweep removes it.
func (m *Manager) StopRetry(id OpID) {
	e := m.lockEntry(id, false)
	if e == nil {
		return
	}
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return
	}
	e.halt()
	e.state.IsRetrying = false
	e.state.NextRetryAt = time.Time{}
	e.state.Reason = ReasonStopped
	e.state.FinishedAt = m.clock.Now()
}

// CancelRetry halts id's retries and forgets it. It is safe to call from
// inside a RetryFunc or callback. Once it returns no scheduled attempt
// for the cancelled run will start.
func (m *Manager) CancelRetry(id OpID) {
	e := m.lockEntry(id, false)
	if e == nil {
		return
	}
	m.remove(id, e)
	e.mu.Unlock()
}

func (m *Manager) Status(id OpID) (State, bool) {
	e := m.lockEntry(id, false)
	if e == nil {
		return State{}, false
	}
	defer e.mu.Unlock()
	return e.state, true
}

// WithRetry runs fn once and, if that fails, keeps retrying it under id
// until it succeeds, retries are exhausted or ctx is done.
func (m *Manager) WithRetry(ctx context.Context, id OpID, fn RetryFunc, cfg *Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := m.cfg
	if cfg != nil {
		c = cfg.withDefaults()
	}
	// The direct call is attempt 1.
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if c.MaxAttempts <= 1 {
		return apperr.PermanentFailure(err)
	}
	m.log.Debug().Err(err).Stringer("op", id).Msg("first attempt failed, retrying")

	done := make(chan error, 1)
	gen := m.startRetry(id, fn,
		func() { done <- nil },
		func(reason error) { done <- apperr.PermanentFailure(reason) },
		c, err)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		m.cancelRun(id, gen)
		return ctx.Err()
	}
}

// cancelRun is CancelRetry limited to the run started as gen. A newer
// run for the same id is left alone.
func (m *Manager) cancelRun(id OpID, gen uint64) {
	e := m.lockEntry(id, false)
	if e == nil {
		return
	}
	if e.gen == gen {
		m.remove(id, e)
	}
	e.mu.Unlock()
}

// Sweep forgets terminal operations that finished more than the
// retention window ago and returns how many it removed.
func (m *Manager) Sweep() int {
	cutoff := m.clock.Now().Add(-m.retain)
	n := 0
	m.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.removed && e.state.Terminal() && !e.state.FinishedAt.After(cutoff) {
			m.remove(k.(OpID), e)
			n++
		}
		e.mu.Unlock()
		return true
	})
	if n > 0 {
		m.log.Debug().Int("removed", n).Msg("retry states swept")
	}
	return n
}

// Run sweeps on a ticker until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	t := m.clock.NewTicker(m.sweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}
