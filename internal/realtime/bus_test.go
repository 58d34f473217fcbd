package realtime

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/clock"
	"parley/internal/db"
	"parley/internal/resilience"
)

// flakySource fails Subscribe while down is set.
type flakySource struct {
	Source
	down  atomic.Bool
	opens atomic.Int32
}

func (f *flakySource) Subscribe(ctx context.Context, filter db.Filter) (Stream, error) {
	if f.down.Load() {
		return nil, errors.New("feed unavailable")
	}
	f.opens.Add(1)
	return f.Source.Subscribe(ctx, filter)
}

type harness struct {
	bus    *Bus
	feed   *db.Feed
	source *flakySource
	clock  *clock.FakeClock
	retry  *resilience.Manager
}

func newHarness(t *testing.T, buffer int) *harness {
	t.Helper()
	feed := db.NewFeed(128)
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	retry := resilience.New(clk, zerolog.Nop(), resilience.Options{
		Config: resilience.Config{InitialDelay: time.Second, Multiplier: 2, MaxAttempts: 2},
		Jitter: func(time.Duration) time.Duration { return 0 },
	})
	src := &flakySource{Source: FeedSource(feed)}
	bus := New(src, retry, zerolog.Nop(), Options{ListenerBuffer: buffer})
	t.Cleanup(bus.Close)
	return &harness{bus: bus, feed: feed, source: src, clock: clk, retry: retry}
}

// recorder collects events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func msgChange(channelID string, n int) db.Change {
	return db.Change{Table: db.TableMessages, Op: db.OpInsert, ChannelID: channelID, Row: n}
}

func TestStreamIsSharedAndRefCounted(t *testing.T) {
	h := newHarness(t, 16)
	var a, b recorder

	unsubA := h.bus.Subscribe("c1", a.listen)
	unsubB := h.bus.Subscribe("c1", b.listen)
	assert.Equal(t, 1, h.feed.Streams())

	st, ok := h.bus.Status("c1")
	require.True(t, ok)
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, 2, st.Listeners)

	unsubA()
	unsubA()
	assert.Equal(t, 1, h.feed.Streams())

	h.feed.Publish(msgChange("c1", 1))
	require.Eventually(t, func() bool { return b.len() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, a.len())

	unsubB()
	assert.Equal(t, 0, h.feed.Streams())
	_, ok = h.bus.Status("c1")
	assert.False(t, ok)
}

func TestEventsKeepFeedOrder(t *testing.T) {
	h := newHarness(t, 256)
	var r recorder
	defer h.bus.Subscribe("c1", r.listen)()

	for i := 0; i < 100; i++ {
		h.feed.Publish(msgChange("c1", i))
	}
	h.feed.Publish(
		db.Change{Table: db.TableMentions, ChannelID: "c1"},
		msgChange("c2", -1),
		db.Change{Table: db.TableTyping, Op: db.OpDelete, ChannelID: "c1", Row: "typing"},
	)

	require.Eventually(t, func() bool { return r.len() == 101 }, time.Second, time.Millisecond)
	events := r.snapshot()
	for i := 0; i < 100; i++ {
		assert.Equal(t, EventMessage, events[i].Type)
		assert.Equal(t, i, events[i].Data)
	}
	assert.Equal(t, EventTyping, events[100].Type)
	assert.Equal(t, db.OpDelete, events[100].Op)
}

func TestSlowListenerDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, 4)
	release := make(chan struct{})
	var slow, fast recorder
	defer h.bus.Subscribe("c1", func(ev Event) {
		<-release
		slow.listen(ev)
	})()
	defer h.bus.Subscribe("c1", fast.listen)()

	for i := 0; i < 20; i++ {
		h.feed.Publish(msgChange("c1", i))
	}
	require.Eventually(t, func() bool { return fast.len() == 20 }, time.Second, time.Millisecond)

	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, slow.len(), 5)
	assert.Equal(t, 0, slow.snapshot()[0].Data)
}

func TestReconnectAfterInterrupt(t *testing.T) {
	h := newHarness(t, 16)
	var r recorder
	defer h.bus.Subscribe("c1", r.listen)()

	h.feed.Interrupt(nil)
	h.clock.WaitForTimers(1)
	st, _ := h.bus.Status("c1")
	assert.Equal(t, StateReconnecting, st.State)
	require.NotNil(t, st.Retry)
	assert.True(t, st.Retry.IsRetrying)

	h.clock.Advance(time.Second)
	st, _ = h.bus.Status("c1")
	assert.Equal(t, StateConnected, st.State)
	assert.Nil(t, st.Retry)
	assert.EqualValues(t, 2, h.source.opens.Load())

	h.feed.Publish(msgChange("c1", 7))
	require.Eventually(t, func() bool { return r.len() == 1 }, time.Second, time.Millisecond)
}

func TestPermanentFailureThenFreshSubscribe(t *testing.T) {
	h := newHarness(t, 16)
	var first, second recorder
	defer h.bus.Subscribe("c1", first.listen)()

	h.source.down.Store(true)
	h.feed.Interrupt(nil)
	h.clock.WaitForTimers(1)
	h.clock.Advance(time.Second)
	h.clock.Advance(2 * time.Second)

	st, ok := h.bus.Status("c1")
	require.True(t, ok)
	assert.Equal(t, StateFailed, st.State)
	require.NotNil(t, st.Retry)
	assert.True(t, st.Retry.PermanentFailure)

	h.source.down.Store(false)
	defer h.bus.Subscribe("c1", second.listen)()
	st, _ = h.bus.Status("c1")
	assert.Equal(t, StateConnected, st.State)

	h.feed.Publish(msgChange("c1", 1))
	require.Eventually(t, func() bool { return first.len() == 1 && second.len() == 1 }, time.Second, time.Millisecond)
}

func TestTeardownCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, 16)
	var r recorder
	unsub := h.bus.Subscribe("c1", r.listen)

	h.feed.Interrupt(nil)
	h.clock.WaitForTimers(1)
	unsub()

	_, ok := h.retry.Status(resilience.OpID{Subsystem: resilience.SubsystemChat, Key: "c1"})
	assert.False(t, ok)
	h.clock.Advance(time.Minute)
	assert.EqualValues(t, 1, h.source.opens.Load())
	assert.Equal(t, 0, h.feed.Streams())
}

func TestCloseStopsEverything(t *testing.T) {
	h := newHarness(t, 16)
	var r recorder
	h.bus.Subscribe("c1", r.listen)
	h.bus.Subscribe("c2", r.listen)
	assert.Equal(t, 2, h.feed.Streams())

	h.bus.Close()
	assert.Equal(t, 0, h.feed.Streams())
	h.bus.Subscribe("c3", r.listen)()
	assert.Equal(t, 0, h.feed.Streams())
}

func TestTeardownDuringReconnectStaysQuiet(t *testing.T) {
	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	feed := db.NewFeed(16)
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	retry := resilience.New(clk, logger, resilience.Options{
		Config: resilience.Config{InitialDelay: time.Second, Multiplier: 2, MaxAttempts: 3},
		Jitter: func(time.Duration) time.Duration { return 0 },
	})
	src := &flakySource{Source: FeedSource(feed)}
	bus := New(src, retry, logger, Options{})
	defer bus.Close()

	src.down.Store(true)
	unsub := bus.Subscribe("c1", func(Event) {})
	st, ok := bus.Status("c1")
	require.True(t, ok)
	assert.Equal(t, StateReconnecting, st.State)

	unsub()
	src.down.Store(false)
	clk.Advance(time.Minute)

	assert.Zero(t, src.opens.Load())
	assert.Zero(t, clk.Pending())
	assert.NotContains(t, logs.String(), "channel stream reconnected")
	_, ok = bus.Status("c1")
	assert.False(t, ok)
}
