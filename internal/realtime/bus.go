// Package realtime turns the store's change feed into per-channel event
// subscriptions. One feed stream serves every listener of a channel; it
// is opened on the first subscribe, reconnected through the resilience
// manager when it fails, and closed with the last unsubscribe.
package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"parley/internal/db"
	"parley/internal/resilience"
)

const DefaultListenerBuffer = 256

type StreamState string

const (
	StateConnected    StreamState = "connected"
	StateReconnecting StreamState = "reconnecting"
	StateFailed       StreamState = "failed"
)

type Status struct {
	State     StreamState       `json:"state"`
	Listeners int               `json:"listeners"`
	Retry     *resilience.State `json:"retry,omitempty"`
}

type Options struct {
	ListenerBuffer int
	// Retry overrides the resilience manager's default config for
	// reconnects.
	Retry *resilience.Config
}

type Bus struct {
	source Source
	retry  *resilience.Manager
	log    zerolog.Logger
	opts   Options

	mu       sync.Mutex
	channels map[string]*channelStream
	closed   bool
}

type channelStream struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	stream    Stream
	state     StreamState
	closed    bool
	listeners map[uint64]*listener
	nextID    uint64
}

type listener struct {
	fn    Listener
	queue chan Event
	done  chan struct{}
}

func New(source Source, retry *resilience.Manager, logger zerolog.Logger, opts Options) *Bus {
	if opts.ListenerBuffer <= 0 {
		opts.ListenerBuffer = DefaultListenerBuffer
	}
	return &Bus{
		source:   source,
		retry:    retry,
		log:      logger.With().Str("component", "realtime").Logger(),
		opts:     opts,
		channels: make(map[string]*channelStream),
	}
}

func (b *Bus) opID(channelID string) resilience.OpID {
	return resilience.OpID{Subsystem: resilience.SubsystemChat, Key: channelID}
}

// Subscribe registers fn for channelID's events and returns a function
// that removes it. The returned function is safe to call more than once.
func (b *Bus) Subscribe(channelID string, fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	cs := b.channels[channelID]
	if cs == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cs = &channelStream{
			id:        channelID,
			ctx:       ctx,
			cancel:    cancel,
			listeners: make(map[uint64]*listener),
		}
		b.channels[channelID] = cs
		b.connectLocked(cs)
	} else if cs.state == StateFailed {
		b.connectLocked(cs)
	}

	l := &listener{fn: fn, queue: make(chan Event, b.opts.ListenerBuffer), done: make(chan struct{})}
	cs.nextID++
	id := cs.nextID
	cs.listeners[id] = l
	go b.deliver(cs.id, l)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(cs, id) })
	}
}

func (b *Bus) unsubscribe(cs *channelStream, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := cs.listeners[id]
	if !ok {
		return
	}
	delete(cs.listeners, id)
	close(l.done)
	if len(cs.listeners) == 0 {
		b.teardownLocked(cs)
	}
}

// teardownLocked stops the read loop, closes the stream and cancels any
// pending reconnect.
func (b *Bus) teardownLocked(cs *channelStream) {
	if cs.closed {
		return
	}
	cs.closed = true
	cs.cancel()
	if cs.stream != nil {
		cs.stream.Close()
		cs.stream = nil
	}
	b.retry.CancelRetry(b.opID(cs.id))
	if b.channels[cs.id] == cs {
		delete(b.channels, cs.id)
	}
	b.log.Debug().Str("channel_id", cs.id).Msg("channel stream closed")
}

// connectLocked opens the stream now, falling back to the retry
// manager if that fails.
func (b *Bus) connectLocked(cs *channelStream) {
	if err := b.openLocked(cs); err != nil {
		b.log.Warn().Err(err).Str("channel_id", cs.id).Msg("failed to open channel stream")
		b.reconnectLocked(cs)
	}
}

func (b *Bus) openLocked(cs *channelStream) error {
	s, err := b.source.Subscribe(cs.ctx, db.Filter{Tables: watchedTables(), ChannelID: cs.id})
	if err != nil {
		return err
	}
	cs.stream = s
	cs.state = StateConnected
	go b.readLoop(cs, s)
	return nil
}

func (b *Bus) reconnectLocked(cs *channelStream) {
	cs.state = StateReconnecting
	id := b.opID(cs.id)
	b.retry.StartRetry(id,
		func(ctx context.Context) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cs.closed {
				return nil
			}
			return b.openLocked(cs)
		},
		func() {
			b.mu.Lock()
			closed := cs.closed
			b.mu.Unlock()
			if !closed {
				b.log.Info().Str("channel_id", cs.id).Msg("channel stream reconnected")
			}
		},
		func(reason error) {
			b.mu.Lock()
			defer b.mu.Unlock()
			if !cs.closed {
				cs.state = StateFailed
			}
			b.log.Error().Err(reason).Str("channel_id", cs.id).Msg("channel stream failed permanently")
		},
		b.opts.Retry)
}

func (b *Bus) readLoop(cs *channelStream, s Stream) {
	for {
		c, err := s.Recv(cs.ctx)
		if err != nil {
			s.Close()
			b.mu.Lock()
			defer b.mu.Unlock()
			if cs.closed || cs.stream != s {
				return
			}
			cs.stream = nil
			b.log.Warn().Err(err).Str("channel_id", cs.id).Msg("channel stream lost, reconnecting")
			b.reconnectLocked(cs)
			return
		}
		ev, ok := toEvent(c)
		if !ok {
			continue
		}
		b.dispatch(cs, ev)
	}
}

// dispatch hands ev to every listener without blocking. A listener whose
// queue is full misses the event.
func (b *Bus) dispatch(cs *channelStream, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range cs.listeners {
		select {
		case l.queue <- ev:
		default:
			b.log.Warn().Str("channel_id", cs.id).Str("type", string(ev.Type)).Msg("listener queue full, event dropped")
		}
	}
}

func (b *Bus) deliver(channelID string, l *listener) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("channel_id", channelID).Msg("listener panicked")
		}
	}()
	for {
		select {
		case <-l.done:
			return
		case ev := <-l.queue:
			select {
			case <-l.done:
				return
			default:
			}
			l.fn(ev)
		}
	}
}

// Status reports the state of channelID's stream, if one exists.
func (b *Bus) Status(channelID string) (Status, bool) {
	b.mu.Lock()
	cs, ok := b.channels[channelID]
	var st Status
	if ok {
		st = Status{State: cs.state, Listeners: len(cs.listeners)}
	}
	b.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	if rs, ok := b.retry.Status(b.opID(channelID)); ok {
		st.Retry = &rs
	}
	return st, true
}

// Close tears down every stream and drops all listeners. Later
// subscribes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, cs := range b.channels {
		for id, l := range cs.listeners {
			delete(cs.listeners, id)
			close(l.done)
		}
		b.teardownLocked(cs)
	}
}
