package db

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	TableMessages  = "messages"
	TableReactions = "reactions"
	TableTyping    = "typing_indicators"
	TableMentions  = "mentions"
	TableChannels  = "channels"
	TableMembers   = "channel_members"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

var (
	ErrFeedClosed      = errors.New("change feed closed")
	ErrStreamClosed    = errors.New("change stream closed")
	ErrStreamLagged    = errors.New("change stream fell behind and was dropped")
	ErrStreamInterrupt = errors.New("change stream interrupted")
)

// Change is one committed row mutation.
type Change struct {
	Table     string    `json:"table"`
	Op        Op        `json:"op"`
	ChannelID string    `json:"channel_id"`
	Row       any       `json:"row"`
	At        time.Time `json:"at"`
}

// Filter selects changes by table and by an equality predicate on
// channel_id. Empty fields match everything.
type Filter struct {
	Tables    []string
	ChannelID string
}

func (f Filter) match(c Change) bool {
	if f.ChannelID != "" && f.ChannelID != c.ChannelID {
		return false
	}
	if len(f.Tables) == 0 {
		return true
	}
	for _, t := range f.Tables {
		if t == c.Table {
			return true
		}
	}
	return false
}

// Feed fans committed changes out to filtered streams. Publishing never
// blocks: a stream whose buffer is full is terminated with
// ErrStreamLagged and its consumer is expected to resubscribe.
type Feed struct {
	mu      sync.Mutex
	streams map[*Stream]struct{}
	buffer  int
	closed  bool
}

func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 256
	}
	return &Feed{streams: make(map[*Stream]struct{}), buffer: buffer}
}

func (f *Feed) Subscribe(ctx context.Context, filter Filter) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFeedClosed
	}
	s := &Stream{
		feed:   f,
		filter: filter,
		ch:     make(chan Change, f.buffer),
		done:   make(chan struct{}),
	}
	f.streams[s] = struct{}{}
	return s, nil
}

// Publish delivers changes, in order, to every matching stream.
func (f *Feed) Publish(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.streams {
		for _, c := range changes {
			if !s.filter.match(c) {
				continue
			}
			select {
			case s.ch <- c:
			default:
				f.dropLocked(s, ErrStreamLagged)
			}
			if s.terminated() {
				break
			}
		}
	}
}

// Interrupt terminates every open stream with err (ErrStreamInterrupt if
// nil), the way a datastore failover drops changefeed connections.
func (f *Feed) Interrupt(err error) {
	if err == nil {
		err = ErrStreamInterrupt
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.streams {
		f.dropLocked(s, err)
	}
}

// Close terminates all streams and rejects new subscriptions.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for s := range f.streams {
		f.dropLocked(s, ErrFeedClosed)
	}
}

// Streams reports the number of open streams.
func (f *Feed) Streams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *Feed) dropLocked(s *Stream, err error) {
	delete(f.streams, s)
	s.terminate(err)
}

type Stream struct {
	feed   *Feed
	filter Filter
	ch     chan Change
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *Stream) terminate(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *Stream) terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Recv returns the next change. Changes buffered before termination are
// still delivered; after that Recv returns the termination error.
func (s *Stream) Recv(ctx context.Context) (Change, error) {
	select {
	case c := <-s.ch:
		return c, nil
	default:
	}
	select {
	case c := <-s.ch:
		return c, nil
	case <-s.done:
		select {
		case c := <-s.ch:
			return c, nil
		default:
		}
		return Change{}, s.err
	case <-ctx.Done():
		return Change{}, ctx.Err()
	}
}

// Close detaches the stream from the feed. It is safe to call more than
// once.
func (s *Stream) Close() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	if _, ok := s.feed.streams[s]; ok {
		s.feed.dropLocked(s, ErrStreamClosed)
		return
	}
	s.terminate(ErrStreamClosed)
}
