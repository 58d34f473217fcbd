package realtime

import (
	"context"

	"parley/internal/db"
)

// Source opens filtered change streams. *db.Feed is adapted by FeedSource.
type Source interface {
	Subscribe(ctx context.Context, filter db.Filter) (Stream, error)
}

type Stream interface {
	Recv(ctx context.Context) (db.Change, error)
	Close()
}

type feedSource struct{ feed *db.Feed }

func FeedSource(f *db.Feed) Source { return feedSource{feed: f} }

func (s feedSource) Subscribe(ctx context.Context, filter db.Filter) (Stream, error) {
	st, err := s.feed.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	return st, nil
}
