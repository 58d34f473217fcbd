// Package messaging is the chat core: channel directory, message store,
// reactions and mentions, attachments, read cursors and typing presence.
// Every operation takes the verified caller id and authorises against
// channel membership; persistence and change notification are delegated
// to internal/db.
package messaging

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"parley/internal/apperr"
	"parley/internal/blob"
	"parley/internal/clock"
	"parley/internal/db"
)

const (
	maxChannelName   = 80
	maxDescription   = 1024
	maxContentBytes  = 4000
	maxEmojiBytes    = 64
	defaultListLimit = 50
	maxListLimit     = 200

	DefaultTypingTTL      = 10 * time.Second
	DefaultMaxUploadBytes = 25 << 20
)

type Options struct {
	TypingTTL      time.Duration
	MaxUploadBytes int64
}

type Service struct {
	db    *db.DB
	blobs blob.Store
	clock clock.Clock
	log   zerolog.Logger
	opts  Options
}

func New(database *db.DB, blobs blob.Store, clk clock.Clock, logger zerolog.Logger, opts Options) *Service {
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Service{
		db:    database,
		blobs: blobs,
		clock: clk,
		log:   logger.With().Str("component", "messaging").Logger(),
		opts:  opts,
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func checkCaller(caller string) error {
	if strings.TrimSpace(caller) == "" {
		return apperr.PermissionDenied("missing caller identity")
	}
	return nil
}

// notFoundAs replaces a store NotFound with a domain sentinel.
func notFoundAs(err, sentinel error) error {
	if apperr.IsCode(err, apperr.CodeNotFound) {
		return sentinel
	}
	return err
}

func (s *Service) channel(ctx context.Context, id string) (*db.Channel, error) {
	ch, err := s.db.GetChannel(ctx, id)
	if err != nil {
		return nil, notFoundAs(err, apperr.ErrChannelNotFound)
	}
	return ch, nil
}

// liveChannel is channel but treats archived channels as absent.
func (s *Service) liveChannel(ctx context.Context, id string) (*db.Channel, error) {
	ch, err := s.channel(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.IsArchived {
		return nil, apperr.ErrChannelNotFound
	}
	return ch, nil
}

// member returns the caller's membership or ErrNotMember.
func (s *Service) member(ctx context.Context, channelID, userID string) (*db.Member, error) {
	m, err := s.db.GetMember(ctx, channelID, userID)
	if err != nil {
		return nil, notFoundAs(err, apperr.ErrNotMember)
	}
	return m, nil
}

// canRead allows anyone on public channels and members on private ones.
func (s *Service) canRead(ctx context.Context, ch *db.Channel, caller string) error {
	if !ch.IsPrivate {
		return nil
	}
	_, err := s.member(ctx, ch.ID, caller)
	return err
}

// CanSubscribe reports whether caller may watch channelID's live events.
func (s *Service) CanSubscribe(ctx context.Context, caller, channelID string) error {
	if err := checkCaller(caller); err != nil {
		return err
	}
	ch, err := s.liveChannel(ctx, channelID)
	if err != nil {
		return err
	}
	return s.canRead(ctx, ch, caller)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}
