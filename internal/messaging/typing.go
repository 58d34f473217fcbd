package messaging

import (
	"context"

	"parley/internal/db"
)

// StartTyping marks the caller as typing until now+TTL. Repeated calls
// extend the indicator.
func (s *Service) StartTyping(ctx context.Context, caller, channelID string) (*db.TypingIndicator, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	if _, err := s.liveChannel(ctx, channelID); err != nil {
		return nil, err
	}
	if _, err := s.member(ctx, channelID, caller); err != nil {
		return nil, err
	}
	now := s.now()
	t := &db.TypingIndicator{
		ChannelID:       channelID,
		UserID:          caller,
		StartedTypingAt: now,
		ExpiresAt:       now.Add(s.opts.TypingTTL),
	}
	if err := s.db.UpsertTyping(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) StopTyping(ctx context.Context, caller, channelID string) error {
	if err := checkCaller(caller); err != nil {
		return err
	}
	_, err := s.db.DeleteTyping(ctx, channelID, caller, s.now())
	return err
}

// ListTyping returns the indicators still live at the current time.
// Expired rows are left for SweepExpiredTyping.
func (s *Service) ListTyping(ctx context.Context, channelID string) ([]db.TypingIndicator, error) {
	if _, err := s.channel(ctx, channelID); err != nil {
		return nil, err
	}
	return s.db.ListTyping(ctx, channelID, s.now())
}

// SweepExpiredTyping deletes expired indicators and returns how many.
func (s *Service) SweepExpiredTyping(ctx context.Context) (int64, error) {
	n, err := s.db.DeleteExpiredTyping(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug().Int64("removed", n).Msg("expired typing indicators swept")
	}
	return n, nil
}
