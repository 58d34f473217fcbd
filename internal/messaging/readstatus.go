package messaging

import (
	"context"

	"parley/internal/apperr"
	"parley/internal/db"
)

// MarkChannelRead zeroes the caller's counters and mentions for the
// channel. An empty lastMessageID keeps the previous cursor message.
func (s *Service) MarkChannelRead(ctx context.Context, caller, channelID, lastMessageID string) (*db.ReadStatus, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	if _, err := s.channel(ctx, channelID); err != nil {
		return nil, err
	}
	if _, err := s.member(ctx, channelID, caller); err != nil {
		return nil, err
	}
	var last *string
	if lastMessageID != "" {
		m, err := s.db.GetMessage(ctx, lastMessageID)
		if err != nil {
			return nil, notFoundAs(err, apperr.ErrMessageNotFound)
		}
		if m.ChannelID != channelID {
			return nil, apperr.ErrMessageNotFound
		}
		last = &m.ID
	}
	return s.db.MarkChannelRead(ctx, channelID, caller, last, s.now())
}

// GetUnreadCount returns the caller's cached counters for the channel.
func (s *Service) GetUnreadCount(ctx context.Context, caller, channelID string) (*db.ReadStatus, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	if _, err := s.channel(ctx, channelID); err != nil {
		return nil, err
	}
	return s.db.GetReadStatus(ctx, channelID, caller)
}
