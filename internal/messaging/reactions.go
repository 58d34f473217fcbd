package messaging

import (
	"context"
	"strings"

	"parley/internal/apperr"
	"parley/internal/db"
)

// reactable returns the live message after checking the caller belongs
// to its channel.
func (s *Service) reactable(ctx context.Context, caller, messageID, emoji string) (*db.Message, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	if emoji == "" || len(emoji) > maxEmojiBytes {
		return nil, apperr.Validation("emoji must be 1 to 64 bytes")
	}
	m, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, notFoundAs(err, apperr.ErrMessageNotFound)
	}
	if m.IsDeleted {
		return nil, apperr.ErrMessageNotFound
	}
	if _, err := s.member(ctx, m.ChannelID, caller); err != nil {
		return nil, err
	}
	return m, nil
}

// AddReaction is idempotent per (message, caller, emoji) and returns the
// message's aggregated reactions.
func (s *Service) AddReaction(ctx context.Context, caller, messageID, emoji string) ([]db.ReactionSummary, error) {
	emoji = strings.TrimSpace(emoji)
	m, err := s.reactable(ctx, caller, messageID, emoji)
	if err != nil {
		return nil, err
	}
	_, err = s.db.AddReaction(ctx, &db.Reaction{
		MessageID: m.ID,
		UserID:    caller,
		Emoji:     emoji,
		ChannelID: m.ChannelID,
		CreatedAt: s.now(),
	})
	if err != nil {
		return nil, notFoundAs(err, apperr.ErrMessageNotFound)
	}
	return s.db.Reactions(ctx, m.ID)
}

// RemoveReaction drops the caller's reaction if present.
func (s *Service) RemoveReaction(ctx context.Context, caller, messageID, emoji string) ([]db.ReactionSummary, error) {
	emoji = strings.TrimSpace(emoji)
	m, err := s.reactable(ctx, caller, messageID, emoji)
	if err != nil {
		return nil, err
	}
	_, err = s.db.RemoveReaction(ctx, &db.Reaction{
		MessageID: m.ID,
		UserID:    caller,
		Emoji:     emoji,
		ChannelID: m.ChannelID,
	}, s.now())
	if err != nil {
		return nil, err
	}
	return s.db.Reactions(ctx, m.ID)
}

// MarkMentionRead flips one of the caller's mentions to read.
func (s *Service) MarkMentionRead(ctx context.Context, caller, mentionID string) (*db.Mention, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	m, err := s.db.GetMention(ctx, mentionID)
	if err != nil {
		return nil, notFoundAs(err, apperr.ErrMentionNotFound)
	}
	if m.MentionedUserID != caller {
		return nil, apperr.ErrMentionNotFound
	}
	if _, err := s.db.MarkMentionRead(ctx, m, s.now()); err != nil {
		return nil, err
	}
	m.IsRead = true
	return m, nil
}

// ListUnreadMentions returns the caller's unread mentions, newest first.
func (s *Service) ListUnreadMentions(ctx context.Context, caller string) ([]db.Mention, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	return s.db.ListMentions(ctx, caller, true, maxListLimit)
}
