package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"parley/internal/apperr"
	"parley/internal/db"
)

type NewMessage struct {
	ChannelID       string          `json:"channel_id"`
	Content         string          `json:"content"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	ParentMessageID string          `json:"parent_message_id,omitempty"`
	AttachmentIDs   []string        `json:"attachment_ids,omitempty"`
}

type ListOptions struct {
	Limit        int
	Offset       int
	ThreadRootID string
}

// mentionRef is one entry of metadata.mentions.
type mentionRef struct {
	UserID string         `json:"user_id"`
	Type   db.MentionType `json:"type"`
}

// ListMessages pages through live messages oldest first: top-level ones,
// or the replies of opts.ThreadRootID.
func (s *Service) ListMessages(ctx context.Context, caller, channelID string, opts ListOptions) ([]db.Message, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	if opts.Offset < 0 {
		return nil, apperr.Validation("offset must not be negative")
	}
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := s.canRead(ctx, ch, caller); err != nil {
		return nil, err
	}
	return s.db.ListMessages(ctx, channelID, opts.ThreadRootID, clampLimit(opts.Limit), opts.Offset)
}

// GetMessage returns a live message the caller can read.
func (s *Service) GetMessage(ctx context.Context, caller, messageID string) (*db.Message, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	m, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, notFoundAs(err, apperr.ErrMessageNotFound)
	}
	if m.IsDeleted {
		return nil, apperr.ErrMessageNotFound
	}
	ch, err := s.channel(ctx, m.ChannelID)
	if err != nil {
		return nil, err
	}
	if err := s.canRead(ctx, ch, caller); err != nil {
		return nil, err
	}
	return m, nil
}

// SendMessage stores a message with its attachments and mentions, then
// bumps the other members' unread counters. A failed counter update is
// logged and does not fail the send.
func (s *Service) SendMessage(ctx context.Context, caller string, in NewMessage) (*db.Message, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	content := strings.TrimSpace(in.Content)
	if content == "" && len(in.AttachmentIDs) == 0 {
		return nil, apperr.ErrEmptyMessage
	}
	if len(content) > maxContentBytes {
		return nil, apperr.ErrMessageTooLong
	}
	refs, err := parseMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}

	if _, err := s.liveChannel(ctx, in.ChannelID); err != nil {
		return nil, err
	}
	if _, err := s.member(ctx, in.ChannelID, caller); err != nil {
		return nil, err
	}

	var mentions []db.Mention
	if len(refs) > 0 {
		others, err := s.db.MemberIDs(ctx, in.ChannelID, caller)
		if err != nil {
			return nil, err
		}
		mentions = resolveMentions(refs, others)
	}

	msg := &db.Message{
		ID:        db.NewID(),
		ChannelID: in.ChannelID,
		UserID:    caller,
		Content:   content,
		Metadata:  json.RawMessage(bytes.TrimSpace(in.Metadata)),
		CreatedAt: s.now(),
	}
	if in.ParentMessageID != "" {
		parent := in.ParentMessageID
		msg.ParentMessageID = &parent
	}
	if err := s.db.InsertMessage(ctx, msg, in.AttachmentIDs, mentions); err != nil {
		return nil, err
	}

	mentioned := make([]string, 0, len(msg.Mentions))
	for _, m := range msg.Mentions {
		mentioned = append(mentioned, m.MentionedUserID)
	}
	if err := s.db.IncrementUnread(ctx, msg.ChannelID, caller, mentioned); err != nil {
		s.log.Warn().Err(err).Str("channel_id", msg.ChannelID).Str("message_id", msg.ID).Msg("unread fan-out failed")
	}
	return msg, nil
}

// parseMetadata checks that metadata is a JSON object and extracts its
// mentions list.
func parseMetadata(raw json.RawMessage) ([]mentionRef, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, apperr.Validation("metadata must be a JSON object")
	}
	list, ok := obj["mentions"]
	if !ok {
		return nil, nil
	}
	var refs []mentionRef
	if err := json.Unmarshal(list, &refs); err != nil {
		return nil, apperr.Validation("metadata.mentions must be a list of mentions")
	}
	for i := range refs {
		if refs[i].Type == "" {
			refs[i].Type = db.MentionUser
		}
		switch refs[i].Type {
		case db.MentionUser:
			if refs[i].UserID == "" {
				return nil, apperr.Validation("user mention without user_id")
			}
		case db.MentionChannel, db.MentionEveryone:
		default:
			return nil, apperr.Validation("unknown mention type")
		}
	}
	return refs, nil
}

// resolveMentions expands refs against the channel's other members. A
// direct mention wins over a broadcast one for the same user; users who
// are not members are dropped.
func resolveMentions(refs []mentionRef, others []string) []db.Mention {
	isMember := make(map[string]bool, len(others))
	for _, id := range others {
		isMember[id] = true
	}
	picked := make(map[string]db.MentionType)
	var order []string
	add := func(id string, t db.MentionType) {
		if !isMember[id] {
			return
		}
		if _, ok := picked[id]; !ok {
			order = append(order, id)
			picked[id] = t
		}
	}
	for _, r := range refs {
		if r.Type == db.MentionUser {
			add(r.UserID, r.Type)
		}
	}
	for _, r := range refs {
		if r.Type != db.MentionUser {
			for _, id := range others {
				add(id, r.Type)
			}
		}
	}
	out := make([]db.Mention, 0, len(order))
	for _, id := range order {
		out = append(out, db.Mention{MentionedUserID: id, Type: picked[id]})
	}
	return out
}

// EditMessage replaces the content of the caller's own live message. The
// caller must still be a member of the non-archived channel.
func (s *Service) EditMessage(ctx context.Context, caller, messageID, content string) (*db.Message, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if len(content) > maxContentBytes {
		return nil, apperr.ErrMessageTooLong
	}
	m, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, notFoundAs(err, apperr.ErrMessageNotFound)
	}
	if m.IsDeleted {
		return nil, apperr.ErrMessageNotFound
	}
	if m.UserID != caller {
		return nil, apperr.ErrNotAuthor
	}
	if _, err := s.liveChannel(ctx, m.ChannelID); err != nil {
		return nil, err
	}
	if _, err := s.member(ctx, m.ChannelID, caller); err != nil {
		return nil, err
	}
	if content == "" && len(m.Attachments) == 0 {
		return nil, apperr.ErrEmptyMessage
	}
	updated, err := s.db.UpdateMessageContent(ctx, messageID, content, s.now())
	return updated, notFoundAs(err, apperr.ErrMessageNotFound)
}

// DeleteMessage soft-deletes a message. The author and the channel's
// owners and moderators may delete; repeating a delete returns the
// already-deleted message.
func (s *Service) DeleteMessage(ctx context.Context, caller, messageID string) (*db.Message, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	m, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, notFoundAs(err, apperr.ErrMessageNotFound)
	}
	if m.UserID != caller {
		actor, err := s.db.GetMember(ctx, m.ChannelID, caller)
		if err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
			return nil, err
		}
		if actor == nil || !actor.Role.CanModerate() {
			return nil, apperr.PermissionDenied("only the author or a moderator can delete this message")
		}
	}
	if m.IsDeleted {
		return m, nil
	}
	if _, err := s.db.SoftDeleteMessage(ctx, messageID, s.now()); err != nil {
		return nil, err
	}
	return s.db.GetMessage(ctx, messageID)
}
