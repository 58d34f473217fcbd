package messaging

import (
	"context"
	"strings"
	"unicode/utf8"

	"parley/internal/apperr"
	"parley/internal/db"
)

type NewChannel struct {
	ScopeID     string `json:"scope_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"is_private"`
}

// CreateCommunity registers a scope on behalf of the community service.
func (s *Service) CreateCommunity(ctx context.Context, name string) (*db.Community, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("community name required")
	}
	return s.db.CreateCommunity(ctx, name, s.now())
}

// ListChannels returns the scope's live channels the caller may see, each
// with its roster and the caller's unread counters.
func (s *Service) ListChannels(ctx context.Context, caller, scopeID string) ([]db.Channel, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	ok, err := s.db.CommunityExists(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrScopeNotFound
	}
	return s.db.ListChannels(ctx, scopeID, caller)
}

// CreateChannel creates the channel with the caller as its owner.
func (s *Service) CreateChannel(ctx context.Context, caller string, in NewChannel) (*db.Channel, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	desc := strings.TrimSpace(in.Description)
	switch {
	case name == "":
		return nil, apperr.Validation("channel name required")
	case utf8.RuneCountInString(name) > maxChannelName:
		return nil, apperr.Validation("channel name too long")
	case utf8.RuneCountInString(desc) > maxDescription:
		return nil, apperr.Validation("channel description too long")
	}
	ok, err := s.db.CommunityExists(ctx, in.ScopeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrScopeNotFound
	}

	ch := &db.Channel{
		ID:          db.NewID(),
		ScopeID:     in.ScopeID,
		Name:        name,
		Description: desc,
		IsPrivate:   in.IsPrivate,
		CreatedBy:   caller,
		CreatedAt:   s.now(),
	}
	owner, err := s.db.CreateChannel(ctx, ch, caller)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeConflict) {
			return nil, apperr.ErrChannelNameTaken
		}
		return nil, notFoundAs(err, apperr.ErrScopeNotFound)
	}
	ch.Members = []db.Member{*owner}
	s.log.Info().Str("channel_id", ch.ID).Str("scope_id", ch.ScopeID).Str("by", caller).Msg("channel created")
	return ch, nil
}

// JoinChannel adds the caller to a public channel. Joining twice returns
// the existing membership untouched.
func (s *Service) JoinChannel(ctx context.Context, caller, channelID string) (*db.Member, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	ch, err := s.liveChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if existing, err := s.db.GetMember(ctx, channelID, caller); err == nil {
		return existing, nil
	} else if !apperr.IsCode(err, apperr.CodeNotFound) {
		return nil, err
	}
	if ch.IsPrivate {
		return nil, apperr.ErrPrivateChannel
	}
	m, _, err := s.db.AddMember(ctx, &db.Member{
		ChannelID: channelID,
		UserID:    caller,
		Role:      db.RoleMember,
		JoinedAt:  s.now(),
	})
	return m, notFoundAs(err, apperr.ErrChannelNotFound)
}

// LeaveChannel removes the caller's membership. It is a no-op for
// non-members. The last owner cannot leave while others remain.
func (s *Service) LeaveChannel(ctx context.Context, caller, channelID string) error {
	if err := checkCaller(caller); err != nil {
		return err
	}
	if _, err := s.channel(ctx, channelID); err != nil {
		return err
	}
	m, err := s.db.GetMember(ctx, channelID, caller)
	if apperr.IsCode(err, apperr.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.Role == db.RoleOwner {
		if err := s.checkNotSoleOwner(ctx, channelID); err != nil {
			return err
		}
	}
	_, err = s.db.RemoveMember(ctx, channelID, caller, s.now())
	return err
}

// checkNotSoleOwner fails when the channel has exactly one owner and at
// least one other member.
func (s *Service) checkNotSoleOwner(ctx context.Context, channelID string) error {
	owners, err := s.db.CountMembers(ctx, channelID, db.RoleOwner)
	if err != nil {
		return err
	}
	total, err := s.db.CountMembers(ctx, channelID, "")
	if err != nil {
		return err
	}
	if owners <= 1 && total > 1 {
		return apperr.ErrSoleOwnerLeave
	}
	return nil
}

// AddMember lets an owner or moderator add userID. Only owners may hand
// out the moderator or owner role. Adding an existing member is a no-op.
func (s *Service) AddMember(ctx context.Context, caller, channelID, userID string, role db.Role) (*db.Member, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("user id required")
	}
	if role == "" {
		role = db.RoleMember
	}
	if !role.Valid() {
		return nil, apperr.Validation("invalid role")
	}
	if _, err := s.liveChannel(ctx, channelID); err != nil {
		return nil, err
	}
	actor, err := s.member(ctx, channelID, caller)
	if err != nil {
		return nil, err
	}
	if !actor.Role.CanModerate() {
		return nil, apperr.PermissionDenied("only owners and moderators can add members")
	}
	if role != db.RoleMember && actor.Role != db.RoleOwner {
		return nil, apperr.ErrOwnerOnly
	}
	m, created, err := s.db.AddMember(ctx, &db.Member{
		ChannelID: channelID,
		UserID:    userID,
		Role:      role,
		JoinedAt:  s.now(),
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Debug().Str("channel_id", channelID).Str("user_id", userID).Str("by", caller).Msg("member added")
	}
	return m, nil
}

// SetMemberRole changes a member's role. Owner only; the last owner
// cannot demote themselves.
func (s *Service) SetMemberRole(ctx context.Context, caller, channelID, userID string, role db.Role) (*db.Member, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, apperr.Validation("invalid role")
	}
	if _, err := s.channel(ctx, channelID); err != nil {
		return nil, err
	}
	actor, err := s.member(ctx, channelID, caller)
	if err != nil {
		return nil, err
	}
	if actor.Role != db.RoleOwner {
		return nil, apperr.ErrOwnerOnly
	}
	target, err := s.db.GetMember(ctx, channelID, userID)
	if err != nil {
		return nil, notFoundAs(err, apperr.NotFound("member not found"))
	}
	if target.Role == role {
		return target, nil
	}
	if target.Role == db.RoleOwner {
		owners, err := s.db.CountMembers(ctx, channelID, db.RoleOwner)
		if err != nil {
			return nil, err
		}
		if owners <= 1 {
			return nil, apperr.Conflict("a channel needs at least one owner")
		}
	}
	if err := s.db.SetMemberRole(ctx, channelID, userID, role); err != nil {
		return nil, err
	}
	target.Role = role
	return target, nil
}

// ArchiveChannel hides the channel and frees its name. Owner only.
func (s *Service) ArchiveChannel(ctx context.Context, caller, channelID string) (*db.Channel, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	actor, err := s.member(ctx, channelID, caller)
	if err != nil {
		return nil, err
	}
	if actor.Role != db.RoleOwner {
		return nil, apperr.ErrOwnerOnly
	}
	changed, err := s.db.ArchiveChannel(ctx, channelID, s.now())
	if err != nil {
		return nil, err
	}
	if changed {
		s.log.Info().Str("channel_id", channelID).Str("by", caller).Msg("channel archived")
	}
	ch.IsArchived = true
	return ch, nil
}

func (s *Service) ListMembers(ctx context.Context, caller, channelID string) ([]db.Member, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	ch, err := s.channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := s.canRead(ctx, ch, caller); err != nil {
		return nil, err
	}
	return s.db.ListMembers(ctx, channelID)
}
