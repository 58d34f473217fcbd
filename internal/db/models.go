package db

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleOwner     Role = "owner"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleModerator || r == RoleMember
}

// CanModerate reports whether the role may act on other members' content.
func (r Role) CanModerate() bool {
	return r == RoleOwner || r == RoleModerator
}

type MentionType string

const (
	MentionUser     MentionType = "user"
	MentionChannel  MentionType = "channel"
	MentionEveryone MentionType = "everyone"
)

type Community struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Channel struct {
	ID          string    `json:"id"`
	ScopeID     string    `json:"scope_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsPrivate   bool      `json:"is_private"`
	IsArchived  bool      `json:"is_archived"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`

	// Filled for listings, relative to the caller.
	Members        []Member `json:"members,omitempty"`
	UnreadCount    int      `json:"unread_count"`
	UnreadMentions int      `json:"unread_mentions_count"`
}

type Member struct {
	ChannelID            string          `json:"channel_id"`
	UserID               string          `json:"user_id"`
	Role                 Role            `json:"role"`
	JoinedAt             time.Time       `json:"joined_at"`
	LastReadAt           *time.Time      `json:"last_read_at,omitempty"`
	NotificationSettings json.RawMessage `json:"notification_settings"`
}

type Message struct {
	ID              string            `json:"id"`
	Seq             int64             `json:"seq"`
	ChannelID       string            `json:"channel_id"`
	UserID          string            `json:"user_id"`
	Content         string            `json:"content"`
	Metadata        json.RawMessage   `json:"metadata"`
	ParentMessageID *string           `json:"parent_message_id,omitempty"`
	ThreadRootID    string            `json:"thread_root_id"`
	IsEdited        bool              `json:"is_edited"`
	EditedAt        *time.Time        `json:"edited_at,omitempty"`
	IsDeleted       bool              `json:"is_deleted"`
	DeletedAt       *time.Time        `json:"deleted_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Attachments     []Attachment      `json:"attachments,omitempty"`
	Reactions       []ReactionSummary `json:"reactions,omitempty"`
	Mentions        []Mention         `json:"mentions,omitempty"`
}

// IsTopLevel reports whether the message starts its own thread.
func (m *Message) IsTopLevel() bool {
	return m.ParentMessageID == nil
}

type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	ChannelID string    `json:"channel_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ReactionSummary is the per-emoji aggregate for one message.
type ReactionSummary struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"user_ids"`
}

type Mention struct {
	ID              string      `json:"id"`
	MessageID       string      `json:"message_id"`
	ChannelID       string      `json:"channel_id"`
	MentionedUserID string      `json:"mentioned_user_id"`
	Type            MentionType `json:"mention_type"`
	IsRead          bool        `json:"is_read"`
	CreatedAt       time.Time   `json:"created_at"`
}

type Attachment struct {
	ID          string    `json:"id"`
	MessageID   *string   `json:"message_id"`
	FileName    string    `json:"file_name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	StorageURL  string    `json:"storage_url"`
	StoragePath string    `json:"storage_path"`
	Checksum    string    `json:"checksum"`
	UploadedBy  string    `json:"uploaded_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type ReadStatus struct {
	ChannelID           string     `json:"channel_id"`
	UserID              string     `json:"user_id"`
	LastReadMessageID   *string    `json:"last_read_message_id,omitempty"`
	LastReadAt          *time.Time `json:"last_read_at,omitempty"`
	UnreadCount         int        `json:"unread_count"`
	UnreadMentionsCount int        `json:"unread_mentions_count"`
}

type TypingIndicator struct {
	ChannelID       string    `json:"channel_id"`
	UserID          string    `json:"user_id"`
	StartedTypingAt time.Time `json:"started_typing_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Expired reports whether the indicator is past its TTL at now.
func (t TypingIndicator) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}
