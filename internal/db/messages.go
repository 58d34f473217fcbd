package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"parley/internal/apperr"
)

const messageColumns = `seq, id, channel_id, user_id, content, metadata, parent_message_id, thread_root_id,
	is_edited, edited_at, is_deleted, deleted_at, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	m := &Message{}
	var metadata string
	var parent sql.NullString
	var edited, deleted int
	var editedAt, deletedAt sql.NullInt64
	var created int64
	err := row.Scan(&m.Seq, &m.ID, &m.ChannelID, &m.UserID, &m.Content, &metadata, &parent, &m.ThreadRootID,
		&edited, &editedAt, &deleted, &deletedAt, &created)
	if err != nil {
		return nil, err
	}
	m.Metadata = json.RawMessage(metadata)
	m.ParentMessageID = strPtr(parent)
	m.IsEdited = edited == 1
	m.EditedAt = timePtr(editedAt)
	m.IsDeleted = deleted == 1
	m.DeletedAt = timePtr(deletedAt)
	m.CreatedAt = fromMS(created)
	return m, nil
}

// InsertMessage stores m, links its staged attachments and records its
// mentions in one transaction. ThreadRootID is resolved here: a reply
// inherits its parent's root, a top-level message is its own root. The
// parent must be a live message of the same channel.
func (d *DB) InsertMessage(ctx context.Context, m *Message, attachmentIDs []string, mentions []Mention) error {
	if len(m.Metadata) == 0 {
		m.Metadata = json.RawMessage(`{}`)
	}
	err := d.Tx(ctx, func(tx *Txn) error {
		if m.ParentMessageID != nil {
			var channelID, root string
			var deleted int
			err := tx.QueryRowContext(ctx,
				`SELECT channel_id, thread_root_id, is_deleted FROM messages WHERE id = ?`, *m.ParentMessageID).
				Scan(&channelID, &root, &deleted)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && (deleted == 1 || channelID != m.ChannelID)) {
				return errors.Wrap(apperr.NotFound("parent message not found"), "db.InsertMessage.Parent")
			}
			if err != nil {
				return classify(err, "db.InsertMessage.Parent")
			}
			m.ThreadRootID = root
		} else {
			m.ThreadRootID = m.ID
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, channel_id, user_id, content, metadata, parent_message_id, thread_root_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ChannelID, m.UserID, m.Content, string(m.Metadata), m.ParentMessageID, m.ThreadRootID, toMS(m.CreatedAt))
		if err != nil {
			return classify(err, "db.InsertMessage")
		}
		if m.Seq, err = res.LastInsertId(); err != nil {
			return classify(err, "db.InsertMessage.Seq")
		}

		if err := linkAttachments(ctx, tx, attachmentIDs, m.ID, m.UserID); err != nil {
			return err
		}
		if m.Attachments, err = attachmentsFor(ctx, tx, []string{m.ID}); err != nil {
			return err
		}

		m.Mentions = m.Mentions[:0]
		for _, mn := range mentions {
			mn.ID = NewID()
			mn.MessageID = m.ID
			mn.ChannelID = m.ChannelID
			mn.CreatedAt = m.CreatedAt
			res, err := tx.ExecContext(ctx, `
				INSERT INTO mentions (id, message_id, channel_id, mentioned_user_id, mention_type, is_read, created_at)
				VALUES (?, ?, ?, ?, ?, 0, ?)
				ON CONFLICT (message_id, mentioned_user_id) DO NOTHING`,
				mn.ID, mn.MessageID, mn.ChannelID, mn.MentionedUserID, string(mn.Type), toMS(mn.CreatedAt))
			if err != nil {
				return classify(err, "db.InsertMessage.Mention")
			}
			if n, _ := res.RowsAffected(); n > 0 {
				m.Mentions = append(m.Mentions, mn)
			}
		}

		tx.Emit(Change{Table: TableMessages, Op: OpInsert, ChannelID: m.ChannelID, Row: *m, At: m.CreatedAt})
		return nil
	})
	return err
}

// GetMessage returns the message with its attachments and reactions,
// deleted or not.
func (d *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(d.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return nil, classify(err, "db.GetMessage")
	}
	msgs := []Message{*m}
	if err := d.hydrate(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// ListMessages returns live messages oldest first. An empty threadRootID
// selects top-level messages; otherwise the replies of that thread.
func (d *DB) ListMessages(ctx context.Context, channelID, threadRootID string, limit, offset int) ([]Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE channel_id = ? AND is_deleted = 0`
	args := []any{channelID}
	if threadRootID == "" {
		q += ` AND parent_message_id IS NULL`
	} else {
		q += ` AND thread_root_id = ? AND parent_message_id IS NOT NULL`
		args = append(args, threadRootID)
	}
	q += ` ORDER BY created_at ASC, seq ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := d.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err, "db.ListMessages")
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classify(err, "db.ListMessages.Scan")
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "db.ListMessages.Rows")
	}
	rows.Close()
	if err := d.hydrate(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// hydrate fills attachments and reaction summaries in place.
func (d *DB) hydrate(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	atts, err := attachmentsFor(ctx, d, ids)
	if err != nil {
		return err
	}
	reactions, err := reactionSummaries(ctx, d, ids)
	if err != nil {
		return err
	}
	byMsg := make(map[string][]Attachment)
	for _, a := range atts {
		byMsg[*a.MessageID] = append(byMsg[*a.MessageID], a)
	}
	for i := range msgs {
		msgs[i].Attachments = byMsg[msgs[i].ID]
		msgs[i].Reactions = reactions[msgs[i].ID]
	}
	return nil
}

// UpdateMessageContent rewrites a live message and returns it.
func (d *DB) UpdateMessageContent(ctx context.Context, id, content string, now time.Time) (*Message, error) {
	err := d.Tx(ctx, func(tx *Txn) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET content = ?, is_edited = 1, edited_at = ? WHERE id = ? AND is_deleted = 0`,
			content, toMS(now), id)
		if err != nil {
			return classify(err, "db.UpdateMessageContent")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrap(errRecordNotFound, "db.UpdateMessageContent")
		}
		m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
		if err != nil {
			return classify(err, "db.UpdateMessageContent.Reload")
		}
		tx.Emit(Change{Table: TableMessages, Op: OpUpdate, ChannelID: m.ChannelID, Row: *m, At: now})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.GetMessage(ctx, id)
}

// SoftDeleteMessage marks the message deleted. It reports false when the
// message was already deleted, leaving the original deleted_at intact.
// The feed sees an update carrying is_deleted.
func (d *DB) SoftDeleteMessage(ctx context.Context, id string, now time.Time) (bool, error) {
	var changed bool
	err := d.Tx(ctx, func(tx *Txn) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET is_deleted = 1, deleted_at = ? WHERE id = ? AND is_deleted = 0`, toMS(now), id)
		if err != nil {
			return classify(err, "db.SoftDeleteMessage")
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		if !changed {
			return nil
		}
		m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
		if err != nil {
			return classify(err, "db.SoftDeleteMessage.Reload")
		}
		tx.Emit(Change{Table: TableMessages, Op: OpUpdate, ChannelID: m.ChannelID, Row: *m, At: now})
		return nil
	})
	return changed, err
}

// IncrementUnread bumps unread_count for every member but the author and
// unread_mentions_count for each mentioned user, using in-place
// increments so concurrent sends never lose a count.
func (d *DB) IncrementUnread(ctx context.Context, channelID, authorID string, mentioned []string) error {
	return d.Tx(ctx, func(tx *Txn) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO read_status (channel_id, user_id, unread_count, unread_mentions_count)
			SELECT channel_id, user_id, 1, 0 FROM channel_members WHERE channel_id = ? AND user_id != ?
			ON CONFLICT (channel_id, user_id) DO UPDATE SET unread_count = unread_count + 1`,
			channelID, authorID)
		if err != nil {
			return classify(err, "db.IncrementUnread")
		}
		if len(mentioned) == 0 {
			return nil
		}
		args := []any{channelID}
		for _, id := range mentioned {
			args = append(args, id)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE read_status SET unread_mentions_count = unread_mentions_count + 1
			WHERE channel_id = ? AND user_id IN (`+placeholders(len(mentioned))+`)`, args...)
		return classify(err, "db.IncrementUnread.Mentions")
	})
}
