package db

import (
	"context"
	"time"
)

// AddReaction inserts r unless the same user already reacted with the
// same emoji. It reports whether a row was added.
func (d *DB) AddReaction(ctx context.Context, r *Reaction) (bool, error) {
	var added bool
	err := d.Tx(ctx, func(tx *Txn) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO reactions (message_id, user_id, emoji, channel_id, created_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (message_id, user_id, emoji) DO NOTHING`,
			r.MessageID, r.UserID, r.Emoji, r.ChannelID, toMS(r.CreatedAt))
		if err != nil {
			return classify(err, "db.AddReaction")
		}
		n, _ := res.RowsAffected()
		added = n > 0
		if added {
			tx.Emit(Change{Table: TableReactions, Op: OpInsert, ChannelID: r.ChannelID, Row: *r, At: r.CreatedAt})
		}
		return nil
	})
	return added, err
}

// RemoveReaction reports whether a reaction was removed.
func (d *DB) RemoveReaction(ctx context.Context, r *Reaction, now time.Time) (bool, error) {
	var removed bool
	err := d.Tx(ctx, func(tx *Txn) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`, r.MessageID, r.UserID, r.Emoji)
		if err != nil {
			return classify(err, "db.RemoveReaction")
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		if removed {
			tx.Emit(Change{Table: TableReactions, Op: OpDelete, ChannelID: r.ChannelID, Row: *r, At: now})
		}
		return nil
	})
	return removed, err
}

// Reactions returns the per-emoji aggregate for one message.
func (d *DB) Reactions(ctx context.Context, messageID string) ([]ReactionSummary, error) {
	byMsg, err := reactionSummaries(ctx, d, []string{messageID})
	if err != nil {
		return nil, err
	}
	if s := byMsg[messageID]; s != nil {
		return s, nil
	}
	return []ReactionSummary{}, nil
}

// reactionSummaries aggregates reactions per message, emojis in order of
// their first use.
func reactionSummaries(ctx context.Context, q queryer, messageIDs []string) (map[string][]ReactionSummary, error) {
	out := make(map[string][]ReactionSummary)
	if len(messageIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `
		SELECT message_id, emoji, user_id FROM reactions
		WHERE message_id IN (`+placeholders(len(messageIDs))+`)
		ORDER BY created_at ASC, user_id ASC`, args...)
	if err != nil {
		return nil, classify(err, "db.reactionSummaries")
	}
	defer rows.Close()

	index := make(map[[2]string]int)
	for rows.Next() {
		var msgID, emoji, userID string
		if err := rows.Scan(&msgID, &emoji, &userID); err != nil {
			return nil, classify(err, "db.reactionSummaries.Scan")
		}
		key := [2]string{msgID, emoji}
		i, ok := index[key]
		if !ok {
			i = len(out[msgID])
			index[key] = i
			out[msgID] = append(out[msgID], ReactionSummary{Emoji: emoji})
		}
		s := &out[msgID][i]
		s.Count++
		s.UserIDs = append(s.UserIDs, userID)
	}
	return out, classify(rows.Err(), "db.reactionSummaries.Rows")
}

// --- Mentions ---

const mentionColumns = `id, message_id, channel_id, mentioned_user_id, mention_type, is_read, created_at`

func scanMention(row interface{ Scan(...any) error }) (*Mention, error) {
	m := &Mention{}
	var read int
	var created int64
	if err := row.Scan(&m.ID, &m.MessageID, &m.ChannelID, &m.MentionedUserID, &m.Type, &read, &created); err != nil {
		return nil, err
	}
	m.IsRead = read == 1
	m.CreatedAt = fromMS(created)
	return m, nil
}

func (d *DB) GetMention(ctx context.Context, id string) (*Mention, error) {
	m, err := scanMention(d.QueryRowContext(ctx, `SELECT `+mentionColumns+` FROM mentions WHERE id = ?`, id))
	if err != nil {
		return nil, classify(err, "db.GetMention")
	}
	return m, nil
}

// ListMentions returns a user's mentions newest first, optionally only
// the unread ones. Mentions of deleted messages are skipped.
func (d *DB) ListMentions(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Mention, error) {
	q := `SELECT mn.id, mn.message_id, mn.channel_id, mn.mentioned_user_id, mn.mention_type, mn.is_read, mn.created_at
		FROM mentions mn JOIN messages m ON m.id = mn.message_id
		WHERE mn.mentioned_user_id = ? AND m.is_deleted = 0`
	if unreadOnly {
		q += ` AND mn.is_read = 0`
	}
	q += ` ORDER BY mn.created_at DESC LIMIT ?`
	rows, err := d.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, classify(err, "db.ListMentions")
	}
	defer rows.Close()
	out := []Mention{}
	for rows.Next() {
		m, err := scanMention(rows)
		if err != nil {
			return nil, classify(err, "db.ListMentions.Scan")
		}
		out = append(out, *m)
	}
	return out, classify(rows.Err(), "db.ListMentions.Rows")
}

// MarkMentionRead flips one mention to read and, if it was unread,
// decrements the channel's mention counter without going below zero.
func (d *DB) MarkMentionRead(ctx context.Context, m *Mention, now time.Time) (bool, error) {
	var changed bool
	err := d.Tx(ctx, func(tx *Txn) error {
		res, err := tx.ExecContext(ctx, `UPDATE mentions SET is_read = 1 WHERE id = ? AND is_read = 0`, m.ID)
		if err != nil {
			return classify(err, "db.MarkMentionRead")
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		if !changed {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE read_status SET unread_mentions_count = MAX(unread_mentions_count - 1, 0)
			WHERE channel_id = ? AND user_id = ?`, m.ChannelID, m.MentionedUserID)
		if err != nil {
			return classify(err, "db.MarkMentionRead.Counter")
		}
		read := *m
		read.IsRead = true
		tx.Emit(Change{Table: TableMentions, Op: OpUpdate, ChannelID: m.ChannelID, Row: read, At: now})
		return nil
	})
	return changed, err
}
