package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// MarkChannelRead moves the user's read cursor, zeroes both counters,
// stamps the membership and flips the user's mentions in the channel to
// read, all in one transaction.
func (d *DB) MarkChannelRead(ctx context.Context, channelID, userID string, lastMessageID *string, now time.Time) (*ReadStatus, error) {
	rs := &ReadStatus{ChannelID: channelID, UserID: userID, LastReadMessageID: lastMessageID, LastReadAt: &now}
	err := d.Tx(ctx, func(tx *Txn) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO read_status (channel_id, user_id, last_read_message_id, last_read_at, unread_count, unread_mentions_count)
			VALUES (?, ?, ?, ?, 0, 0)
			ON CONFLICT (channel_id, user_id) DO UPDATE SET
				last_read_message_id = COALESCE(excluded.last_read_message_id, read_status.last_read_message_id),
				last_read_at = excluded.last_read_at,
				unread_count = 0,
				unread_mentions_count = 0`,
			channelID, userID, lastMessageID, toMS(now))
		if err != nil {
			return classify(err, "db.MarkChannelRead")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE channel_members SET last_read_at = ? WHERE channel_id = ? AND user_id = ?`,
			toMS(now), channelID, userID); err != nil {
			return classify(err, "db.MarkChannelRead.Member")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE mentions SET is_read = 1 WHERE channel_id = ? AND mentioned_user_id = ? AND is_read = 0`,
			channelID, userID); err != nil {
			return classify(err, "db.MarkChannelRead.Mentions")
		}
		var last sql.NullString
		if err := tx.QueryRowContext(ctx,
			`SELECT last_read_message_id FROM read_status WHERE channel_id = ? AND user_id = ?`,
			channelID, userID).Scan(&last); err != nil {
			return classify(err, "db.MarkChannelRead.Reload")
		}
		rs.LastReadMessageID = strPtr(last)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// GetReadStatus returns the cached counters. A missing row reads as zero.
func (d *DB) GetReadStatus(ctx context.Context, channelID, userID string) (*ReadStatus, error) {
	rs := &ReadStatus{ChannelID: channelID, UserID: userID}
	var last sql.NullString
	var lastAt sql.NullInt64
	err := d.QueryRowContext(ctx, `
		SELECT last_read_message_id, last_read_at, unread_count, unread_mentions_count
		FROM read_status WHERE channel_id = ? AND user_id = ?`, channelID, userID).
		Scan(&last, &lastAt, &rs.UnreadCount, &rs.UnreadMentionsCount)
	if errors.Is(err, sql.ErrNoRows) {
		return rs, nil
	}
	if err != nil {
		return nil, classify(err, "db.GetReadStatus")
	}
	rs.LastReadMessageID = strPtr(last)
	rs.LastReadAt = timePtr(lastAt)
	return rs, nil
}
