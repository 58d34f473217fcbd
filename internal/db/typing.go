package db

import (
	"context"
	"time"
)

func (d *DB) UpsertTyping(ctx context.Context, t *TypingIndicator) error {
	return d.Tx(ctx, func(tx *Txn) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO typing_indicators (channel_id, user_id, started_typing_at, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (channel_id, user_id) DO UPDATE SET
				started_typing_at = excluded.started_typing_at,
				expires_at = excluded.expires_at`,
			t.ChannelID, t.UserID, toMS(t.StartedTypingAt), toMS(t.ExpiresAt))
		if err != nil {
			return classify(err, "db.UpsertTyping")
		}
		tx.Emit(Change{Table: TableTyping, Op: OpInsert, ChannelID: t.ChannelID, Row: *t, At: t.StartedTypingAt})
		return nil
	})
}

// DeleteTyping reports whether an indicator was removed.
func (d *DB) DeleteTyping(ctx context.Context, channelID, userID string, now time.Time) (bool, error) {
	var removed bool
	err := d.Tx(ctx, func(tx *Txn) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM typing_indicators WHERE channel_id = ? AND user_id = ?`, channelID, userID)
		if err != nil {
			return classify(err, "db.DeleteTyping")
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		if removed {
			tx.Emit(Change{Table: TableTyping, Op: OpDelete, ChannelID: channelID,
				Row: TypingIndicator{ChannelID: channelID, UserID: userID}, At: now})
		}
		return nil
	})
	return removed, err
}

// ListTyping returns the indicators of a channel that are still live at
// now.
func (d *DB) ListTyping(ctx context.Context, channelID string, now time.Time) ([]TypingIndicator, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT channel_id, user_id, started_typing_at, expires_at FROM typing_indicators
		WHERE channel_id = ? AND expires_at > ? ORDER BY started_typing_at ASC`, channelID, toMS(now))
	if err != nil {
		return nil, classify(err, "db.ListTyping")
	}
	defer rows.Close()
	out := []TypingIndicator{}
	for rows.Next() {
		var t TypingIndicator
		var started, expires int64
		if err := rows.Scan(&t.ChannelID, &t.UserID, &started, &expires); err != nil {
			return nil, classify(err, "db.ListTyping.Scan")
		}
		t.StartedTypingAt = fromMS(started)
		t.ExpiresAt = fromMS(expires)
		out = append(out, t)
	}
	return out, classify(rows.Err(), "db.ListTyping.Rows")
}

// DeleteExpiredTyping removes indicators whose expiry is at or before
// now and returns how many went.
func (d *DB) DeleteExpiredTyping(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.ExecContext(ctx, `DELETE FROM typing_indicators WHERE expires_at <= ?`, toMS(now))
	if err != nil {
		return 0, classify(err, "db.DeleteExpiredTyping")
	}
	return res.RowsAffected()
}
