package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// --- Communities ---

func (d *DB) CreateCommunity(ctx context.Context, name string, now time.Time) (*Community, error) {
	c := &Community{ID: NewID(), Name: name, CreatedAt: now}
	_, err := d.ExecContext(ctx, `INSERT INTO communities (id, name, created_at) VALUES (?, ?, ?)`,
		c.ID, c.Name, toMS(now))
	if err != nil {
		return nil, classify(err, "db.CreateCommunity")
	}
	return c, nil
}

func (d *DB) CommunityExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := d.QueryRowContext(ctx, `SELECT COUNT(*) FROM communities WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, classify(err, "db.CommunityExists")
	}
	return n > 0, nil
}

// --- Channels ---

const channelColumns = `id, scope_id, name, description, is_private, is_archived, created_by, created_at`

func scanChannel(row interface{ Scan(...any) error }) (*Channel, error) {
	c := &Channel{}
	var private, archived int
	var created int64
	if err := row.Scan(&c.ID, &c.ScopeID, &c.Name, &c.Description, &private, &archived, &c.CreatedBy, &created); err != nil {
		return nil, err
	}
	c.IsPrivate = private == 1
	c.IsArchived = archived == 1
	c.CreatedAt = fromMS(created)
	return c, nil
}

// CreateChannel inserts the channel together with its owner membership
// and the owner's read cursor. Either all three rows exist afterwards or
// none do.
func (d *DB) CreateChannel(ctx context.Context, c *Channel, owner string) (*Member, error) {
	m := &Member{
		ChannelID:            c.ID,
		UserID:               owner,
		Role:                 RoleOwner,
		JoinedAt:             c.CreatedAt,
		NotificationSettings: json.RawMessage(`{}`),
	}
	err := d.Tx(ctx, func(tx *Txn) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO channels (`+channelColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.ScopeID, c.Name, c.Description, boolInt(c.IsPrivate), boolInt(c.IsArchived), c.CreatedBy, toMS(c.CreatedAt))
		if err != nil {
			return classify(err, "db.CreateChannel.InsertChannel")
		}
		if _, err := insertMember(ctx, tx, m); err != nil {
			return err
		}
		tx.Emit(Change{Table: TableChannels, Op: OpInsert, ChannelID: c.ID, Row: *c, At: c.CreatedAt})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (d *DB) GetChannel(ctx context.Context, id string) (*Channel, error) {
	c, err := scanChannel(d.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id))
	if err != nil {
		return nil, classify(err, "db.GetChannel")
	}
	return c, nil
}

// ListChannels returns the non-archived channels of a scope that userID
// can see, with userID's cached unread counters.
func (d *DB) ListChannels(ctx context.Context, scopeID, userID string) ([]Channel, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT c.id, c.scope_id, c.name, c.description, c.is_private, c.is_archived, c.created_by, c.created_at,
		       COALESCE(rs.unread_count, 0), COALESCE(rs.unread_mentions_count, 0)
		FROM channels c
		LEFT JOIN read_status rs ON rs.channel_id = c.id AND rs.user_id = ?
		WHERE c.scope_id = ? AND c.is_archived = 0
		  AND (c.is_private = 0 OR EXISTS (
		      SELECT 1 FROM channel_members m WHERE m.channel_id = c.id AND m.user_id = ?))
		ORDER BY c.created_at ASC, c.name ASC`, userID, scopeID, userID)
	if err != nil {
		return nil, classify(err, "db.ListChannels")
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var c Channel
		var private, archived int
		var created int64
		if err := rows.Scan(&c.ID, &c.ScopeID, &c.Name, &c.Description, &private, &archived, &c.CreatedBy, &created,
			&c.UnreadCount, &c.UnreadMentions); err != nil {
			return nil, classify(err, "db.ListChannels.Scan")
		}
		c.IsPrivate = private == 1
		c.IsArchived = archived == 1
		c.CreatedAt = fromMS(created)
		channels = append(channels, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "db.ListChannels.Rows")
	}
	for i := range channels {
		channels[i].Members, err = d.ListMembers(ctx, channels[i].ID)
		if err != nil {
			return nil, err
		}
	}
	if channels == nil {
		channels = []Channel{}
	}
	return channels, nil
}

// ArchiveChannel reports whether the channel changed state.
func (d *DB) ArchiveChannel(ctx context.Context, id string, now time.Time) (bool, error) {
	var changed bool
	err := d.Tx(ctx, func(tx *Txn) error {
		res, err := tx.ExecContext(ctx, `UPDATE channels SET is_archived = 1 WHERE id = ? AND is_archived = 0`, id)
		if err != nil {
			return classify(err, "db.ArchiveChannel")
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		if changed {
			tx.Emit(Change{Table: TableChannels, Op: OpUpdate, ChannelID: id, Row: map[string]any{"id": id, "is_archived": true}, At: now})
		}
		return nil
	})
	return changed, err
}

// --- Members ---

const memberColumns = `channel_id, user_id, role, joined_at, last_read_at, notification_settings`

func scanMember(row interface{ Scan(...any) error }) (*Member, error) {
	m := &Member{}
	var joined int64
	var lastRead sql.NullInt64
	var settings string
	if err := row.Scan(&m.ChannelID, &m.UserID, &m.Role, &joined, &lastRead, &settings); err != nil {
		return nil, err
	}
	m.JoinedAt = fromMS(joined)
	m.LastReadAt = timePtr(lastRead)
	m.NotificationSettings = json.RawMessage(settings)
	return m, nil
}

// insertMember adds the membership and a zeroed read cursor. It reports
// false when the membership already existed, in which case nothing is
// changed.
func insertMember(ctx context.Context, tx *Txn, m *Member) (bool, error) {
	settings := m.NotificationSettings
	if len(settings) == 0 {
		settings = json.RawMessage(`{}`)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO channel_members (`+memberColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, user_id) DO NOTHING`,
		m.ChannelID, m.UserID, string(m.Role), toMS(m.JoinedAt), nullTime(m.LastReadAt), string(settings))
	if err != nil {
		return false, classify(err, "db.insertMember")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO read_status (channel_id, user_id, unread_count, unread_mentions_count) VALUES (?, ?, 0, 0)
		ON CONFLICT (channel_id, user_id) DO NOTHING`, m.ChannelID, m.UserID)
	if err != nil {
		return false, classify(err, "db.insertMember.ReadStatus")
	}
	tx.Emit(Change{Table: TableMembers, Op: OpInsert, ChannelID: m.ChannelID, Row: *m, At: m.JoinedAt})
	return true, nil
}

// AddMember inserts m unless the membership exists. It returns the stored
// membership and whether it was created by this call.
func (d *DB) AddMember(ctx context.Context, m *Member) (*Member, bool, error) {
	var created bool
	err := d.Tx(ctx, func(tx *Txn) error {
		var err error
		created, err = insertMember(ctx, tx, m)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	stored, err := d.GetMember(ctx, m.ChannelID, m.UserID)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// RemoveMember deletes the membership along with the member's read cursor
// and typing indicator. It reports whether a membership existed.
func (d *DB) RemoveMember(ctx context.Context, channelID, userID string, now time.Time) (bool, error) {
	var removed bool
	err := d.Tx(ctx, func(tx *Txn) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?`, channelID, userID)
		if err != nil {
			return classify(err, "db.RemoveMember")
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		if !removed {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM read_status WHERE channel_id = ? AND user_id = ?`, channelID, userID); err != nil {
			return classify(err, "db.RemoveMember.ReadStatus")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM typing_indicators WHERE channel_id = ? AND user_id = ?`, channelID, userID); err != nil {
			return classify(err, "db.RemoveMember.Typing")
		}
		tx.Emit(Change{Table: TableMembers, Op: OpDelete, ChannelID: channelID,
			Row: map[string]string{"channel_id": channelID, "user_id": userID}, At: now})
		return nil
	})
	return removed, err
}

func (d *DB) GetMember(ctx context.Context, channelID, userID string) (*Member, error) {
	m, err := scanMember(d.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM channel_members WHERE channel_id = ? AND user_id = ?`, channelID, userID))
	if err != nil {
		return nil, classify(err, "db.GetMember")
	}
	return m, nil
}

func (d *DB) ListMembers(ctx context.Context, channelID string) ([]Member, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT `+memberColumns+` FROM channel_members WHERE channel_id = ? ORDER BY joined_at ASC, user_id ASC`, channelID)
	if err != nil {
		return nil, classify(err, "db.ListMembers")
	}
	defer rows.Close()
	members := []Member{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, classify(err, "db.ListMembers.Scan")
		}
		members = append(members, *m)
	}
	return members, classify(rows.Err(), "db.ListMembers.Rows")
}

func (d *DB) CountMembers(ctx context.Context, channelID string, role Role) (int, error) {
	q := `SELECT COUNT(*) FROM channel_members WHERE channel_id = ?`
	args := []any{channelID}
	if role != "" {
		q += ` AND role = ?`
		args = append(args, string(role))
	}
	var n int
	if err := d.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, classify(err, "db.CountMembers")
	}
	return n, nil
}

func (d *DB) SetMemberRole(ctx context.Context, channelID, userID string, role Role) error {
	res, err := d.ExecContext(ctx, `UPDATE channel_members SET role = ? WHERE channel_id = ? AND user_id = ?`,
		string(role), channelID, userID)
	if err != nil {
		return classify(err, "db.SetMemberRole")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrap(errRecordNotFound, "db.SetMemberRole")
	}
	return nil
}

// MemberIDs returns the user ids of channelID's members other than
// exclude.
func (d *DB) MemberIDs(ctx context.Context, channelID, exclude string) ([]string, error) {
	rows, err := d.QueryContext(ctx, `SELECT user_id FROM channel_members WHERE channel_id = ? AND user_id != ?`, channelID, exclude)
	if err != nil {
		return nil, classify(err, "db.MemberIDs")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "db.MemberIDs.Scan")
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err(), "db.MemberIDs.Rows")
}
