package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"parley/internal/apperr"
)

const attachmentColumns = `id, message_id, file_name, size, content_type, storage_url, storage_path, checksum, uploaded_by, created_at`

func scanAttachment(row interface{ Scan(...any) error }) (*Attachment, error) {
	a := &Attachment{}
	var msgID sql.NullString
	var created int64
	err := row.Scan(&a.ID, &msgID, &a.FileName, &a.Size, &a.ContentType, &a.StorageURL, &a.StoragePath,
		&a.Checksum, &a.UploadedBy, &created)
	if err != nil {
		return nil, err
	}
	a.MessageID = strPtr(msgID)
	a.CreatedAt = fromMS(created)
	return a, nil
}

func (d *DB) CreateAttachment(ctx context.Context, a *Attachment) error {
	_, err := d.ExecContext(ctx, `INSERT INTO attachments (`+attachmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MessageID, a.FileName, a.Size, a.ContentType, a.StorageURL, a.StoragePath, a.Checksum, a.UploadedBy, toMS(a.CreatedAt))
	return classify(err, "db.CreateAttachment")
}

func (d *DB) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	a, err := scanAttachment(d.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id = ?`, id))
	if err != nil {
		return nil, classify(err, "db.GetAttachment")
	}
	return a, nil
}

// LinkAttachments attaches staged uploads to a message outside of a send.
func (d *DB) LinkAttachments(ctx context.Context, ids []string, messageID, uploader string) error {
	return d.Tx(ctx, func(tx *Txn) error {
		return linkAttachments(ctx, tx, ids, messageID, uploader)
	})
}

// linkAttachments fails unless every id names an unlinked attachment
// uploaded by uploader.
func linkAttachments(ctx context.Context, tx *Txn, ids []string, messageID, uploader string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{messageID, uploader}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			args = append(args, id)
		}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE attachments SET message_id = ?
		WHERE message_id IS NULL AND uploaded_by = ? AND id IN (`+placeholders(len(seen))+`)`, args...)
	if err != nil {
		return classify(err, "db.linkAttachments")
	}
	if n, _ := res.RowsAffected(); int(n) != len(seen) {
		return errors.Wrap(apperr.ErrAttachmentNotFound, "db.linkAttachments")
	}
	return nil
}

func attachmentsFor(ctx context.Context, q queryer, messageIDs []string) ([]Attachment, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `SELECT `+attachmentColumns+` FROM attachments
		WHERE message_id IN (`+placeholders(len(messageIDs))+`) ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, classify(err, "db.attachmentsFor")
	}
	return collectAttachments(rows, "db.attachmentsFor")
}

// ListOrphanedAttachments returns unlinked attachments created before
// cutoff.
func (d *DB) ListOrphanedAttachments(ctx context.Context, cutoff time.Time) ([]Attachment, error) {
	rows, err := d.QueryContext(ctx, `SELECT `+attachmentColumns+` FROM attachments
		WHERE message_id IS NULL AND created_at < ? ORDER BY created_at ASC`, toMS(cutoff))
	if err != nil {
		return nil, classify(err, "db.ListOrphanedAttachments")
	}
	return collectAttachments(rows, "db.ListOrphanedAttachments")
}

// DeleteOrphanedAttachment removes the row only while it is still
// unlinked. It reports whether the row was removed.
func (d *DB) DeleteOrphanedAttachment(ctx context.Context, id string) (bool, error) {
	res, err := d.ExecContext(ctx, `DELETE FROM attachments WHERE id = ? AND message_id IS NULL`, id)
	if err != nil {
		return false, classify(err, "db.DeleteOrphanedAttachment")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func collectAttachments(rows *sql.Rows, op string) ([]Attachment, error) {
	defer rows.Close()
	var out []Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, classify(err, op+".Scan")
		}
		out = append(out, *a)
	}
	return out, classify(rows.Err(), op+".Rows")
}
