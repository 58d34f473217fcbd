package messaging

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/blake2b"

	"parley/internal/apperr"
	"parley/internal/blob"
	"parley/internal/db"
)

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	// SVG is excluded: served from our origin it would run embedded
	// scripts.
	"video/mp4":       true,
	"video/webm":      true,
	"audio/mpeg":      true,
	"audio/ogg":       true,
	"audio/wav":       true,
	"application/pdf": true,
	"text/plain":      true,
	"application/zip": true,
}

// contentTypeByExt rescues uploads whose sniffed type is too generic.
var contentTypeByExt = map[string]string{
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".zip":  "application/zip",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
	".mp4":  "video/mp4",
	".webm": "video/webm",
}

var errTooLarge = errors.New("upload exceeds size limit")

type Upload struct {
	FileName    string
	ContentType string
	Body        io.Reader
}

// StageUpload stores the body in the blob store and records an unlinked
// attachment owned by the caller. The row is written only after the blob
// is in place; if the row fails the blob is removed again.
func (s *Service) StageUpload(ctx context.Context, caller string, up Upload) (*db.Attachment, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	if up.Body == nil {
		return nil, apperr.Validation("no file provided")
	}
	name := sanitizeFileName(up.FileName)

	head := make([]byte, 512)
	n, err := io.ReadFull(up.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	head = head[:n]
	contentType, err := detectContentType(up.ContentType, name, head)
	if err != nil {
		return nil, err
	}

	att := &db.Attachment{
		ID:          db.NewID(),
		FileName:    name,
		ContentType: contentType,
		UploadedBy:  caller,
		CreatedAt:   s.now(),
	}
	att.StoragePath = caller + "/" + att.ID + "/" + name

	hash, _ := blake2b.New256(nil)
	guard := &sizeGuard{r: io.MultiReader(bytes.NewReader(head), up.Body), max: s.opts.MaxUploadBytes}
	url, err := s.blobs.Put(ctx, att.StoragePath, io.TeeReader(guard, hash))
	if err != nil {
		if errors.Is(err, errTooLarge) {
			return nil, apperr.Validation(fmt.Sprintf("file too large (max %dMB)", s.opts.MaxUploadBytes>>20))
		}
		if errors.Is(err, blob.ErrInvalidPath) {
			return nil, apperr.Validation("invalid file name")
		}
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to save file", err)
	}
	att.Size = guard.n
	att.StorageURL = url
	att.Checksum = hex.EncodeToString(hash.Sum(nil))

	if err := s.db.CreateAttachment(ctx, att); err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), att.StoragePath); derr != nil {
			s.log.Warn().Err(derr).Str("path", att.StoragePath).Msg("failed to remove blob of unrecorded upload")
		}
		return nil, err
	}
	s.log.Debug().Str("attachment_id", att.ID).Int64("size", att.Size).Str("type", contentType).Msg("upload staged")
	return att, nil
}

// LinkToMessage attaches staged uploads of the caller to one of the
// caller's messages.
func (s *Service) LinkToMessage(ctx context.Context, caller string, attachmentIDs []string, messageID string) error {
	if err := checkCaller(caller); err != nil {
		return err
	}
	m, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return notFoundAs(err, apperr.ErrMessageNotFound)
	}
	if m.IsDeleted {
		return apperr.ErrMessageNotFound
	}
	if m.UserID != caller {
		return apperr.ErrNotAuthor
	}
	return s.db.LinkAttachments(ctx, attachmentIDs, messageID, caller)
}

// OpenBlob opens a stored attachment body for serving.
func (s *Service) OpenBlob(ctx context.Context, path string) (blob.Object, error) {
	obj, err := s.blobs.Open(ctx, path)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, blob.ErrInvalidPath) {
		return nil, apperr.ErrAttachmentNotFound
	}
	return obj, err
}

// SweepOrphanedAttachments removes uploads never linked to a message
// within maxAge, blob and row, and returns how many went.
func (s *Service) SweepOrphanedAttachments(ctx context.Context, maxAge time.Duration) (int, error) {
	orphans, err := s.db.ListOrphanedAttachments(ctx, s.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, a := range orphans {
		ok, err := s.db.DeleteOrphanedAttachment(ctx, a.ID)
		if err != nil {
			return removed, err
		}
		if !ok {
			// linked since it was listed
			continue
		}
		if err := s.blobs.Delete(ctx, a.StoragePath); err != nil {
			s.log.Warn().Err(err).Str("path", a.StoragePath).Msg("failed to delete orphaned blob")
		}
		removed++
	}
	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("orphaned attachments swept")
	}
	return removed, nil
}

func detectContentType(declared, name string, head []byte) (string, error) {
	ct := declared
	if ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			ct = mt
		}
	}
	if ct == "" || ct == "application/octet-stream" {
		ct, _, _ = mime.ParseMediaType(http.DetectContentType(head))
	}
	if allowedContentTypes[ct] {
		return ct, nil
	}
	if byExt, ok := contentTypeByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return byExt, nil
	}
	return "", apperr.Validation("file type not allowed")
}

// sanitizeFileName keeps the base name with only letters, digits and a
// few separators.
func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > 128 {
		ext := filepath.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = strings.ToValidUTF8(out[:128-len(ext)], "") + ext
	}
	if out == "" {
		out = "file"
	}
	return out
}

// sizeGuard counts bytes and fails once more than max have been read.
type sizeGuard struct {
	r   io.Reader
	max int64
	n   int64
}

func (g *sizeGuard) Read(p []byte) (int, error) {
	n, err := g.r.Read(p)
	g.n += int64(n)
	if g.n > g.max {
		return n, errTooLarge
	}
	return n, err
}
