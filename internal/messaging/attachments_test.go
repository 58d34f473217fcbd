package messaging

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/apperr"
)

func TestStageUploadAndLink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.general(t, "A", "B")

	att, err := f.svc.StageUpload(ctx, "A", Upload{FileName: "../../notes 1.txt", Body: strings.NewReader("meeting notes")})
	require.NoError(t, err)
	assert.Equal(t, "notes_1.txt", att.FileName)
	assert.Equal(t, "text/plain", att.ContentType)
	assert.EqualValues(t, len("meeting notes"), att.Size)
	assert.Len(t, att.Checksum, 64)
	assert.Equal(t, "A/"+att.ID+"/notes_1.txt", att.StoragePath)
	assert.Equal(t, "/uploads/"+att.StoragePath, att.StorageURL)
	assert.Nil(t, att.MessageID)

	obj, err := f.svc.OpenBlob(ctx, att.StoragePath)
	require.NoError(t, err)
	body, _ := io.ReadAll(obj)
	obj.Close()
	assert.Equal(t, "meeting notes", string(body))

	// B cannot attach A's upload
	_, err = f.svc.SendMessage(ctx, "B", NewMessage{ChannelID: ch.ID, AttachmentIDs: []string{att.ID}})
	assert.ErrorIs(t, err, apperr.ErrAttachmentNotFound)

	msg := f.send(t, "A", NewMessage{ChannelID: ch.ID, AttachmentIDs: []string{att.ID}})
	require.Len(t, msg.Attachments, 1)

	// already linked
	_, err = f.svc.SendMessage(ctx, "A", NewMessage{ChannelID: ch.ID, AttachmentIDs: []string{att.ID}})
	assert.ErrorIs(t, err, apperr.ErrAttachmentNotFound)

	list, err := f.svc.ListMessages(ctx, "B", ch.ID, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Len(t, list[0].Attachments, 1)
	assert.Equal(t, att.ID, list[0].Attachments[0].ID)
}

func TestLinkToMessageRequiresAuthor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.general(t, "A", "B")
	msg := f.send(t, "A", NewMessage{ChannelID: ch.ID, Content: "see attached"})

	att, err := f.svc.StageUpload(ctx, "B", Upload{FileName: "a.txt", Body: strings.NewReader("x")})
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.LinkToMessage(ctx, "B", []string{att.ID}, msg.ID), apperr.ErrNotAuthor)

	mine, err := f.svc.StageUpload(ctx, "A", Upload{FileName: "b.txt", Body: strings.NewReader("y")})
	require.NoError(t, err)
	require.NoError(t, f.svc.LinkToMessage(ctx, "A", []string{mine.ID}, msg.ID))

	got, err := f.svc.GetMessage(ctx, "B", msg.ID)
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)
}

func TestStageUploadRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StageUpload(ctx, "A", Upload{FileName: "big.txt", Body: bytes.NewReader(bytes.Repeat([]byte("a"), 2<<10))})
	assertCode(t, err, apperr.CodeValidation)

	svg := `<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg"><script>alert(1)</script></svg>`
	_, err = f.svc.StageUpload(ctx, "A", Upload{FileName: "x.svg", ContentType: "image/svg+xml", Body: strings.NewReader(svg)})
	assertCode(t, err, apperr.CodeValidation)

	orphans, err := f.db.ListOrphanedAttachments(ctx, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestSweepOrphanedAttachments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.general(t, "A")

	orphan, err := f.svc.StageUpload(ctx, "A", Upload{FileName: "orphan.txt", Body: strings.NewReader("lost")})
	require.NoError(t, err)
	kept, err := f.svc.StageUpload(ctx, "A", Upload{FileName: "kept.txt", Body: strings.NewReader("found")})
	require.NoError(t, err)
	f.send(t, "A", NewMessage{ChannelID: ch.ID, AttachmentIDs: []string{kept.ID}})

	n, err := f.svc.SweepOrphanedAttachments(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Hour + time.Second)
	n, err = f.svc.SweepOrphanedAttachments(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.db.GetAttachment(ctx, orphan.ID)
	assertCode(t, err, apperr.CodeNotFound)
	_, err = f.svc.OpenBlob(ctx, orphan.StoragePath)
	assert.ErrorIs(t, err, apperr.ErrAttachmentNotFound)

	obj, err := f.svc.OpenBlob(ctx, kept.StoragePath)
	require.NoError(t, err)
	obj.Close()
}

func TestFailedSendLeavesUploadForSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.general(t, "A")

	att, err := f.svc.StageUpload(ctx, "A", Upload{FileName: "draft.txt", Body: strings.NewReader("draft")})
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, "A", NewMessage{
		ChannelID:     ch.ID,
		Content:       strings.Repeat("x", 5000),
		AttachmentIDs: []string{att.ID},
	})
	assert.ErrorIs(t, err, apperr.ErrMessageTooLong)

	staged, err := f.db.GetAttachment(ctx, att.ID)
	require.NoError(t, err)
	assert.Nil(t, staged.MessageID)

	f.clock.Advance(time.Hour + time.Second)
	n, err := f.svc.SweepOrphanedAttachments(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.db.GetAttachment(ctx, att.ID)
	assertCode(t, err, apperr.CodeNotFound)
	_, err = f.svc.OpenBlob(ctx, att.StoragePath)
	assert.ErrorIs(t, err, apperr.ErrAttachmentNotFound)
}

func TestSanitizeFileName(t *testing.T) {
	cases := map[string]string{
		"report.pdf":          "report.pdf",
		`C:\Users\me\a b.png`: "a_b.png",
		"...":                 "file",
		"<script>.txt":        "script.txt",
		"":                    "file",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeFileName(in), in)
	}
}
