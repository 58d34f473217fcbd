package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"parley/internal/messaging"
)

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	opts := messaging.ListOptions{
		Limit:        queryInt(r, "limit"),
		Offset:       queryInt(r, "offset"),
		ThreadRootID: r.URL.Query().Get("thread_root_id"),
	}
	msgs, err := h.svc.ListMessages(r.Context(), caller(r), chi.URLParam(r, "id"), opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, emptyIfNil(msgs))
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.GetMessage(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, m)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content         string          `json:"content"`
		Metadata        json.RawMessage `json:"metadata"`
		ParentMessageID string          `json:"parent_message_id"`
		AttachmentIDs   []string        `json:"attachment_ids"`
	}
	if !decode(w, r, &req) {
		return
	}
	m, err := h.svc.SendMessage(r.Context(), caller(r), messaging.NewMessage{
		ChannelID:       chi.URLParam(r, "id"),
		Content:         req.Content,
		Metadata:        req.Metadata,
		ParentMessageID: req.ParentMessageID,
		AttachmentIDs:   req.AttachmentIDs,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	created(w, m)
}

func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decode(w, r, &req) {
		return
	}
	m, err := h.svc.EditMessage(r.Context(), caller(r), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, m)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.DeleteMessage(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, m)
}

// LinkAttachments attaches already staged uploads to an existing message.
func (h *Handler) LinkAttachments(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AttachmentIDs []string `json:"attachment_ids"`
	}
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := h.svc.LinkToMessage(ctx, caller(r), req.AttachmentIDs, id); err != nil {
		h.fail(w, r, err)
		return
	}
	m, err := h.svc.GetMessage(ctx, caller(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, m)
}

func (h *Handler) AddReaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Emoji string `json:"emoji"`
	}
	if !decode(w, r, &req) {
		return
	}
	summary, err := h.svc.AddReaction(r.Context(), caller(r), chi.URLParam(r, "id"), req.Emoji)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, emptyIfNil(summary))
}

func (h *Handler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.RemoveReaction(r.Context(), caller(r), chi.URLParam(r, "id"), chi.URLParam(r, "emoji"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, emptyIfNil(summary))
}

func (h *Handler) ListMentions(w http.ResponseWriter, r *http.Request) {
	mentions, err := h.svc.ListUnreadMentions(r.Context(), caller(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, emptyIfNil(mentions))
}

func (h *Handler) MarkMentionRead(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.MarkMentionRead(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, m)
}

func (h *Handler) MarkChannelRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LastMessageID string `json:"last_message_id"`
	}
	// The body is optional.
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	rs, err := h.svc.MarkChannelRead(r.Context(), caller(r), chi.URLParam(r, "id"), req.LastMessageID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, rs)
}

func (h *Handler) GetUnread(w http.ResponseWriter, r *http.Request) {
	rs, err := h.svc.GetUnreadCount(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, rs)
}

func (h *Handler) StartTyping(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.StartTyping(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, t)
}

func (h *Handler) StopTyping(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.StopTyping(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, map[string]string{"message": "stopped"})
}

func (h *Handler) ListTyping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID := chi.URLParam(r, "id")
	if err := h.svc.CanSubscribe(ctx, caller(r), channelID); err != nil {
		h.fail(w, r, err)
		return
	}
	typing, err := h.svc.ListTyping(ctx, channelID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, emptyIfNil(typing))
}
