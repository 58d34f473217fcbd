package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"parley/internal/db"
	"parley/internal/messaging"
)

func (h *Handler) CreateCommunity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	c, err := h.svc.CreateCommunity(r.Context(), req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	created(w, c)
}

func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.svc.ListChannels(r.Context(), caller(r), chi.URLParam(r, "scopeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, emptyIfNil(channels))
}

func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req messaging.NewChannel
	if !decode(w, r, &req) {
		return
	}
	req.ScopeID = chi.URLParam(r, "scopeID")

	ch, err := h.svc.CreateChannel(r.Context(), caller(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	created(w, ch)
}

func (h *Handler) JoinChannel(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.JoinChannel(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, m)
}

func (h *Handler) LeaveChannel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.LeaveChannel(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, map[string]string{"message": "left"})
}

func (h *Handler) ArchiveChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.svc.ArchiveChannel(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, ch)
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.svc.ListMembers(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, emptyIfNil(members))
}

// PutMember adds userID to the channel, or changes the role of an
// existing member.
func (h *Handler) PutMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role db.Role `json:"role"`
	}
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	channelID, userID := chi.URLParam(r, "id"), chi.URLParam(r, "userID")

	m, err := h.svc.AddMember(ctx, caller(r), channelID, userID, req.Role)
	if err == nil && req.Role != "" && m.Role != req.Role {
		m, err = h.svc.SetMemberRole(ctx, caller(r), channelID, userID, req.Role)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, m)
}

// StreamStatus reports the realtime stream state for a channel the
// caller can read.
func (h *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")
	if err := h.svc.CanSubscribe(r.Context(), caller(r), channelID); err != nil {
		h.fail(w, r, err)
		return
	}
	st, found := h.bus.Status(channelID)
	if !found {
		ok(w, map[string]interface{}{"state": "idle", "listeners": 0})
		return
	}
	ok(w, st)
}
