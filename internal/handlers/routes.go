package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"parley/internal/auth"
	mw "parley/internal/middleware"
)

// Router wires every route. limiter guards the mutating message routes
// and uploads; it may be nil.
func (h *Handler) Router(authSvc *auth.Service, limiter *mw.IPRateLimiter) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.CleanPath)

	limited := func(next http.Handler) http.Handler { return next }
	if limiter != nil {
		limited = limiter.Middleware
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ok(w, map[string]interface{}{"status": "ok", "clients": h.hub.Count()})
	})

	// Blob paths embed random ids and are served without auth, like any
	// public attachment URL.
	r.Get("/uploads/*", h.ServeUpload)

	r.Group(func(r chi.Router) {
		r.Use(mw.Auth(authSvc))

		r.Get("/ws", h.WebSocket)

		r.Post("/api/communities", h.CreateCommunity)
		r.Get("/api/communities/{scopeID}/channels", h.ListChannels)
		r.Post("/api/communities/{scopeID}/channels", h.CreateChannel)

		r.Post("/api/channels/{id}/join", h.JoinChannel)
		r.Post("/api/channels/{id}/leave", h.LeaveChannel)
		r.Post("/api/channels/{id}/archive", h.ArchiveChannel)
		r.Get("/api/channels/{id}/members", h.ListMembers)
		r.Put("/api/channels/{id}/members/{userID}", h.PutMember)
		r.Get("/api/channels/{id}/stream", h.StreamStatus)

		r.Get("/api/channels/{id}/messages", h.GetMessages)
		r.Get("/api/messages/{id}", h.GetMessage)
		r.Post("/api/channels/{id}/read", h.MarkChannelRead)
		r.Get("/api/channels/{id}/unread", h.GetUnread)
		r.Get("/api/channels/{id}/typing", h.ListTyping)
		r.Post("/api/channels/{id}/typing", h.StartTyping)
		r.Delete("/api/channels/{id}/typing", h.StopTyping)
		r.Get("/api/mentions", h.ListMentions)
		r.Post("/api/mentions/{id}/read", h.MarkMentionRead)

		r.Group(func(r chi.Router) {
			r.Use(limited)
			r.Post("/api/channels/{id}/messages", h.SendMessage)
			r.Put("/api/messages/{id}", h.EditMessage)
			r.Delete("/api/messages/{id}", h.DeleteMessage)
			r.Post("/api/messages/{id}/attachments", h.LinkAttachments)
			r.Post("/api/messages/{id}/reactions", h.AddReaction)
			r.Delete("/api/messages/{id}/reactions/{emoji}", h.RemoveReaction)
			r.Post("/api/upload", h.Upload)
		})
	})

	return r
}
