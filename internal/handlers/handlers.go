package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"parley/internal/apperr"
	"parley/internal/messaging"
	mw "parley/internal/middleware"
	"parley/internal/realtime"
)

// maxJSONBody caps request bodies other than uploads.
const maxJSONBody = 1 << 20

type Options struct {
	AllowedOrigin  string
	MaxUploadBytes int64
}

type Handler struct {
	svc      *messaging.Service
	bus      *realtime.Bus
	hub      *Hub
	log      zerolog.Logger
	upgrader websocket.Upgrader
	opts     Options
}

func New(svc *messaging.Service, bus *realtime.Bus, hub *Hub, logger zerolog.Logger, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = messaging.DefaultMaxUploadBytes
	}
	return &Handler{
		svc:      svc,
		bus:      bus,
		hub:      hub,
		log:      logger.With().Str("component", "http").Logger(),
		upgrader: makeUpgrader(opts.AllowedOrigin),
		opts:     opts,
	}
}

// makeUpgrader builds a WebSocket upgrader that validates the Origin header.
// If allowedOrigin is empty only same-host origins are permitted.
func makeUpgrader(allowedOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients send no Origin.
				return true
			}
			if allowedOrigin != "" {
				return origin == allowedOrigin
			}
			return origin == "http://"+r.Host || origin == "https://"+r.Host
		},
	}
}

// --- Response helpers ---

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func ok(w http.ResponseWriter, data interface{}) {
	respond(w, http.StatusOK, data)
}

func created(w http.ResponseWriter, data interface{}) {
	respond(w, http.StatusCreated, data)
}

func errResp(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}

func statusOf(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodePermissionDenied:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeTransientStore:
		return http.StatusServiceUnavailable
	case apperr.CodePermanentFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// fail writes err as a JSON error. Causes are logged, never returned.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := statusOf(code)
	msg := "internal error"
	var ae *apperr.AppError
	if errors.As(err, &ae) && status != http.StatusInternalServerError {
		msg = ae.Message
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	respond(w, status, map[string]string{"error": msg, "code": string(code)})
}

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func caller(r *http.Request) string {
	return mw.CallerID(r)
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

// emptyIfNil keeps list responses as [] rather than null.
func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
