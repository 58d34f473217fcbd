package middleware

import (
	"context"
	"net/http"
	"strings"

	"parley/internal/auth"
)

type contextKey string

const UserClaimsKey contextKey = "user_claims"

// TokenCookie is checked when no Authorization header is present.
const TokenCookie = "parley_token"

func Auth(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := ""

			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				tokenStr = strings.TrimPrefix(h, "Bearer ")
			}
			if tokenStr == "" {
				if cookie, err := r.Cookie(TokenCookie); err == nil {
					tokenStr = cookie.Value
				}
			}
			// Browsers cannot set headers on a WebSocket handshake.
			if tokenStr == "" && isUpgrade(r) {
				tokenStr = r.URL.Query().Get("token")
			}

			if tokenStr == "" {
				unauthorized(w, "unauthorized")
				return
			}

			claims, err := svc.ValidateToken(tokenStr)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), UserClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetClaims(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(UserClaimsKey).(*auth.Claims)
	return claims
}

// CallerID returns the authenticated user id, or "" outside Auth.
func CallerID(r *http.Request) string {
	if c := GetClaims(r); c != nil {
		return c.UserID
	}
	return ""
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
