package internal

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/swipehire/matchchat/internal/auth"
)

// Middleware validates the caller's JWT. The token is taken from the
// Authorization header, then the jwt cookie, then the token query parameter
// (browsers cannot set headers on a websocket upgrade).
func Middleware(secret, issuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				http.Error(w, `{"error":"missing access token"}`, http.StatusUnauthorized)
				return
			}

			user, err := auth.ValidateJWT(token, secret, issuer)
			if err != nil {
				slog.WarnContext(r.Context(), "rejected access token",
					"error", err,
					"path", r.URL.Path)
				http.Error(w, `{"error":"invalid access token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}

	if c, err := r.Cookie("jwt"); err == nil && c.Value != "" {
		return c.Value
	}

	return r.URL.Query().Get("token")
}
