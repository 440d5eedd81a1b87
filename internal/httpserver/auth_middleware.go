package httpserver

import (
	"context"
	"net/http"
	"strings"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
	"portalchat/internal/service"
)

type contextKey string

const userContextKey contextKey = "currentUser"

// WithUser returns a new context carrying the current user.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// CurrentUser extracts the current user from context, if any.
func CurrentUser(r *http.Request) *domain.User {
	if u, ok := r.Context().Value(userContextKey).(*domain.User); ok {
		return u
	}
	return nil
}

// AuthMiddleware validates the Bearer access token and attaches the user to
// the context. Clients answer a 401 by refreshing and retrying.
func AuthMiddleware(auth *service.AuthService, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if len(header) <= 7 || !strings.EqualFold(header[:7], "bearer ") {
				writeError(w, log, r, domain.ErrUnauthorized)
				return
			}

			user, err := auth.Authenticate(r.Context(), strings.TrimSpace(header[7:]))
			if err != nil {
				log.Debug("auth rejected", "path", r.URL.Path, "error", err)
				writeError(w, log, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
