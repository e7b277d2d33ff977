package api

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// TokenAuthConfig controls operator authentication.
type TokenAuthConfig struct {
	// TokenHash is the bcrypt hash of the accepted bearer token. When empty
	// every request is let through.
	TokenHash string

	// Logger for authentication events.
	Logger *slog.Logger
}

// TokenAuthMiddleware creates middleware that checks the bearer token
// against the configured bcrypt hash.
func (s *Server) TokenAuthMiddleware(config TokenAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if config.TokenHash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				config.Logger.Warn("auth failed: missing credentials",
					"path", r.URL.Path,
					"has_auth_header", authHeader != "",
				)
				http.Error(w, "unauthorized: missing credentials", http.StatusUnauthorized)
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if err := bcrypt.CompareHashAndPassword([]byte(config.TokenHash), []byte(token)); err != nil {
				config.Logger.Warn("auth failed: invalid token",
					"path", r.URL.Path,
					"remote", r.RemoteAddr,
				)
				http.Error(w, "unauthorized: invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// wrapHandler converts an http.HandlerFunc to use middleware.
func wrapHandler(h http.HandlerFunc, middleware func(http.Handler) http.Handler) http.HandlerFunc {
	return middleware(h).ServeHTTP
}
