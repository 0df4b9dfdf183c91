package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/storage"
	"github.com/rs/zerolog"
)

// contextKey is used for storing values in request context.
type contextKey string

const userIDKey contextKey = "user_id"

// UserID returns the authenticated user id from a request context.
// The zero value only appears on unauthenticated routes.
func UserID(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

// AuthMiddleware resolves `Authorization: Bearer <session>` to a user
// id via the session store. Requests without a live session get 401.
func AuthMiddleware(store storage.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				RespondError(w, http.StatusUnauthorized, apperr.New(apperr.KindValidation, "missing session token"))
				return
			}

			sess, err := store.GetSession(r.Context(), token)
			if err != nil {
				if apperr.KindOf(err) == apperr.KindNotFound {
					RespondError(w, http.StatusUnauthorized, apperr.New(apperr.KindValidation, "invalid or expired session"))
				} else {
					RespondInternalError(w, err)
				}
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, sess.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// RequestLoggingMiddleware logs request completions with status and duration.
// The health endpoint logs at debug to keep orchestrator probes out of the logs.
func RequestLoggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			ev := log.Info()
			switch {
			case wrapped.statusCode >= 500:
				ev = log.Error()
			case wrapped.statusCode >= 400:
				ev = log.Warn()
			case r.URL.Path == "/api/health" || r.URL.Path == "/metrics":
				ev = log.Debug()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Str("client_ip", clientIP(r)).
				Msg("request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// clientIP extracts the client address, honouring reverse-proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[:i]
	}
	return addr
}

// ChainMiddleware chains middleware; the first one wraps outermost.
func ChainMiddleware(h http.Handler, middleware ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}
