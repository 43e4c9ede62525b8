package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"qms/walkin-queue/internal/store"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type authContextKey struct{}

var staffRoles = map[string]bool{
	"staff": true,
	"admin": true,
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.sessions == nil {
			next.ServeHTTP(w, r)
			return
		}
		session, status, code, message := h.authenticate(r.Context(), sessionIDFromRequest(r))
		if status != 0 {
			writeError(w, requestIDFromRequest(r), status, code, message)
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) authenticate(ctx context.Context, sessionID string) (store.Session, int, string, string) {
	if sessionID == "" {
		return store.Session{}, http.StatusUnauthorized, "unauthorized", "missing session"
	}
	session, err := h.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return store.Session{}, http.StatusUnauthorized, "unauthorized", "invalid session"
		}
		h.logger.Error("session lookup failed", zap.Error(err))
		return store.Session{}, http.StatusServiceUnavailable, "store_unavailable", "session lookup failed"
	}
	return session, 0, "", ""
}

// requireStaff admits only sessions allowed to change queue state. Without a
// session store configured every caller is trusted.
func requireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, ok := sessionFromContext(r.Context())
		if ok && !staffRoles[strings.ToLower(session.Role)] {
			writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "staff role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionFromContext(ctx context.Context) (store.Session, bool) {
	session, ok := ctx.Value(authContextKey{}).(store.Session)
	return session, ok
}

// echoRequestID returns the id assigned by middleware.RequestID to the caller.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(middleware.RequestIDHeader, requestIDFromRequest(r))
		next.ServeHTTP(w, r)
	})
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	if id := strings.TrimSpace(r.Header.Get("X-Session-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}

func requestIDFromRequest(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
