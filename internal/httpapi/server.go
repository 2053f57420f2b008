// Package httpapi exposes the HTTP surface: auth, session CRUD, the
// create-message entry point of the agent loop, step listings, sandbox
// reads and the SSE live stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/webforge/internal/agent"
	"github.com/nextlevelbuilder/webforge/internal/auth"
	"github.com/nextlevelbuilder/webforge/internal/bus"
	"github.com/nextlevelbuilder/webforge/internal/config"
	"github.com/nextlevelbuilder/webforge/internal/sandbox"
	"github.com/nextlevelbuilder/webforge/internal/store"
)

// Server wires the handlers to their collaborators.
type Server struct {
	cfg    *config.Config
	stores *store.Stores
	fs     *sandbox.Service
	tokens *auth.Service
	hub    *bus.Hub
	loop   *agent.Loop

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// New creates the server.
func New(cfg *config.Config, stores *store.Stores, fs *sandbox.Service, tokens *auth.Service, hub *bus.Hub, loop *agent.Loop) *Server {
	return &Server{
		cfg:      cfg,
		stores:   stores,
		fs:       fs,
		tokens:   tokens,
		hub:      hub,
		loop:     loop,
		limiters: make(map[int64]*rate.Limiter),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("POST /api/sessions", s.requireAuth(s.handleCreateSession))
	mux.HandleFunc("GET /api/sessions/{session_id}", s.requireAuth(s.handleGetSession))
	mux.HandleFunc("PUT /api/sessions/{session_id}", s.requireAuth(s.handleUpdateSession))
	mux.HandleFunc("DELETE /api/sessions/{session_id}", s.requireAuth(s.handleDeleteSession))

	mux.HandleFunc("GET /api/sessions/{session_id}/sandbox/files", s.requireAuth(s.handleListFiles))
	mux.HandleFunc("GET /api/sessions/{session_id}/sandbox/files/{filename}", s.requireAuth(s.handleGetFile))
	mux.HandleFunc("GET /api/sessions/{session_id}/sandbox/preview", s.optionalAuth(s.handlePreview))
	mux.HandleFunc("GET /api/sessions/{session_id}/sandbox/static/{filename}", s.optionalAuth(s.handleStatic))

	mux.HandleFunc("POST /api/sessions/{session_id}/messages", s.requireAuth(s.handleCreateMessage))
	mux.HandleFunc("GET /api/sessions/{session_id}/messages", s.optionalAuth(s.handleListMessages))
	mux.HandleFunc("GET /api/sessions/{session_id}/messages/_internal/latest/execution-steps", s.optionalAuth(s.handleLatestSteps))
	mux.HandleFunc("GET /api/sessions/{session_id}/messages/{message_id}/execution-steps", s.optionalAuth(s.handleListSteps))
	mux.HandleFunc("GET /api/sessions/{session_id}/messages/stream", s.optionalAuth(s.handleStream))

	return mux
}

type ctxKey int

const userIDKey ctxKey = 0

func userIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// SSE consumers (EventSource) cannot set headers; accept ?token=.
	return r.URL.Query().Get("token")
}

// requireAuth rejects requests without a valid token.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.tokens.Validate(extractBearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

// optionalAuth resolves the user when a token is present; anonymous
// requests proceed with user id 0 (public sessions stay readable).
func (s *Server) optionalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := extractBearerToken(r); token != "" {
			if userID, err := s.tokens.Validate(token); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), userIDKey, userID))
			}
		}
		next(w, r)
	}
}

// ownedSession loads a session the caller must own. Missing and
// foreign sessions are both a 404.
func (s *Server) ownedSession(r *http.Request) (*store.Session, bool) {
	sess, err := s.stores.Sessions.Get(r.Context(), r.PathValue("session_id"))
	if err != nil || sess.UserID != userIDFromContext(r.Context()) {
		return nil, false
	}
	return sess, true
}

// readableSession loads a session the caller may read: the owner, or
// anyone when the session is public.
func (s *Server) readableSession(r *http.Request) (*store.Session, bool) {
	sess, err := s.stores.Sessions.Get(r.Context(), r.PathValue("session_id"))
	if err != nil {
		return nil, false
	}
	if sess.IsPublic || sess.UserID == userIDFromContext(r.Context()) {
		return sess, true
	}
	return nil, false
}

// allowRate enforces the per-user create-message budget.
func (s *Server) allowRate(userID int64) bool {
	rpm := s.cfg.Server.RateLimitRPM
	if rpm <= 0 {
		return true
	}
	s.mu.Lock()
	lim, ok := s.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
		s.limiters[userID] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
