package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/webforge/internal/store"
)

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.stores.Sessions.ListByUser(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title    string `json:"title"`
		IsPublic bool   `json:"is_public"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		body.Title = "未命名会话"
	}

	userID := userIDFromContext(r.Context())
	sess := &store.Session{
		ID:       strings.ReplaceAll(uuid.NewString(), "-", ""),
		UserID:   userID,
		Title:    body.Title,
		IsPublic: body.IsPublic,
	}
	if err := s.stores.Sessions.Create(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	if err := s.fs.Initialize(userID, sess.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to initialize sandbox")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	var body struct {
		Title    *string `json:"title"`
		IsPublic *bool   `json:"is_public"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Title != nil {
		sess.Title = *body.Title
	}
	if body.IsPublic != nil {
		sess.IsPublic = *body.IsPublic
	}
	if err := s.stores.Sessions.Update(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err := s.stores.Sessions.Delete(r.Context(), sess.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if err := s.fs.DeleteSession(sess.UserID, sess.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete sandbox")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sandbox read endpoints.

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	files, err := s.fs.List(sess.UserID, sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	filename := r.PathValue("filename")
	content, err := s.fs.Read(sess.UserID, sess.ID, filename)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("File not found: %s", filename))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"filename": filename, "content": content})
}

// handlePreview serves index.html with a <base> tag injected so relative
// resources resolve through the static endpoint. Public sessions are
// viewable without a token.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.readableSession(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "This session is private")
		return
	}
	html, err := s.fs.Read(sess.UserID, sess.ID, "index.html")
	if err != nil {
		writeError(w, http.StatusNotFound, "index.html not found in sandbox")
		return
	}

	baseTag := fmt.Sprintf(`<base href="/api/sessions/%s/sandbox/static/">`, sess.ID)
	if strings.Contains(html, "<head>") {
		html = strings.Replace(html, "<head>", "<head>\n    "+baseTag, 1)
	} else {
		html = baseTag + html
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(html))
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.readableSession(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "This session is private")
		return
	}
	filename := r.PathValue("filename")
	content, err := s.fs.Read(sess.UserID, sess.ID, filename)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("File not found: %s", filename))
		return
	}

	mediaType := "text/plain; charset=utf-8"
	switch {
	case strings.HasSuffix(filename, ".css"):
		mediaType = "text/css; charset=utf-8"
	case strings.HasSuffix(filename, ".js"):
		mediaType = "application/javascript; charset=utf-8"
	case strings.HasSuffix(filename, ".html"):
		mediaType = "text/html; charset=utf-8"
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(content))
}
