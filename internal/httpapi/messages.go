package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/webforge/internal/agent"
	"github.com/nextlevelbuilder/webforge/internal/store"
)

// handleCreateMessage is the core entry point of a turn: persist the
// user message (length-capped), create the empty assistant row, start
// the loop in the background and return the assistant row immediately.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	userID := userIDFromContext(r.Context())
	if !s.allowRate(userID) {
		writeError(w, http.StatusTooManyRequests, "too many messages, slow down")
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &body); err != nil || strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	content := body.Content
	if s.cfg.Agent.TruncationEnabled {
		content = agent.TruncateUserInput(content, s.cfg.Agent.MaxUserInputLength, s.cfg.Agent.TruncationWarning)
	}

	userMessage := &store.Message{
		SessionID: sess.ID,
		Role:      store.RoleUser,
		Content:   content,
	}
	if err := s.stores.Messages.Create(r.Context(), userMessage); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist message")
		return
	}

	assistant := &store.Message{
		SessionID: sess.ID,
		Role:      store.RoleAssistant,
		Content:   "",
	}
	if err := s.stores.Messages.Create(r.Context(), assistant); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create assistant message")
		return
	}

	if s.cfg.Agent.Enabled {
		// The loop outlives this request; detach it from the request
		// context so a fast client disconnect cannot cancel the turn.
		go s.loop.Run(context.Background(), agent.Turn{
			SessionID:   sess.ID,
			UserID:      userID,
			AssistantID: assistant.ID,
		})
	}

	writeJSON(w, http.StatusOK, assistant)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.readableSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	messages, err := s.stores.Messages.ListBySession(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.readableSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	messageID, err := strconv.ParseInt(r.PathValue("message_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	s.writeSteps(w, r, sess.ID, messageID)
}

// handleLatestSteps serves the steps of the session's newest assistant
// message, the one-shot polling endpoint.
func (s *Server) handleLatestSteps(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.readableSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	latest, err := s.stores.Messages.LatestAssistant(r.Context(), sess.ID)
	if isNotFound(err) {
		writeJSON(w, http.StatusOK, []store.ExecutionStep{})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load latest message")
		return
	}
	s.writeSteps(w, r, sess.ID, latest.ID)
}

func (s *Server) writeSteps(w http.ResponseWriter, r *http.Request, sessionID string, messageID int64) {
	steps, err := s.stores.Steps.ListByMessage(r.Context(), messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list steps")
		return
	}
	// Steps are keyed by message; reject cross-session probing.
	filtered := make([]store.ExecutionStep, 0, len(steps))
	for _, st := range steps {
		if st.SessionID == sessionID {
			filtered = append(filtered, st)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}
