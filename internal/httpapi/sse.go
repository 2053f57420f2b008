package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/webforge/internal/bus"
)

// formatSSE renders one server-sent event block. Multi-line data is
// split into one data: line per line, terminated by a blank line.
func formatSSE(id, event string, data any) ([]byte, error) {
	var payload bytes.Buffer
	enc := json.NewEncoder(&payload)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range bytes.Split(bytes.TrimRight(payload.Bytes(), "\n"), []byte("\n")) {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// handleStream is the SSE endpoint. It emits a sync snapshot when a turn
// is in flight, then forwards live events with periodic heartbeats, and
// closes after a terminal event. Historical replay is the step-list
// endpoints' job.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.readableSession(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(id, event string, data any) bool {
		block, err := formatSSE(id, event, data)
		if err != nil {
			slog.Warn("failed to format SSE event", "event", event, "error", err)
			return true
		}
		if _, err := w.Write(block); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Sync snapshot: if the latest assistant message is mid-turn, tell
	// the client so it can fetch the back-log from the step endpoints.
	if latest, err := s.stores.Messages.LatestAssistant(r.Context(), sess.ID); err == nil {
		if step, err := s.stores.Steps.LatestByMessage(r.Context(), latest.ID); err == nil && !step.Status.Terminal() {
			if !send("", bus.EventSync, map[string]any{
				"message_id":  latest.ID,
				"latest_step": step,
				"is_running":  true,
			}) {
				return
			}
		}
	}

	queue := s.hub.Acquire(sess.ID)
	defer s.hub.Release(sess.ID)
	slog.Info("sse stream started", "session", sess.ID)
	defer slog.Info("sse stream closed", "session", sess.ID)

	heartbeat := time.Duration(s.cfg.Events.HeartbeatSeconds) * time.Second
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	timer := time.NewTimer(heartbeat)
	defer timer.Stop()

	pings := 0
	ctx := r.Context()

	// Single reader goroutine; it unblocks when the request context is
	// cancelled (client gone or handler returning).
	events := make(chan bus.Event)
	go func() {
		defer close(events)
		for {
			ev, err := queue.Get(ctx)
			if err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if !send(ev.ID, ev.Name, ev.Payload) {
				return
			}
			if terminalOnWire(ev.Name) {
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(heartbeat)
		case <-timer.C:
			pings++
			if !send(fmt.Sprintf("ping_%d", pings), bus.EventPing, map[string]any{
				"ping":      pings,
				"timestamp": float64(time.Now().UnixNano()) / float64(time.Second),
			}) {
				return
			}
			timer.Reset(heartbeat)
		case <-ctx.Done():
			return
		}
	}
}

// terminalOnWire mirrors the close condition of the stream: the step
// statuses completed/failed and the loop's done signal.
func terminalOnWire(name string) bool {
	return name == bus.EventCompleted || name == bus.EventFailed || name == bus.EventDone
}
