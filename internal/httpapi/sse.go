package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stewardai/steward/pkg/schema"
)

// handleSubscribe streams the session's events as Server-Sent Events
// with "event: <type>\ndata: <json>\n\n" framing. Idle periods produce a
// ": keepalive" comment so proxies do not drop the connection. A late
// subscriber is bootstrapped with the full memory snapshot first.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if snap := s.deps.Engine.Snapshot(sessionID); snap != nil {
		writeSSE(w, schema.EventMemoryUpdate, snap)
		flusher.Flush()
	}

	for {
		if r.Context().Err() != nil {
			return
		}
		ev, err := s.deps.Bus.Next(sessionID, s.keepalive)
		if err != nil {
			// Close sentinel: the session's stream is over.
			return
		}
		if ev == nil {
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
			continue
		}
		writeSSE(w, ev.Type, ev.Data)
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
}
