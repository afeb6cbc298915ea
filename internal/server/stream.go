package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/middleware"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/stream"
)

// handleStream serves a server-sent event stream for the authenticated
// environment. The connection is subscribed to the hub before the initial
// snapshot is written, so updates racing the snapshot are queued rather than
// lost; at worst the client sees the same state twice.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	env, ok := middleware.EnvironmentFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing environment")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.hub.Subscribe(env.ID)
	defer sub.Unsubscribe()

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	flags, err := s.svc.FlagsForEnvironment(r.Context(), env.ProjectID, env.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	eventID := 1
	if err := writeSSEEvent(w, eventID, stream.EventPut, stream.Event{
		Type:  stream.EventPut,
		Flags: flags,
	}); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			eventID++
			if err := writeSSEEvent(w, eventID, event.Type, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if err := writeSSEComment(w, "heartbeat"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one event in the text/event-stream framing: id and
// event lines, a single data line, and a terminating blank line.
func writeSSEEvent(w http.ResponseWriter, id int, eventType string, payload any) error {
	data, err := compactSSEPayload(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, eventType, data)
	return err
}

// writeSSEComment writes a comment line, used as a keep-alive so proxies do
// not drop idle connections.
func writeSSEComment(w http.ResponseWriter, comment string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", comment)
	return err
}

// compactSSEPayload marshals payload to a single line of JSON. SSE data
// fields are newline-delimited, so embedded newlines would corrupt framing.
func compactSSEPayload(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
