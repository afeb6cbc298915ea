package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/middleware"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/repository"
)

type eventsRequest struct {
	Events json.RawMessage `json:"events"`
}

type eventPayload struct {
	Kind        string          `json:"kind,omitempty"`
	FlagKey     string          `json:"flagKey,omitempty"`
	Key         string          `json:"key,omitempty"`
	VariationID string          `json:"variationId,omitempty"`
	ContextKey  string          `json:"contextKey,omitempty"`
	ContextKind string          `json:"contextKind,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	OccurredAt  *time.Time      `json:"occurredAt,omitempty"`
	Timestamp   *time.Time      `json:"timestamp,omitempty"`
}

// handleEvents ingests a batch of SDK events, evaluation records and custom
// events alike. Events are buffered and persisted asynchronously, so the
// handler acknowledges with 202 before anything hits storage. The body is
// decoded leniently; the array shape of "events" is the only requirement.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	env, ok := middleware.EnvironmentFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing environment")
		return
	}

	var req eventsRequest
	if err := decodeJSONBodyLenient(w, r, s.maxBody, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	payloads, err := parseEventArray(req.Events)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now()
	events := make([]repository.AnalyticsEvent, 0, len(payloads))
	for _, p := range payloads {
		occurred := now
		switch {
		case p.OccurredAt != nil && !p.OccurredAt.IsZero():
			occurred = *p.OccurredAt
		case p.Timestamp != nil && !p.Timestamp.IsZero():
			occurred = *p.Timestamp
		}
		kind := p.Kind
		if kind != repository.EventKindCustom {
			kind = repository.EventKindEvaluation
		}
		flagKey := p.FlagKey
		if flagKey == "" {
			flagKey = p.Key
		}
		events = append(events, repository.AnalyticsEvent{
			EnvironmentID: env.ID,
			Kind:          kind,
			FlagKey:       flagKey,
			VariationID:   p.VariationID,
			ContextKey:    p.ContextKey,
			ContextKind:   p.ContextKind,
			Reason:        p.Reason,
			Value:         p.Value,
			Data:          p.Data,
			OccurredAt:    occurred,
		})
	}
	if len(events) > 0 {
		s.events.Record(events...)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(events)})
}

// parseEventArray enforces the one shape requirement on the events field: it
// must be a JSON array. Individual event objects are accepted as-is since
// SDK versions differ in which fields they send.
func parseEventArray(raw json.RawMessage) ([]eventPayload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errInvalidEvents
	}
	var payloads []eventPayload
	if err := json.Unmarshal(trimmed, &payloads); err != nil {
		return nil, errInvalidEvents
	}
	return payloads, nil
}

var errInvalidEvents = errors.New("events must be an array")
