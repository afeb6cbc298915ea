package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/core"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/middleware"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/repository"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/service"
)

// handleFlags serves the full flag set for the authenticated environment.
// With a base64-encoded "context" query parameter it returns evaluation
// results per flag; without one it returns the raw flag definitions so SDKs
// can evaluate locally.
func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	env, ok := middleware.EnvironmentFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing environment")
		return
	}

	evalCtx, hasCtx, err := evaluationContextFromQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !hasCtx {
		flags, err := s.svc.FlagsForEnvironment(r.Context(), env.ProjectID, env.ID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"flags": flags})
		return
	}

	results, err := s.svc.EvaluateAll(r.Context(), env.ProjectID, env.ID, evalCtx)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.recordEvaluations(results)
	writeJSON(w, http.StatusOK, map[string]any{"flags": results})
}

// handleFlag evaluates a single flag for the authenticated environment. The
// "context" query parameter is required here; serving one raw definition has
// no SDK use case.
func (s *Server) handleFlag(w http.ResponseWriter, r *http.Request) {
	env, ok := middleware.EnvironmentFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing environment")
		return
	}

	evalCtx, hasCtx, err := evaluationContextFromQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !hasCtx {
		writeJSONError(w, http.StatusBadRequest, "context query parameter is required")
		return
	}

	result, err := s.svc.EvaluateFlag(r.Context(), env.ProjectID, env.ID, r.PathValue("flagKey"), evalCtx)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordEvaluation(string(result.Reason))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpdateTargeting(w http.ResponseWriter, r *http.Request) {
	env, ok := middleware.EnvironmentFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing environment")
		return
	}

	var req service.TargetingUpdate
	if err := decodeJSONBody(w, r, s.maxBody, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	flag, err := s.svc.UpdateTargeting(r.Context(), env.ProjectID, r.PathValue("flagKey"), env.ID, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

type toggleRequest struct {
	On bool `json:"on"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	env, ok := middleware.EnvironmentFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing environment")
		return
	}

	var req toggleRequest
	if err := decodeJSONBody(w, r, s.maxBody, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	flag, err := s.svc.SetFlagOn(r.Context(), env.ProjectID, r.PathValue("flagKey"), env.ID, req.On)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	env, ok := middleware.EnvironmentFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing environment")
		return
	}

	if err := s.svc.DeleteFlagConfig(r.Context(), env.ProjectID, r.PathValue("flagKey"), env.ID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scheduleChangeRequest struct {
	ChangeType  string          `json:"changeType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ScheduledAt time.Time       `json:"scheduledAt"`
}

func (s *Server) handleScheduleChange(w http.ResponseWriter, r *http.Request) {
	env, ok := middleware.EnvironmentFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing environment")
		return
	}

	var req scheduleChangeRequest
	if err := decodeJSONBody(w, r, s.maxBody, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	change, err := s.svc.ScheduleChange(r.Context(), repository.ScheduledChange{
		ProjectID:     env.ProjectID,
		FlagKey:       r.PathValue("flagKey"),
		EnvironmentID: env.ID,
		ChangeType:    req.ChangeType,
		Payload:       req.Payload,
		ScheduledAt:   req.ScheduledAt,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, change)
}

func (s *Server) handlePendingChanges(w http.ResponseWriter, r *http.Request) {
	env, ok := middleware.EnvironmentFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing environment")
		return
	}

	changes, err := s.svc.PendingChanges(r.Context(), env.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if changes == nil {
		changes = []repository.ScheduledChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

func (s *Server) handleCancelChange(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CancelScheduledChange(r.Context(), r.PathValue("changeID")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvaluationCounts(w http.ResponseWriter, r *http.Request) {
	env, ok := middleware.EnvironmentFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing environment")
		return
	}
	since, err := sinceFromQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	counts, err := s.svc.EvaluationCounts(r.Context(), env.ID, since)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *Server) handleVariationBreakdown(w http.ResponseWriter, r *http.Request) {
	env, ok := middleware.EnvironmentFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing environment")
		return
	}
	since, err := sinceFromQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	counts, err := s.svc.VariationBreakdown(r.Context(), env.ID, r.PathValue("flagKey"), since)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variations": counts})
}

func (s *Server) handleStaleFlags(w http.ResponseWriter, r *http.Request) {
	env, ok := middleware.EnvironmentFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing environment")
		return
	}
	since, err := sinceFromQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	keys, err := s.svc.StaleFlags(r.Context(), env.ProjectID, since)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"staleFlags": keys})
}

func (s *Server) recordEvaluations(results map[string]core.Result) {
	if s.metrics == nil {
		return
	}
	for _, res := range results {
		s.metrics.RecordEvaluation(string(res.Reason))
	}
}

// evaluationContextFromQuery decodes the optional base64-encoded "context"
// query parameter. Both standard and URL-safe base64 alphabets are accepted
// since SDKs differ in which they use for query strings.
func evaluationContextFromQuery(r *http.Request) (core.Context, bool, error) {
	raw := r.URL.Query().Get("context")
	if raw == "" {
		return core.Context{}, false, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(raw)
	}
	if err != nil {
		return core.Context{}, false, fmt.Errorf("context parameter is not valid base64")
	}

	var evalCtx core.Context
	if err := json.Unmarshal(decoded, &evalCtx); err != nil {
		return core.Context{}, false, fmt.Errorf("context parameter is not a valid JSON context")
	}
	return evalCtx, true, nil
}

const defaultAnalyticsWindow = 30 * 24 * time.Hour

// sinceFromQuery parses the optional RFC 3339 "since" query parameter,
// defaulting to a 30 day lookback.
func sinceFromQuery(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Now().Add(-defaultAnalyticsWindow), nil
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("since parameter must be an RFC 3339 timestamp")
	}
	return since, nil
}

// writeServiceError maps service layer errors to HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrFlagNotFound),
		errors.Is(err, service.ErrEnvironmentNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidTargeting), errors.Is(err, service.ErrInvalidChange):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInvalidCredential):
		writeJSONError(w, http.StatusUnauthorized, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, normalizeJSONDecodeError(err))
}

// decodeJSONBody decodes a request body into dst with a size cap, rejecting
// unknown fields and trailing data.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// decodeJSONBodyLenient decodes with the same size cap but tolerates unknown
// fields, for endpoints where SDK versions send payloads we do not model.
func decodeJSONBodyLenient(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

// normalizeJSONDecodeError turns json decoder errors into client-safe
// messages without leaking Go type names.
func normalizeJSONDecodeError(err error) string {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &maxBytesErr):
		return fmt.Sprintf("request body exceeds %d bytes", maxBytesErr.Limit)
	case errors.As(err, &syntaxErr):
		return fmt.Sprintf("request body contains malformed JSON at offset %d", syntaxErr.Offset)
	case errors.As(err, &typeErr):
		if typeErr.Field != "" {
			return fmt.Sprintf("request body has an invalid value for field %q", typeErr.Field)
		}
		return "request body has a value of the wrong type"
	case errors.Is(err, io.EOF):
		return "request body must not be empty"
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		field := strings.TrimPrefix(err.Error(), "json: unknown field ")
		return fmt.Sprintf("request body contains unknown field %s", field)
	default:
		return "request body is not valid JSON"
	}
}
