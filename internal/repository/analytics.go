package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Analytics event kinds.
const (
	EventKindEvaluation = "evaluation"
	EventKindCustom     = "custom"
)

// AnalyticsEvent is one event reported by an SDK: either a recorded flag
// evaluation or a custom event keyed by name. Value holds the served
// variation value for evaluations; Data holds free-form custom payloads.
type AnalyticsEvent struct {
	EnvironmentID string          `json:"environment_id"`
	Kind          string          `json:"kind"`
	FlagKey       string          `json:"flag_key"`
	VariationID   string          `json:"variation_id"`
	ContextKey    string          `json:"context_key"`
	ContextKind   string          `json:"context_kind"`
	Reason        string          `json:"reason"`
	Value         json.RawMessage `json:"value,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// EvaluationCount is the number of evaluations of one flag in a time window.
type EvaluationCount struct {
	FlagKey string `json:"flag_key"`
	Count   int64  `json:"count"`
}

// VariationCount is the number of times one variation of a flag was served.
type VariationCount struct {
	VariationID string `json:"variation_id"`
	Count       int64  `json:"count"`
}

// InsertAnalyticsEvents bulk-inserts a batch of evaluation events. The whole
// batch succeeds or fails together so a failed flush can be retried as a
// unit.
func (r *PostgresRepository) InsertAnalyticsEvents(ctx context.Context, events []AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(events))
	for _, event := range events {
		kind := event.Kind
		if kind == "" {
			kind = EventKindEvaluation
		}
		rows = append(rows, []any{
			event.EnvironmentID,
			kind,
			event.FlagKey,
			event.VariationID,
			event.ContextKey,
			event.ContextKind,
			event.Reason,
			nullableJSON(event.Value),
			nullableJSON(event.Data),
			event.OccurredAt,
		})
	}

	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"analytics_events"},
		[]string{"environment_id", "kind", "flag_key", "variation_id", "context_key", "context_kind", "reason", "value", "data", "occurred_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("insert analytics events: %w", err)
	}

	return nil
}

// nullableJSON maps an absent payload to SQL NULL rather than an empty
// JSONB document.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// EvaluationCounts returns per-flag evaluation totals for an environment
// since the given time, most evaluated first.
func (r *PostgresRepository) EvaluationCounts(ctx context.Context, environmentID string, since time.Time) ([]EvaluationCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT flag_key, COUNT(*)
		FROM analytics_events
		WHERE environment_id = $1 AND kind = 'evaluation' AND occurred_at >= $2
		GROUP BY flag_key
		ORDER BY COUNT(*) DESC, flag_key
	`, environmentID, since)
	if err != nil {
		return nil, fmt.Errorf("evaluation counts: %w", err)
	}
	defer rows.Close()

	counts := make([]EvaluationCount, 0)
	for rows.Next() {
		var count EvaluationCount
		if err := rows.Scan(&count.FlagKey, &count.Count); err != nil {
			return nil, fmt.Errorf("scan evaluation count: %w", err)
		}
		counts = append(counts, count)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evaluation count rows: %w", err)
	}

	return counts, nil
}

// VariationBreakdown returns how often each variation of one flag was served
// in an environment since the given time.
func (r *PostgresRepository) VariationBreakdown(ctx context.Context, environmentID, flagKey string, since time.Time) ([]VariationCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT variation_id, COUNT(*)
		FROM analytics_events
		WHERE environment_id = $1 AND flag_key = $2 AND kind = 'evaluation' AND occurred_at >= $3
		GROUP BY variation_id
		ORDER BY COUNT(*) DESC, variation_id
	`, environmentID, flagKey, since)
	if err != nil {
		return nil, fmt.Errorf("variation breakdown: %w", err)
	}
	defer rows.Close()

	counts := make([]VariationCount, 0)
	for rows.Next() {
		var count VariationCount
		if err := rows.Scan(&count.VariationID, &count.Count); err != nil {
			return nil, fmt.Errorf("scan variation count: %w", err)
		}
		counts = append(counts, count)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("variation count rows: %w", err)
	}

	return counts, nil
}

// StaleFlags returns keys of non-archived flags in a project with no recorded
// evaluation in any environment since the given time.
func (r *PostgresRepository) StaleFlags(ctx context.Context, projectID string, since time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT f.key
		FROM flags f
		WHERE f.project_id = $1
		  AND NOT f.archived
		  AND NOT EXISTS (
			SELECT 1
			FROM analytics_events e
			JOIN environments env ON env.id = e.environment_id
			WHERE env.project_id = f.project_id
			  AND e.flag_key = f.key
			  AND e.kind = 'evaluation'
			  AND e.occurred_at >= $2
		  )
		ORDER BY f.key
	`, projectID, since)
	if err != nil {
		return nil, fmt.Errorf("stale flags: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan stale flag: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale flag rows: %w", err)
	}

	return keys, nil
}
