package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Scheduled change types.
const (
	ChangeToggleOn        = "toggle_on"
	ChangeToggleOff       = "toggle_off"
	ChangeUpdateTargeting = "update_targeting"
)

// ScheduledChange is a deferred flag config mutation to be applied when its
// scheduled time arrives.
type ScheduledChange struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	FlagKey       string          `json:"flag_key"`
	EnvironmentID string          `json:"environment_id"`
	ChangeType    string          `json:"change_type"`
	Payload       json.RawMessage `json:"payload"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	Executed      bool            `json:"executed"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CreateScheduledChange persists a deferred change and returns it with its
// generated ID.
func (r *PostgresRepository) CreateScheduledChange(ctx context.Context, change ScheduledChange) (ScheduledChange, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO scheduled_changes (project_id, flag_key, environment_id, change_type, payload, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, project_id, flag_key, environment_id, change_type, payload, scheduled_at, executed, created_at
	`,
		change.ProjectID,
		change.FlagKey,
		change.EnvironmentID,
		change.ChangeType,
		ensureJSON(change.Payload, "{}"),
		change.ScheduledAt,
	).Scan(
		&change.ID,
		&change.ProjectID,
		&change.FlagKey,
		&change.EnvironmentID,
		&change.ChangeType,
		&change.Payload,
		&change.ScheduledAt,
		&change.Executed,
		&change.CreatedAt,
	)
	if err != nil {
		return ScheduledChange{}, fmt.Errorf("create scheduled change: %w", err)
	}

	return change, nil
}

// CancelScheduledChange deletes a pending change. Cancelling an executed or
// unknown change is a no-op.
func (r *PostgresRepository) CancelScheduledChange(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `
		DELETE FROM scheduled_changes
		WHERE id = $1 AND NOT executed
	`, id); err != nil {
		return fmt.Errorf("cancel scheduled change: %w", err)
	}
	return nil
}

// ListPendingScheduledChanges returns all unexecuted changes for an
// environment, soonest first.
func (r *PostgresRepository) ListPendingScheduledChanges(ctx context.Context, environmentID string) ([]ScheduledChange, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, flag_key, environment_id, change_type, payload, scheduled_at, executed, created_at
		FROM scheduled_changes
		WHERE environment_id = $1 AND NOT executed
		ORDER BY scheduled_at
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list pending scheduled changes: %w", err)
	}
	defer rows.Close()

	return scanScheduledChanges(rows)
}

// ListDueScheduledChanges returns unexecuted changes whose scheduled time is
// at or before now, oldest first.
func (r *PostgresRepository) ListDueScheduledChanges(ctx context.Context, now time.Time) ([]ScheduledChange, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, flag_key, environment_id, change_type, payload, scheduled_at, executed, created_at
		FROM scheduled_changes
		WHERE NOT executed AND scheduled_at <= $1
		ORDER BY scheduled_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due scheduled changes: %w", err)
	}
	defer rows.Close()

	return scanScheduledChanges(rows)
}

func scanScheduledChanges(rows pgx.Rows) ([]ScheduledChange, error) {
	changes := make([]ScheduledChange, 0)
	for rows.Next() {
		var change ScheduledChange
		if err := rows.Scan(
			&change.ID,
			&change.ProjectID,
			&change.FlagKey,
			&change.EnvironmentID,
			&change.ChangeType,
			&change.Payload,
			&change.ScheduledAt,
			&change.Executed,
			&change.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan scheduled change: %w", err)
		}

		changes = append(changes, change)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduled change rows: %w", err)
	}

	return changes, nil
}

// MarkScheduledChangeExecuted flags a change as applied so it is never picked
// up again.
func (r *PostgresRepository) MarkScheduledChangeExecuted(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `
		UPDATE scheduled_changes
		SET executed = TRUE
		WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("mark scheduled change executed: %w", err)
	}
	return nil
}
