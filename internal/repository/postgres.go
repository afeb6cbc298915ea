// Package repository provides PostgreSQL-backed persistence for flags,
// per-environment targeting configs, segments, scheduled changes, and
// analytics events. It also handles LISTEN/NOTIFY-based cache invalidation
// so every server process learns about config writes without polling the
// database into submission.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultNotifyChannel = "flag_config_changes"

// Flag is the persisted flag row, shared by every environment of a project.
type Flag struct {
	ProjectID   string          `json:"project_id"`
	Key         string          `json:"key"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Variations  json.RawMessage `json:"variations"`
	Archived    bool            `json:"archived"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// FlagConfig is the per-(flag, environment) targeting configuration row.
// Version increases monotonically on every write; clients use it to order
// updates.
type FlagConfig struct {
	ProjectID     string          `json:"project_id"`
	FlagKey       string          `json:"flag_key"`
	EnvironmentID string          `json:"environment_id"`
	On            bool            `json:"on"`
	OffVariation  string          `json:"off_variation_id"`
	Fallthrough   json.RawMessage `json:"fallthrough"`
	Targets       json.RawMessage `json:"targets"`
	Rules         json.RawMessage `json:"rules"`
	Prerequisites json.RawMessage `json:"prerequisites"`
	Version       int64           `json:"version"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Segment is the persisted segment row.
type Segment struct {
	ProjectID string          `json:"project_id"`
	Key       string          `json:"key"`
	Rules     json.RawMessage `json:"rules"`
	Included  json.RawMessage `json:"included"`
	Excluded  json.RawMessage `json:"excluded"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Environment is one deployable environment of a project. SDK clients
// authenticate with a credential in "keyID.secret" format; only the bcrypt
// hash of the secret is stored.
type Environment struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Key        string    `json:"key"`
	Name       string    `json:"name"`
	SDKKeyID   string    `json:"sdk_key_id"`
	SDKKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChangeNotification is the payload carried on the LISTEN/NOTIFY channel
// whenever a flag config is written. Origin identifies the writing process;
// the listener drops its own notifications since the local mutation path has
// already invalidated and broadcast.
type ChangeNotification struct {
	ProjectID     string `json:"project_id"`
	FlagKey       string `json:"flag_key"`
	EnvironmentID string `json:"environment_id"`
	Origin        string `json:"origin"`
}

// PostgresRepository implements persistence backed by a pgxpool connection
// pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
	instanceID    string
}

// Option configures a PostgresRepository.
type Option func(*PostgresRepository)

// WithNotifyChannel overrides the LISTEN/NOTIFY channel name used for flag
// config change notifications.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		if trimmed := strings.TrimSpace(channel); trimmed != "" {
			r.notifyChannel = trimmed
		}
	}
}

// NewPostgresRepository creates a repository on top of pool.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:          pool,
		notifyChannel: defaultNotifyChannel,
		instanceID:    uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetFlag retrieves a single flag by project and key. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetFlag(ctx context.Context, projectID, key string) (Flag, error) {
	var flag Flag
	err := r.pool.QueryRow(ctx, `
		SELECT project_id, key, type, description, variations, archived, created_at, updated_at
		FROM flags
		WHERE project_id = $1 AND key = $2
	`, projectID, key).Scan(
		&flag.ProjectID,
		&flag.Key,
		&flag.Type,
		&flag.Description,
		&flag.Variations,
		&flag.Archived,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	if err != nil {
		return Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns all non-archived flags of a project ordered by key.
func (r *PostgresRepository) ListFlags(ctx context.Context, projectID string) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT project_id, key, type, description, variations, archived, created_at, updated_at
		FROM flags
		WHERE project_id = $1 AND NOT archived
		ORDER BY key
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		var flag Flag
		if err := rows.Scan(
			&flag.ProjectID,
			&flag.Key,
			&flag.Type,
			&flag.Description,
			&flag.Variations,
			&flag.Archived,
			&flag.CreatedAt,
			&flag.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}

		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// ListFlagConfigs returns the configuration of one flag across every
// environment of its project.
func (r *PostgresRepository) ListFlagConfigs(ctx context.Context, projectID, flagKey string) ([]FlagConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT project_id, flag_key, environment_id, "on", off_variation_id,
		       fallthrough, targets, rules, prerequisites, version, updated_at
		FROM flag_configs
		WHERE project_id = $1 AND flag_key = $2
	`, projectID, flagKey)
	if err != nil {
		return nil, fmt.Errorf("list flag configs: %w", err)
	}
	defer rows.Close()

	return scanFlagConfigs(rows)
}

// UpdateFlagConfig replaces the targeting configuration of one
// (flag, environment) pair, bumps its version, and sends the change
// notification in the same transaction. Returns pgx.ErrNoRows (wrapped) if
// the config row does not exist.
func (r *PostgresRepository) UpdateFlagConfig(ctx context.Context, cfg FlagConfig) (FlagConfig, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return FlagConfig{}, fmt.Errorf("begin update config tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var updated FlagConfig
	err = tx.QueryRow(ctx, `
		UPDATE flag_configs
		SET "on" = $4,
		    off_variation_id = $5,
		    fallthrough = $6,
		    targets = $7,
		    rules = $8,
		    prerequisites = $9,
		    version = version + 1,
		    updated_at = NOW()
		WHERE project_id = $1 AND flag_key = $2 AND environment_id = $3
		RETURNING project_id, flag_key, environment_id, "on", off_variation_id,
		          fallthrough, targets, rules, prerequisites, version, updated_at
	`,
		cfg.ProjectID,
		cfg.FlagKey,
		cfg.EnvironmentID,
		cfg.On,
		cfg.OffVariation,
		ensureJSON(cfg.Fallthrough, "{}"),
		ensureJSON(cfg.Targets, "[]"),
		ensureJSON(cfg.Rules, "[]"),
		ensureJSON(cfg.Prerequisites, "[]"),
	).Scan(
		&updated.ProjectID,
		&updated.FlagKey,
		&updated.EnvironmentID,
		&updated.On,
		&updated.OffVariation,
		&updated.Fallthrough,
		&updated.Targets,
		&updated.Rules,
		&updated.Prerequisites,
		&updated.Version,
		&updated.UpdatedAt,
	)
	if err != nil {
		return FlagConfig{}, fmt.Errorf("update flag config: %w", err)
	}

	if err := r.notifyChange(ctx, tx, updated); err != nil {
		return FlagConfig{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return FlagConfig{}, fmt.Errorf("commit update config tx: %w", err)
	}

	return updated, nil
}

// SetFlagOn toggles one (flag, environment) pair on or off, bumps its
// version, and sends the change notification in the same transaction.
func (r *PostgresRepository) SetFlagOn(ctx context.Context, projectID, flagKey, environmentID string, on bool) (FlagConfig, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return FlagConfig{}, fmt.Errorf("begin toggle tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var updated FlagConfig
	err = tx.QueryRow(ctx, `
		UPDATE flag_configs
		SET "on" = $4,
		    version = version + 1,
		    updated_at = NOW()
		WHERE project_id = $1 AND flag_key = $2 AND environment_id = $3
		RETURNING project_id, flag_key, environment_id, "on", off_variation_id,
		          fallthrough, targets, rules, prerequisites, version, updated_at
	`, projectID, flagKey, environmentID, on).Scan(
		&updated.ProjectID,
		&updated.FlagKey,
		&updated.EnvironmentID,
		&updated.On,
		&updated.OffVariation,
		&updated.Fallthrough,
		&updated.Targets,
		&updated.Rules,
		&updated.Prerequisites,
		&updated.Version,
		&updated.UpdatedAt,
	)
	if err != nil {
		return FlagConfig{}, fmt.Errorf("toggle flag: %w", err)
	}

	if err := r.notifyChange(ctx, tx, updated); err != nil {
		return FlagConfig{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return FlagConfig{}, fmt.Errorf("commit toggle tx: %w", err)
	}

	return updated, nil
}

// DeleteFlagConfig removes one (flag, environment) config row and sends the
// change notification in the same transaction. Deleting a missing config
// returns pgx.ErrNoRows.
func (r *PostgresRepository) DeleteFlagConfig(ctx context.Context, projectID, flagKey, environmentID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete config tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM flag_configs
		WHERE project_id = $1 AND flag_key = $2 AND environment_id = $3
	`, projectID, flagKey, environmentID)
	if err != nil {
		return fmt.Errorf("delete flag config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	deleted := FlagConfig{ProjectID: projectID, FlagKey: flagKey, EnvironmentID: environmentID}
	if err := r.notifyChange(ctx, tx, deleted); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete config tx: %w", err)
	}
	return nil
}

// ListSegments returns all segments of a project ordered by key.
func (r *PostgresRepository) ListSegments(ctx context.Context, projectID string) ([]Segment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT project_id, key, rules, included, excluded, updated_at
		FROM segments
		WHERE project_id = $1
		ORDER BY key
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segments := make([]Segment, 0)
	for rows.Next() {
		var segment Segment
		if err := rows.Scan(
			&segment.ProjectID,
			&segment.Key,
			&segment.Rules,
			&segment.Included,
			&segment.Excluded,
			&segment.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}

		segments = append(segments, segment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list segments rows: %w", err)
	}

	return segments, nil
}

// GetEnvironment retrieves an environment by ID.
func (r *PostgresRepository) GetEnvironment(ctx context.Context, id string) (Environment, error) {
	var env Environment
	err := r.pool.QueryRow(ctx, `
		SELECT id, project_id, key, name, sdk_key_id, sdk_key_hash, created_at
		FROM environments
		WHERE id = $1
	`, id).Scan(
		&env.ID,
		&env.ProjectID,
		&env.Key,
		&env.Name,
		&env.SDKKeyID,
		&env.SDKKeyHash,
		&env.CreatedAt,
	)
	if err != nil {
		return Environment{}, fmt.Errorf("get environment: %w", err)
	}
	return env, nil
}

// GetEnvironmentBySDKKeyID retrieves the environment owning the given SDK
// credential ID. The stored hash is returned for constant-time verification
// by the caller.
func (r *PostgresRepository) GetEnvironmentBySDKKeyID(ctx context.Context, sdkKeyID string) (Environment, error) {
	var env Environment
	err := r.pool.QueryRow(ctx, `
		SELECT id, project_id, key, name, sdk_key_id, sdk_key_hash, created_at
		FROM environments
		WHERE sdk_key_id = $1
	`, sdkKeyID).Scan(
		&env.ID,
		&env.ProjectID,
		&env.Key,
		&env.Name,
		&env.SDKKeyID,
		&env.SDKKeyHash,
		&env.CreatedAt,
	)
	if err != nil {
		return Environment{}, fmt.Errorf("get environment by sdk key: %w", err)
	}
	return env, nil
}

// SubscribeFlagInvalidation returns a channel receiving a notification
// whenever a flag config change NOTIFY arrives on the PostgreSQL LISTEN
// channel, from this process or any sibling. The channel is closed when ctx
// is done.
func (r *PostgresRepository) SubscribeFlagInvalidation(ctx context.Context) (<-chan ChangeNotification, error) {
	notifications := make(chan ChangeNotification, 16)

	go r.runInvalidationListener(ctx, notifications)

	return notifications, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, notifications chan<- ChangeNotification) {
	defer close(notifications)

	for {
		err := r.listenForChanges(ctx, notifications)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForChanges(ctx context.Context, notifications chan<- ChangeNotification) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		pgNotification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for change notification: %w", err)
		}

		var change ChangeNotification
		if err := json.Unmarshal([]byte(pgNotification.Payload), &change); err != nil {
			continue
		}
		if change.Origin == r.instanceID {
			continue
		}

		select {
		case notifications <- change:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *PostgresRepository) notifyChange(ctx context.Context, tx pgx.Tx, cfg FlagConfig) error {
	payload, err := json.Marshal(ChangeNotification{
		ProjectID:     cfg.ProjectID,
		FlagKey:       cfg.FlagKey,
		EnvironmentID: cfg.EnvironmentID,
		Origin:        r.instanceID,
	})
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notify flag change: %w", err)
	}
	return nil
}

func scanFlagConfigs(rows pgx.Rows) ([]FlagConfig, error) {
	configs := make([]FlagConfig, 0)
	for rows.Next() {
		var cfg FlagConfig
		if err := rows.Scan(
			&cfg.ProjectID,
			&cfg.FlagKey,
			&cfg.EnvironmentID,
			&cfg.On,
			&cfg.OffVariation,
			&cfg.Fallthrough,
			&cfg.Targets,
			&cfg.Rules,
			&cfg.Prerequisites,
			&cfg.Version,
			&cfg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan flag config: %w", err)
		}

		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flag config rows: %w", err)
	}

	return configs, nil
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}
