package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/core"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/repository"
)

// TargetingUpdate is a full replacement of one flag's targeting in one
// environment.
type TargetingUpdate struct {
	On             bool                    `json:"on"`
	OffVariationID string                  `json:"offVariationId"`
	Fallthrough    core.VariationOrRollout `json:"fallthrough"`
	Targets        []core.IndividualTarget `json:"targets"`
	Rules          []core.TargetingRule    `json:"rules"`
	Prerequisites  []core.Prerequisite     `json:"prerequisites"`
}

// UpdateTargeting replaces the targeting config of one (flag, environment)
// pair. On success the cache entry is invalidated and the fresh projection
// is broadcast to the environment's stream subscribers, in that order.
func (s *Service) UpdateTargeting(ctx context.Context, projectID, flagKey, environmentID string, update TargetingUpdate) (core.Flag, error) {
	if err := validateTargeting(update); err != nil {
		return core.Flag{}, err
	}

	cfg, err := targetingToConfig(projectID, flagKey, environmentID, update)
	if err != nil {
		return core.Flag{}, err
	}

	updated, err := s.repo.UpdateFlagConfig(ctx, cfg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Flag{}, ErrFlagNotFound
		}
		return core.Flag{}, fmt.Errorf("update targeting: %w", err)
	}

	return s.afterConfigWrite(ctx, updated)
}

// SetFlagOn toggles one (flag, environment) pair. Follows the same
// persist, invalidate, broadcast sequence as UpdateTargeting.
func (s *Service) SetFlagOn(ctx context.Context, projectID, flagKey, environmentID string, on bool) (core.Flag, error) {
	updated, err := s.repo.SetFlagOn(ctx, projectID, flagKey, environmentID, on)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Flag{}, ErrFlagNotFound
		}
		return core.Flag{}, fmt.Errorf("toggle flag: %w", err)
	}

	return s.afterConfigWrite(ctx, updated)
}

// DeleteFlagConfig removes one (flag, environment) config and evicts the
// cached entry. There is no stream patch for a removed config; connected
// clients pick up the absence from the put snapshot on their next connect.
func (s *Service) DeleteFlagConfig(ctx context.Context, projectID, flagKey, environmentID string) error {
	if err := s.repo.DeleteFlagConfig(ctx, projectID, flagKey, environmentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrFlagNotFound
		}
		return fmt.Errorf("delete flag config: %w", err)
	}

	s.Invalidate(projectID, flagKey)
	return nil
}

// afterConfigWrite completes the mutation contract: evict the stale cache
// entry, reload the flag, and broadcast the written environment's fresh
// projection.
func (s *Service) afterConfigWrite(ctx context.Context, cfg repository.FlagConfig) (core.Flag, error) {
	s.Invalidate(cfg.ProjectID, cfg.FlagKey)

	entry, err := s.loadFlagEntry(ctx, cfg.ProjectID, cfg.FlagKey)
	if err != nil {
		return core.Flag{}, err
	}

	flag, ok := entry.configs[cfg.EnvironmentID]
	if !ok {
		return core.Flag{}, ErrEnvironmentNotFound
	}

	s.broadcaster.BroadcastFlagUpdate(cfg.EnvironmentID, flag)

	return flag, nil
}

// ScheduleChange persists a deferred config mutation for the scheduler to
// apply when due.
func (s *Service) ScheduleChange(ctx context.Context, change repository.ScheduledChange) (repository.ScheduledChange, error) {
	switch change.ChangeType {
	case repository.ChangeToggleOn, repository.ChangeToggleOff:
	case repository.ChangeUpdateTargeting:
		var update TargetingUpdate
		if err := json.Unmarshal(ensureRawJSON(change.Payload), &update); err != nil {
			return repository.ScheduledChange{}, fmt.Errorf("%w: payload: %v", ErrInvalidChange, err)
		}
		if err := validateTargeting(update); err != nil {
			return repository.ScheduledChange{}, err
		}
	default:
		return repository.ScheduledChange{}, fmt.Errorf("%w: unknown change type %q", ErrInvalidChange, change.ChangeType)
	}
	if change.ScheduledAt.IsZero() {
		return repository.ScheduledChange{}, fmt.Errorf("%w: scheduled time is required", ErrInvalidChange)
	}

	created, err := s.repo.CreateScheduledChange(ctx, change)
	if err != nil {
		return repository.ScheduledChange{}, fmt.Errorf("schedule change: %w", err)
	}

	return created, nil
}

// CancelScheduledChange removes a pending change before it executes.
func (s *Service) CancelScheduledChange(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidChange)
	}
	return s.repo.CancelScheduledChange(ctx, id)
}

// PendingChanges lists an environment's unexecuted scheduled changes,
// soonest first.
func (s *Service) PendingChanges(ctx context.Context, environmentID string) ([]repository.ScheduledChange, error) {
	changes, err := s.repo.ListPendingScheduledChanges(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("pending changes: %w", err)
	}
	return changes, nil
}

// ApplyScheduledChange executes one due change through the regular mutation
// path, so it gets the same invalidate and broadcast treatment as a direct
// API write.
func (s *Service) ApplyScheduledChange(ctx context.Context, change repository.ScheduledChange) error {
	switch change.ChangeType {
	case repository.ChangeToggleOn:
		_, err := s.SetFlagOn(ctx, change.ProjectID, change.FlagKey, change.EnvironmentID, true)
		return err
	case repository.ChangeToggleOff:
		_, err := s.SetFlagOn(ctx, change.ProjectID, change.FlagKey, change.EnvironmentID, false)
		return err
	case repository.ChangeUpdateTargeting:
		var update TargetingUpdate
		if err := json.Unmarshal(ensureRawJSON(change.Payload), &update); err != nil {
			return fmt.Errorf("%w: payload: %v", ErrInvalidChange, err)
		}
		_, err := s.UpdateTargeting(ctx, change.ProjectID, change.FlagKey, change.EnvironmentID, update)
		return err
	default:
		return fmt.Errorf("%w: unknown change type %q", ErrInvalidChange, change.ChangeType)
	}
}

// EnvironmentBySDKCredential verifies a "keyID.secret" SDK credential and
// returns the environment it belongs to.
func (s *Service) EnvironmentBySDKCredential(ctx context.Context, credential string) (repository.Environment, error) {
	keyID, secret, ok := strings.Cut(credential, ".")
	if !ok || keyID == "" || secret == "" {
		return repository.Environment{}, ErrInvalidCredential
	}

	env, err := s.repo.GetEnvironmentBySDKKeyID(ctx, keyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Environment{}, ErrInvalidCredential
		}
		return repository.Environment{}, fmt.Errorf("lookup sdk credential: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(env.SDKKeyHash), []byte(secret)); err != nil {
		return repository.Environment{}, ErrInvalidCredential
	}

	return env, nil
}

// Environment returns an environment by ID.
func (s *Service) Environment(ctx context.Context, id string) (repository.Environment, error) {
	env, err := s.repo.GetEnvironment(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Environment{}, ErrEnvironmentNotFound
		}
		return repository.Environment{}, fmt.Errorf("get environment: %w", err)
	}
	return env, nil
}

// EvaluationCounts reports per-flag evaluation totals for an environment.
func (s *Service) EvaluationCounts(ctx context.Context, environmentID string, since time.Time) ([]repository.EvaluationCount, error) {
	counts, err := s.repo.EvaluationCounts(ctx, environmentID, since)
	if err != nil {
		return nil, fmt.Errorf("evaluation counts: %w", err)
	}
	return counts, nil
}

// VariationBreakdown reports how often each variation of a flag was served.
func (s *Service) VariationBreakdown(ctx context.Context, environmentID, flagKey string, since time.Time) ([]repository.VariationCount, error) {
	counts, err := s.repo.VariationBreakdown(ctx, environmentID, flagKey, since)
	if err != nil {
		return nil, fmt.Errorf("variation breakdown: %w", err)
	}
	return counts, nil
}

// StaleFlags reports flags of a project with no recorded evaluations since
// the given time.
func (s *Service) StaleFlags(ctx context.Context, projectID string, since time.Time) ([]string, error) {
	keys, err := s.repo.StaleFlags(ctx, projectID, since)
	if err != nil {
		return nil, fmt.Errorf("stale flags: %w", err)
	}
	return keys, nil
}

func validateTargeting(update TargetingUpdate) error {
	for _, rule := range update.Rules {
		if rule.SegmentKey != "" {
			continue
		}
		for _, clause := range rule.Clauses {
			if !core.ValidOperator(clause.Op) {
				return fmt.Errorf("%w: unknown operator %q", ErrInvalidTargeting, clause.Op)
			}
		}
		if rule.Rollout != nil {
			if err := validateRollout(*rule.Rollout); err != nil {
				return err
			}
		}
	}
	if update.Fallthrough.Rollout != nil {
		if err := validateRollout(*update.Fallthrough.Rollout); err != nil {
			return err
		}
	}
	return nil
}

func validateRollout(rollout core.Rollout) error {
	total := 0
	for _, wv := range rollout.Variations {
		if wv.Weight < 0 {
			return fmt.Errorf("%w: negative rollout weight", ErrInvalidTargeting)
		}
		total += wv.Weight
	}
	if total > core.MaxBucket {
		return fmt.Errorf("%w: rollout weights exceed %d", ErrInvalidTargeting, core.MaxBucket)
	}
	return nil
}

func targetingToConfig(projectID, flagKey, environmentID string, update TargetingUpdate) (repository.FlagConfig, error) {
	fallthroughJSON, err := json.Marshal(update.Fallthrough)
	if err != nil {
		return repository.FlagConfig{}, fmt.Errorf("marshal fallthrough: %w", err)
	}
	targetsJSON, err := json.Marshal(emptyIfNilTargets(update.Targets))
	if err != nil {
		return repository.FlagConfig{}, fmt.Errorf("marshal targets: %w", err)
	}
	rulesJSON, err := json.Marshal(emptyIfNilRules(update.Rules))
	if err != nil {
		return repository.FlagConfig{}, fmt.Errorf("marshal rules: %w", err)
	}
	prereqJSON, err := json.Marshal(emptyIfNilPrereqs(update.Prerequisites))
	if err != nil {
		return repository.FlagConfig{}, fmt.Errorf("marshal prerequisites: %w", err)
	}

	return repository.FlagConfig{
		ProjectID:     projectID,
		FlagKey:       flagKey,
		EnvironmentID: environmentID,
		On:            update.On,
		OffVariation:  update.OffVariationID,
		Fallthrough:   fallthroughJSON,
		Targets:       targetsJSON,
		Rules:         rulesJSON,
		Prerequisites: prereqJSON,
	}, nil
}

func emptyIfNilTargets(targets []core.IndividualTarget) []core.IndividualTarget {
	if targets == nil {
		return []core.IndividualTarget{}
	}
	return targets
}

func emptyIfNilRules(rules []core.TargetingRule) []core.TargetingRule {
	if rules == nil {
		return []core.TargetingRule{}
	}
	return rules
}

func emptyIfNilPrereqs(prereqs []core.Prerequisite) []core.Prerequisite {
	if prereqs == nil {
		return []core.Prerequisite{}
	}
	return prereqs
}

func ensureRawJSON(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("{}")
	}
	return payload
}
