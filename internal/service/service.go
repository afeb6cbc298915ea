// Package service holds the data plane's business logic: a copy-on-write
// flag cache in front of the repository, evaluation entry points, the
// mutation path that keeps cache, database, and stream subscribers in sync,
// and SDK credential verification.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/core"
	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/repository"
)

const (
	cacheResyncInterval = time.Minute
	cacheReloadTimeout  = 5 * time.Second
)

var (
	ErrFlagNotFound        = errors.New("flag not found")
	ErrEnvironmentNotFound = errors.New("environment not found")
	ErrInvalidTargeting    = errors.New("invalid targeting")
	ErrInvalidCredential   = errors.New("invalid sdk credential")
	ErrInvalidChange       = errors.New("invalid scheduled change")
)

// Repository is the persistence surface the service needs.
type Repository interface {
	GetFlag(ctx context.Context, projectID, key string) (repository.Flag, error)
	ListFlags(ctx context.Context, projectID string) ([]repository.Flag, error)
	ListFlagConfigs(ctx context.Context, projectID, flagKey string) ([]repository.FlagConfig, error)
	UpdateFlagConfig(ctx context.Context, cfg repository.FlagConfig) (repository.FlagConfig, error)
	SetFlagOn(ctx context.Context, projectID, flagKey, environmentID string, on bool) (repository.FlagConfig, error)
	DeleteFlagConfig(ctx context.Context, projectID, flagKey, environmentID string) error
	ListSegments(ctx context.Context, projectID string) ([]repository.Segment, error)
	GetEnvironment(ctx context.Context, id string) (repository.Environment, error)
	GetEnvironmentBySDKKeyID(ctx context.Context, sdkKeyID string) (repository.Environment, error)
	CreateScheduledChange(ctx context.Context, change repository.ScheduledChange) (repository.ScheduledChange, error)
	CancelScheduledChange(ctx context.Context, id string) error
	ListPendingScheduledChanges(ctx context.Context, environmentID string) ([]repository.ScheduledChange, error)
	EvaluationCounts(ctx context.Context, environmentID string, since time.Time) ([]repository.EvaluationCount, error)
	VariationBreakdown(ctx context.Context, environmentID, flagKey string, since time.Time) ([]repository.VariationCount, error)
	StaleFlags(ctx context.Context, projectID string, since time.Time) ([]string, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeFlagInvalidation(ctx context.Context) (<-chan repository.ChangeNotification, error)
}

// Broadcaster delivers flag updates to stream subscribers of an environment.
type Broadcaster interface {
	BroadcastFlagUpdate(environmentID string, flag core.Flag)
}

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastFlagUpdate(string, core.Flag) {}

type flagCacheKey struct {
	projectID string
	flagKey   string
}

// flagEntry is one cached flag with its projections across environments.
// Entries are immutable once stored; invalidation swaps the whole map.
type flagEntry struct {
	configs map[string]core.Flag
}

type projectEntry struct {
	flagKeys []string
}

// Service coordinates the flag cache, evaluation, and mutations.
type Service struct {
	repo         Repository
	broadcaster  Broadcaster
	onInvalidate func()

	mu       sync.RWMutex
	flags    map[flagCacheKey]flagEntry
	segments map[string]map[string]core.Segment
	projects map[string]projectEntry
}

// Option configures optional service behavior.
type Option func(*Service)

// WithInvalidationHook registers a callback invoked on every cache
// invalidation, for metric counters.
func WithInvalidationHook(fn func()) Option {
	return func(s *Service) { s.onInvalidate = fn }
}

// New creates the service and starts the cross-process invalidation listener
// when the repository supports it.
func New(ctx context.Context, repo Repository, broadcaster Broadcaster, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}

	svc := &Service{
		repo:        repo,
		broadcaster: broadcaster,
		flags:       make(map[flagCacheKey]flagEntry),
		segments:    make(map[string]map[string]core.Segment),
		projects:    make(map[string]projectEntry),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// FlagsForEnvironment returns every flag of the environment's project
// projected onto that environment, keyed by flag key. The returned map is a
// fresh copy the caller may keep.
func (s *Service) FlagsForEnvironment(ctx context.Context, projectID, environmentID string) (map[string]core.Flag, error) {
	if err := s.ensureProjectLoaded(ctx, projectID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	project := s.projects[projectID]
	flags := s.flags
	s.mu.RUnlock()

	result := make(map[string]core.Flag, len(project.flagKeys))
	for _, key := range project.flagKeys {
		entry, ok := flags[flagCacheKey{projectID: projectID, flagKey: key}]
		if !ok {
			loaded, err := s.loadFlagEntry(ctx, projectID, key)
			if err != nil {
				if errors.Is(err, ErrFlagNotFound) {
					continue
				}
				return nil, err
			}
			entry = loaded
		}
		if flag, ok := entry.configs[environmentID]; ok {
			result[flag.Key] = flag
		}
	}

	return result, nil
}

// SegmentsForProject returns the project's segments keyed by segment key.
// The returned map is shared and must not be mutated.
func (s *Service) SegmentsForProject(ctx context.Context, projectID string) (map[string]core.Segment, error) {
	if err := s.ensureProjectLoaded(ctx, projectID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	segments := s.segments[projectID]
	s.mu.RUnlock()

	return segments, nil
}

// EvaluateAll evaluates every flag of the environment against one context.
func (s *Service) EvaluateAll(ctx context.Context, projectID, environmentID string, evalCtx core.Context) (map[string]core.Result, error) {
	flags, err := s.FlagsForEnvironment(ctx, projectID, environmentID)
	if err != nil {
		return nil, err
	}
	segments, err := s.SegmentsForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	results := make(map[string]core.Result, len(flags))
	for key, flag := range flags {
		results[key] = core.Evaluate(flag, evalCtx, flags, segments)
	}

	return results, nil
}

// EvaluateFlag evaluates one flag of the environment against one context.
func (s *Service) EvaluateFlag(ctx context.Context, projectID, environmentID, flagKey string, evalCtx core.Context) (core.Result, error) {
	flags, err := s.FlagsForEnvironment(ctx, projectID, environmentID)
	if err != nil {
		return core.Result{}, err
	}

	flag, ok := flags[flagKey]
	if !ok {
		return core.Result{}, ErrFlagNotFound
	}

	segments, err := s.SegmentsForProject(ctx, projectID)
	if err != nil {
		return core.Result{}, err
	}

	return core.Evaluate(flag, evalCtx, flags, segments), nil
}

// Invalidate evicts one flag from the cache. Readers holding the previous
// map keep iterating their snapshot; the next read reloads from the
// repository.
func (s *Service) Invalidate(projectID, flagKey string) {
	if s.onInvalidate != nil {
		s.onInvalidate()
	}

	key := flagCacheKey{projectID: projectID, flagKey: flagKey}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flags[key]; !ok {
		return
	}

	next := make(map[flagCacheKey]flagEntry, len(s.flags))
	for k, v := range s.flags {
		if k != key {
			next[k] = v
		}
	}
	s.flags = next
}

func (s *Service) ensureProjectLoaded(ctx context.Context, projectID string) error {
	s.mu.RLock()
	_, loaded := s.projects[projectID]
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	return s.loadProject(ctx, projectID)
}

func (s *Service) loadProject(ctx context.Context, projectID string) error {
	flags, err := s.repo.ListFlags(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project %q flags: %w", projectID, err)
	}
	segmentRows, err := s.repo.ListSegments(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project %q segments: %w", projectID, err)
	}

	flagKeys := make([]string, 0, len(flags))
	entries := make(map[flagCacheKey]flagEntry, len(flags))
	for _, flag := range flags {
		configs, err := s.repo.ListFlagConfigs(ctx, projectID, flag.Key)
		if err != nil {
			return fmt.Errorf("load flag %q configs: %w", flag.Key, err)
		}
		entry, err := buildFlagEntry(flag, configs)
		if err != nil {
			return err
		}
		flagKeys = append(flagKeys, flag.Key)
		entries[flagCacheKey{projectID: projectID, flagKey: flag.Key}] = entry
	}

	segments := make(map[string]core.Segment, len(segmentRows))
	for _, row := range segmentRows {
		segment, err := segmentToCore(row)
		if err != nil {
			return err
		}
		segments[segment.Key] = segment
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextFlags := make(map[flagCacheKey]flagEntry, len(s.flags)+len(entries))
	for k, v := range s.flags {
		if k.projectID != projectID {
			nextFlags[k] = v
		}
	}
	for k, v := range entries {
		nextFlags[k] = v
	}
	s.flags = nextFlags

	nextSegments := make(map[string]map[string]core.Segment, len(s.segments)+1)
	for k, v := range s.segments {
		nextSegments[k] = v
	}
	nextSegments[projectID] = segments
	s.segments = nextSegments

	nextProjects := make(map[string]projectEntry, len(s.projects)+1)
	for k, v := range s.projects {
		nextProjects[k] = v
	}
	nextProjects[projectID] = projectEntry{flagKeys: flagKeys}
	s.projects = nextProjects

	return nil
}

func (s *Service) loadFlagEntry(ctx context.Context, projectID, flagKey string) (flagEntry, error) {
	flag, err := s.repo.GetFlag(ctx, projectID, flagKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return flagEntry{}, ErrFlagNotFound
		}
		return flagEntry{}, fmt.Errorf("load flag %q: %w", flagKey, err)
	}
	configs, err := s.repo.ListFlagConfigs(ctx, projectID, flagKey)
	if err != nil {
		return flagEntry{}, fmt.Errorf("load flag %q configs: %w", flagKey, err)
	}

	entry, err := buildFlagEntry(flag, configs)
	if err != nil {
		return flagEntry{}, err
	}

	key := flagCacheKey{projectID: projectID, flagKey: flagKey}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[flagCacheKey]flagEntry, len(s.flags)+1)
	for k, v := range s.flags {
		next[k] = v
	}
	next[key] = entry
	s.flags = next

	return entry, nil
}

func (s *Service) startInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeFlagInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(cacheResyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.resyncCache(ctx)
			case change, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.applyRemoteChange(ctx, change)
			}
		}
	}()

	return nil
}

// applyRemoteChange handles a config write made by another process: evict
// the stale entry, then rebroadcast the fresh projection to local stream
// subscribers.
func (s *Service) applyRemoteChange(ctx context.Context, change repository.ChangeNotification) {
	s.Invalidate(change.ProjectID, change.FlagKey)

	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()

	entry, err := s.loadFlagEntry(reloadCtx, change.ProjectID, change.FlagKey)
	if err != nil {
		return
	}
	if flag, ok := entry.configs[change.EnvironmentID]; ok {
		s.broadcaster.BroadcastFlagUpdate(change.EnvironmentID, flag)
	}
}

// resyncCache reloads every loaded project as a safety net against missed
// notifications.
func (s *Service) resyncCache(ctx context.Context) {
	s.mu.RLock()
	projectIDs := make([]string, 0, len(s.projects))
	for id := range s.projects {
		projectIDs = append(projectIDs, id)
	}
	s.mu.RUnlock()

	for _, projectID := range projectIDs {
		reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
		_ = s.loadProject(reloadCtx, projectID)
		cancel()
	}
}
