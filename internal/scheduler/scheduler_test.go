package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/repository"
)

type fakeStore struct {
	mu       sync.Mutex
	changes  []repository.ScheduledChange
	executed []string
	listErr  error
}

func (f *fakeStore) ListDueScheduledChanges(_ context.Context, now time.Time) ([]repository.ScheduledChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	due := make([]repository.ScheduledChange, 0)
	for _, change := range f.changes {
		if !change.Executed && !change.ScheduledAt.After(now) {
			due = append(due, change)
		}
	}
	return due, nil
}

func (f *fakeStore) MarkScheduledChangeExecuted(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.changes {
		if f.changes[i].ID == id {
			f.changes[i].Executed = true
		}
	}
	f.executed = append(f.executed, id)
	return nil
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []string
	failing map[string]error
}

func (f *fakeApplier) ApplyScheduledChange(_ context.Context, change repository.ScheduledChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[change.ID]; ok {
		return err
	}
	f.applied = append(f.applied, change.ID)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestRunOnceAppliesDueChanges(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{changes: []repository.ScheduledChange{
		{ID: "due-1", ChangeType: repository.ChangeToggleOn, ScheduledAt: now.Add(-time.Minute)},
		{ID: "due-2", ChangeType: repository.ChangeToggleOff, ScheduledAt: now},
		{ID: "future", ChangeType: repository.ChangeToggleOn, ScheduledAt: now.Add(time.Hour)},
	}}
	applier := &fakeApplier{}

	s := New(store, applier, discardLogger(), WithClock(func() time.Time { return now }))
	s.RunOnce(context.Background())

	if len(applier.applied) != 2 {
		t.Fatalf("applied %d changes, want 2", len(applier.applied))
	}
	if len(store.executed) != 2 {
		t.Fatalf("marked %d changes executed, want 2", len(store.executed))
	}
	for _, change := range store.changes {
		if change.ID == "future" && change.Executed {
			t.Error("future change executed early")
		}
	}
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	now := time.Now()
	store := &fakeStore{changes: []repository.ScheduledChange{
		{ID: "bad", ChangeType: repository.ChangeToggleOn, ScheduledAt: now.Add(-time.Minute)},
		{ID: "good", ChangeType: repository.ChangeToggleOn, ScheduledAt: now.Add(-time.Minute)},
	}}
	applier := &fakeApplier{failing: map[string]error{"bad": errors.New("boom")}}

	s := New(store, applier, discardLogger(), WithClock(func() time.Time { return now }))
	s.RunOnce(context.Background())

	if len(applier.applied) != 1 || applier.applied[0] != "good" {
		t.Fatalf("applied = %v, want [good]", applier.applied)
	}
	if len(store.executed) != 1 || store.executed[0] != "good" {
		t.Fatalf("executed = %v, want [good]", store.executed)
	}

	// The failed change stays due and succeeds on the next poll.
	applier.failing = nil
	s.RunOnce(context.Background())
	if len(applier.applied) != 2 || applier.applied[1] != "bad" {
		t.Errorf("applied = %v, want [good bad]", applier.applied)
	}
}

func TestRunOnceToleratesListErrors(t *testing.T) {
	store := &fakeStore{listErr: errors.New("db down")}
	applier := &fakeApplier{}

	s := New(store, applier, discardLogger())
	s.RunOnce(context.Background())

	if len(applier.applied) != 0 {
		t.Errorf("applied %d changes despite list error", len(applier.applied))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := &fakeStore{}
	applier := &fakeApplier{}
	s := New(store, applier, discardLogger(), WithPollInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
