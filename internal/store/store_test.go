package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"pushdeploy/internal/domain"
)

// Both implementations must behave identically.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatalf("Failed to open sqlite store: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func newDeployment(id, service string, created time.Time) *domain.Deployment {
	return &domain.Deployment{
		ID:      id,
		Service: service,
		Trigger: domain.Trigger{
			Ref:           "refs/heads/main",
			Branch:        "main",
			CommitSHA:     "abc123",
			CommitMessage: "fix things",
			Source:        domain.SourceWebhook,
			Pusher:        "octocat",
		},
		Status:    domain.StatusQueued,
		CreatedAt: created,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)

		if err := s.Create(ctx, newDeployment("d1", "api", created)); err != nil {
			t.Fatalf("Failed to create deployment: %v", err)
		}

		got, err := s.Get(ctx, "d1")
		if err != nil {
			t.Fatalf("Failed to get deployment: %v", err)
		}

		if got.Service != "api" {
			t.Errorf("Expected service 'api', got %q", got.Service)
		}
		if got.Status != domain.StatusQueued {
			t.Errorf("Expected status queued, got %q", got.Status)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("Expected created_at %v, got %v", created, got.CreatedAt)
		}
		if got.Trigger.CommitMessage != "fix things" || got.Trigger.Pusher != "octocat" {
			t.Errorf("Trigger not round-tripped: %+v", got.Trigger)
		}
		if got.StartedAt != nil || got.FinishedAt != nil || got.ExitCode != nil {
			t.Error("Expected unset started/finished/exit code")
		}
	})
}

func TestStore_GetUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_UpdateStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		if err := s.Create(ctx, newDeployment("d1", "api", now)); err != nil {
			t.Fatalf("Failed to create deployment: %v", err)
		}

		started := now.Add(time.Second)
		if err := s.UpdateStatus(ctx, "d1", domain.StatusUpdate{
			Status:    domain.StatusRunning,
			StartedAt: &started,
		}); err != nil {
			t.Fatalf("Failed to mark running: %v", err)
		}

		finished := now.Add(2 * time.Second)
		code := 0
		if err := s.UpdateStatus(ctx, "d1", domain.StatusUpdate{
			Status:     domain.StatusSucceeded,
			FinishedAt: &finished,
			ExitCode:   &code,
		}); err != nil {
			t.Fatalf("Failed to mark succeeded: %v", err)
		}

		got, err := s.Get(ctx, "d1")
		if err != nil {
			t.Fatalf("Failed to get deployment: %v", err)
		}
		if got.Status != domain.StatusSucceeded {
			t.Errorf("Expected succeeded, got %q", got.Status)
		}
		if got.StartedAt == nil || !got.StartedAt.Equal(started) {
			t.Errorf("Expected started_at to be preserved, got %v", got.StartedAt)
		}
		if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
			t.Errorf("Expected finished_at %v, got %v", finished, got.FinishedAt)
		}
		if got.ExitCode == nil || *got.ExitCode != 0 {
			t.Errorf("Expected exit code 0, got %v", got.ExitCode)
		}

		if err := s.UpdateStatus(ctx, "missing", domain.StatusUpdate{Status: domain.StatusFailed}); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound for unknown id, got %v", err)
		}
	})
}

func TestStore_AppendLogPreservesOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		if err := s.Create(ctx, newDeployment("d1", "api", now)); err != nil {
			t.Fatalf("Failed to create deployment: %v", err)
		}

		streams := []domain.Stream{domain.StreamStdout, domain.StreamStderr, domain.StreamSystem}
		for i := 1; i <= 30; i++ {
			err := s.AppendLog(ctx, "d1", domain.LogEntry{
				Seq:    int64(i),
				Stream: streams[i%3],
				Text:   fmt.Sprintf("line %d", i),
				Time:   now.Add(time.Duration(i) * time.Millisecond),
			})
			if err != nil {
				t.Fatalf("Failed to append log %d: %v", i, err)
			}
		}

		got, err := s.Get(ctx, "d1")
		if err != nil {
			t.Fatalf("Failed to get deployment: %v", err)
		}
		if len(got.Logs) != 30 {
			t.Fatalf("Expected 30 log entries, got %d", len(got.Logs))
		}
		for i, entry := range got.Logs {
			if entry.Seq != int64(i+1) {
				t.Fatalf("Expected seq %d at position %d, got %d", i+1, i, entry.Seq)
			}
			if entry.Text != fmt.Sprintf("line %d", i+1) {
				t.Errorf("Unexpected text at %d: %q", i, entry.Text)
			}
		}

		err = s.AppendLog(ctx, "missing", domain.LogEntry{Seq: 1, Stream: domain.StreamStdout, Time: now})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound for unknown id, got %v", err)
		}
	})
}

func TestStore_ListNewestFirstWithFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC()

		services := []string{"api", "web", "api", "web", "api"}
		for i, svc := range services {
			d := newDeployment(fmt.Sprintf("d%d", i), svc, base.Add(time.Duration(i)*time.Second))
			if i%2 == 0 {
				d.Status = domain.StatusFailed
			}
			if err := s.Create(ctx, d); err != nil {
				t.Fatalf("Failed to create deployment: %v", err)
			}
		}
		if err := s.AppendLog(ctx, "d4", domain.LogEntry{Seq: 1, Stream: domain.StreamStdout, Text: "x", Time: base}); err != nil {
			t.Fatalf("Failed to append log: %v", err)
		}

		all, err := s.List(ctx, domain.Filter{})
		if err != nil {
			t.Fatalf("Failed to list: %v", err)
		}
		if len(all) != 5 {
			t.Fatalf("Expected 5 deployments, got %d", len(all))
		}
		if all[0].ID != "d4" || all[4].ID != "d0" {
			t.Errorf("Expected newest first, got %s..%s", all[0].ID, all[4].ID)
		}
		if len(all[0].Logs) != 0 {
			t.Error("Expected List to omit logs")
		}

		apis, err := s.List(ctx, domain.Filter{Service: "api"})
		if err != nil {
			t.Fatalf("Failed to list by service: %v", err)
		}
		if len(apis) != 3 {
			t.Errorf("Expected 3 api deployments, got %d", len(apis))
		}

		failed, err := s.List(ctx, domain.Filter{Status: domain.StatusFailed, Limit: 2})
		if err != nil {
			t.Fatalf("Failed to list by status: %v", err)
		}
		if len(failed) != 2 {
			t.Fatalf("Expected limit of 2, got %d", len(failed))
		}
		for _, d := range failed {
			if d.Status != domain.StatusFailed {
				t.Errorf("Expected only failed deployments, got %q", d.Status)
			}
		}
	})
}

func TestStore_DeleteFinished(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		statuses := map[string]domain.Status{
			"q": domain.StatusQueued,
			"r": domain.StatusRunning,
			"s": domain.StatusSucceeded,
			"f": domain.StatusFailed,
		}
		for _, id := range []string{"q", "r", "s", "f"} {
			d := newDeployment(id, "api", now)
			d.Status = statuses[id]
			if err := s.Create(ctx, d); err != nil {
				t.Fatalf("Failed to create deployment: %v", err)
			}
		}

		removed, err := s.DeleteFinished(ctx)
		if err != nil {
			t.Fatalf("Failed to delete finished: %v", err)
		}
		if removed != 2 {
			t.Errorf("Expected 2 removed, got %d", removed)
		}

		for _, id := range []string{"s", "f"} {
			if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected %s to be deleted, got %v", id, err)
			}
		}
		for _, id := range []string{"q", "r"} {
			if _, err := s.Get(ctx, id); err != nil {
				t.Errorf("Expected %s to survive, got %v", id, err)
			}
		}
	})
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	if err := s.Create(ctx, newDeployment("d1", "api", time.Now())); err != nil {
		t.Fatalf("Failed to create deployment: %v", err)
	}
	s.Close()

	s, err = NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s.Close()

	if _, err := s.Get(ctx, "d1"); err != nil {
		t.Errorf("Expected deployment after reopen, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	for _, dsn := range []string{"", "memory", ":memory:"} {
		s, err := Open(dsn)
		if err != nil {
			t.Fatalf("Open(%q) failed: %v", dsn, err)
		}
		if _, ok := s.(*Memory); !ok {
			t.Errorf("Open(%q): expected memory store, got %T", dsn, s)
		}
	}

	s, err := Open(filepath.Join(t.TempDir(), "x.db"))
	if err != nil {
		t.Fatalf("Open(path) failed: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLite); !ok {
		t.Errorf("Expected sqlite store, got %T", s)
	}
}
