package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/plugbox/internal/security"
	"github.com/jkaninda/plugbox/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "data", "plugbox.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreBasics(t *testing.T) {
	s := openTestStore(t)
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver() = %q", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Policies() != s.Policies() {
		t.Error("Policies() should return the same repository")
	}
}

func TestPolicyCatalog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := s.Policies()

	batch := security.LimitedPolicy()
	batch.Name = "batch"
	batch.Description = "nightly jobs"
	batch.Permissions.AllowedHosts = []string{"*.internal", "db.local"}
	if err := repo.SavePolicy(ctx, batch); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}
	if err := repo.SavePolicy(ctx, security.StrictPolicy()); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}

	got, err := repo.GetPolicy(ctx, "batch")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if got.Level != security.LevelLimited || got.Description != "nightly jobs" {
		t.Errorf("unexpected policy: %+v", got)
	}
	if len(got.Permissions.AllowedHosts) != 2 || got.Permissions.AllowedHosts[0] != "*.internal" {
		t.Errorf("allowed hosts = %v", got.Permissions.AllowedHosts)
	}
	if got.Limits.ExecutionTimeout != batch.Limits.ExecutionTimeout {
		t.Errorf("timeout = %v, want %v", got.Limits.ExecutionTimeout, batch.Limits.ExecutionTimeout)
	}

	// Last writer wins.
	batch.Limits.MemoryLimitMB = 1024
	if err := repo.SavePolicy(ctx, batch); err != nil {
		t.Fatalf("SavePolicy (replace): %v", err)
	}
	got, _ = repo.GetPolicy(ctx, "batch")
	if got.Limits.MemoryLimitMB != 1024 {
		t.Errorf("memory = %d, want 1024", got.Limits.MemoryLimitMB)
	}

	list, err := repo.ListPolicies(ctx)
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	if len(list) != 2 || list[0].Name != "batch" || list[1].Name != "strict" {
		t.Fatalf("ListPolicies = %v", policyNames(list))
	}

	if err := repo.DeletePolicy(ctx, "batch"); err != nil {
		t.Fatalf("DeletePolicy: %v", err)
	}
	if _, err := repo.GetPolicy(ctx, "batch"); !errors.Is(err, security.ErrNotFound) {
		t.Errorf("GetPolicy after delete: %v", err)
	}
	if err := repo.DeletePolicy(ctx, "batch"); !errors.Is(err, security.ErrNotFound) {
		t.Errorf("second DeletePolicy: %v", err)
	}
	if err := repo.SavePolicy(ctx, security.SecurityPolicy{}); !errors.Is(err, security.ErrInvalidArgument) {
		t.Errorf("SavePolicy without name: %v", err)
	}
}

func TestEventTrail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := s.Events()

	base := time.Now().Add(-time.Hour).UTC()
	add := func(sandbox, topic string, typ security.ViolationType, at time.Time) {
		t.Helper()
		ev := security.NewSecurityEvent(typ, "denied", "/etc/passwd", map[string]any{"write": true})
		ev.Timestamp = at
		if err := repo.AppendEvent(ctx, security.AuditRecord{SandboxID: sandbox, Topic: topic, Event: ev}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	add("a", "security_event", security.UnauthorizedFileAccess, base)
	add("a", "resource_limit_exceeded", security.ResourceLimitExceeded, base.Add(10*time.Minute))
	add("b", "security_event", security.UnauthorizedNetworkAccess, base.Add(20*time.Minute))

	all, err := repo.ListEvents(ctx, storage.EventQuery{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	if all[0].SandboxID != "b" || all[2].Event.Type != security.UnauthorizedFileAccess {
		t.Errorf("events not newest first: %+v", all)
	}
	if all[2].Event.Details["write"] != true {
		t.Errorf("details = %v", all[2].Event.Details)
	}

	tests := []struct {
		name string
		q    storage.EventQuery
		want int
	}{
		{"by sandbox", storage.EventQuery{SandboxID: "a"}, 2},
		{"by topic", storage.EventQuery{Topic: "security_event"}, 2},
		{"sandbox and topic", storage.EventQuery{SandboxID: "a", Topic: "security_event"}, 1},
		{"since", storage.EventQuery{Since: base.Add(5 * time.Minute)}, 2},
		{"limit", storage.EventQuery{Limit: 1}, 1},
		{"unknown sandbox", storage.EventQuery{SandboxID: "zzz"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.ListEvents(ctx, tt.q)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d events, want %d", len(got), tt.want)
			}
		})
	}

	n, err := repo.PruneBefore(ctx, base.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	left, _ := repo.ListEvents(ctx, storage.EventQuery{})
	if len(left) != 1 || left[0].SandboxID != "b" {
		t.Errorf("remaining events: %+v", left)
	}
}

func policyNames(ps []security.SecurityPolicy) []string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name
	}
	return names
}
