package storage_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/plugbox/internal/events"
	"github.com/jkaninda/plugbox/internal/security"
	"github.com/jkaninda/plugbox/internal/storage"
	"github.com/jkaninda/plugbox/internal/storage/sqlite"
)

type memorySink struct {
	mu      sync.Mutex
	records []security.AuditRecord
}

func (m *memorySink) LogEvent(_ context.Context, rec security.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memorySink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRecordFromEvent(t *testing.T) {
	now := time.Now()
	secEv := security.NewSecurityEvent(security.UnauthorizedNetworkAccess, "host not allowed", "evil.com", map[string]any{"port": 443})

	tests := []struct {
		name     string
		ev       events.Event
		ok       bool
		wantType security.ViolationType
		wantDesc string
	}{
		{
			name:     "security event",
			ev:       events.Event{Topic: events.TopicSecurityEvent, SandboxID: "a", Timestamp: now, Payload: map[string]any{"event": secEv.ToMap()}},
			ok:       true,
			wantType: security.UnauthorizedNetworkAccess,
			wantDesc: "host not allowed",
		},
		{
			name: "suspicious activity",
			ev: events.Event{Topic: events.TopicSuspiciousActivity, SandboxID: "a", Timestamp: now, Payload: map[string]any{
				"path":  "/tmp/x",
				"event": security.NewSecurityEvent(security.SuspiciousActivity, "unsanctioned write", "/tmp/x", nil).ToMap(),
			}},
			ok:       true,
			wantType: security.SuspiciousActivity,
			wantDesc: "unsanctioned write",
		},
		{
			name: "process error",
			ev: events.Event{Topic: events.TopicSecurityViolation, SandboxID: "a", Timestamp: now, Payload: map[string]any{
				"kind":    "process_error",
				"details": map[string]any{"reason": "execution timeout", "timeout_ms": int64(100)},
			}},
			ok:       true,
			wantType: security.ProcessError,
			wantDesc: "execution timeout",
		},
		{
			name: "limit exceeded",
			ev: events.Event{Topic: events.TopicResourceLimitExceeded, SandboxID: "a", Timestamp: now, Payload: map[string]any{
				"dimension":    "memory",
				"execution_id": "x1",
			}},
			ok:       true,
			wantType: security.ResourceLimitExceeded,
			wantDesc: "resource limit exceeded: memory",
		},
		{
			name: "not archived",
			ev:   events.Event{Topic: events.TopicExecutionStarted, SandboxID: "a", Timestamp: now},
		},
		{
			name: "security event without payload",
			ev:   events.Event{Topic: events.TopicSecurityEvent, SandboxID: "a", Timestamp: now},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := storage.RecordFromEvent(tt.ev)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if rec.SandboxID != "a" || rec.Topic != tt.ev.Topic {
				t.Errorf("record header = %q/%q", rec.SandboxID, rec.Topic)
			}
			if rec.Event.Type != tt.wantType {
				t.Errorf("type = %v, want %v", rec.Event.Type, tt.wantType)
			}
			if rec.Event.Description != tt.wantDesc {
				t.Errorf("description = %q, want %q", rec.Event.Description, tt.wantDesc)
			}
			if rec.Event.ID == "" || rec.Event.Timestamp.IsZero() {
				t.Errorf("missing id or timestamp: %+v", rec.Event)
			}
		})
	}

	rec, _ := storage.RecordFromEvent(tests[0].ev)
	if rec.Event.ID != secEv.ID {
		t.Errorf("id = %q, want the enforcer's id %q", rec.Event.ID, secEv.ID)
	}
	if rec.Event.ResourcePath != "evil.com" || rec.Event.Details["port"] != 443 {
		t.Errorf("event fields lost: %+v", rec.Event)
	}
}

func TestArchiverPersistsBusEvents(t *testing.T) {
	st, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "plugbox.db")}, discard())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus()
	defer bus.Close()
	sink := &memorySink{}
	arch := storage.NewArchiver(bus, st.Events(), sink, discard())
	arch.Start()

	ev := security.NewSecurityEvent(security.UnauthorizedFileAccess, "read denied", "/etc/shadow", nil)
	bus.Publish(events.Event{Topic: events.TopicSecurityEvent, SandboxID: "sb1", Timestamp: time.Now(), Payload: map[string]any{"event": ev.ToMap()}})
	bus.Publish(events.Event{Topic: events.TopicExecutionStarted, SandboxID: "sb1", Timestamp: time.Now()})
	bus.Publish(events.Event{Topic: events.TopicResourceLimitExceeded, SandboxID: "sb1", Timestamp: time.Now(), Payload: map[string]any{"dimension": "cpu"}})

	arch.Stop()

	got, err := st.Events().ListEvents(context.Background(), storage.EventQuery{SandboxID: "sb1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("stored %d events, want 2", len(got))
	}
	if sink.len() != 2 {
		t.Errorf("sink saw %d records, want 2", sink.len())
	}
}

func TestArchiverJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	audit, err := security.NewAuditLogger(path, discard())
	if err != nil {
		t.Fatal(err)
	}
	defer audit.Close()

	bus := events.NewBus()
	defer bus.Close()
	arch := storage.NewArchiver(bus, nil, audit, discard())
	arch.Start()
	bus.Publish(events.Event{Topic: events.TopicSecurityViolation, SandboxID: "sb", Timestamp: time.Now(), Payload: map[string]any{
		"kind":    "process_error",
		"details": map[string]any{"reason": "execution timeout"},
	}})
	arch.Stop()

	recs, err := security.ReadAuditLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Event.Type != security.ProcessError {
		t.Errorf("audit log = %+v", recs)
	}
}
