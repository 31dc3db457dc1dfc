package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/plugbox/internal/security"
)

func TestJSONBScan(t *testing.T) {
	tests := []struct {
		name string
		src  any
		want string
	}{
		{"bytes", []byte(`{"a":1}`), `{"a":1}`},
		{"string", `{"b":2}`, `{"b":2}`},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var j JSONB
			if err := j.Scan(tt.src); err != nil {
				t.Fatalf("Scan: %v", err)
			}
			if string(j) != tt.want {
				t.Errorf("got %q, want %q", j, tt.want)
			}
		})
	}

	var j JSONB
	if err := j.Scan(42); err == nil {
		t.Error("expected error scanning an int")
	}
}

func TestJSONBValueEmpty(t *testing.T) {
	v, err := JSONB(nil).Value()
	if err != nil {
		t.Fatal(err)
	}
	if v != "{}" {
		t.Errorf("empty JSONB value = %v, want {}", v)
	}
}

func TestPolicyModelKeepsRowName(t *testing.T) {
	p := security.StrictPolicy()
	m, err := toPolicyModel(p)
	if err != nil {
		t.Fatal(err)
	}
	if m.Level != int16(security.LevelStrict) {
		t.Errorf("level = %d, want %d", m.Level, security.LevelStrict)
	}
	m.Name = "renamed"
	got, err := toPolicyDomain(&m)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "renamed" {
		t.Errorf("name = %q, want renamed", got.Name)
	}
	if len(got.Permissions.BlockedAPIs) != len(p.Permissions.BlockedAPIs) {
		t.Errorf("blocked apis lost: %v", got.Permissions.BlockedAPIs)
	}
}

func TestEventModelIDs(t *testing.T) {
	ev := security.NewSecurityEvent(security.UnauthorizedAPICall, "blocked", "dlopen", map[string]any{"api": "dlopen"})
	m := toEventModel(security.AuditRecord{SandboxID: "sb", Topic: "security_event", Event: ev})
	if m.ID.String() != ev.ID {
		t.Errorf("id = %s, want %s", m.ID, ev.ID)
	}
	if m.CreatedAt.Location() != time.UTC {
		t.Errorf("created_at not UTC: %v", m.CreatedAt.Location())
	}

	ev.ID = "not-a-uuid"
	m = toEventModel(security.AuditRecord{Event: ev})
	if m.ID == uuid.Nil {
		t.Error("expected a generated id for a non-uuid event id")
	}

	back := toEventDomain(&m)
	if back.Event.Type != security.UnauthorizedAPICall {
		t.Errorf("type = %v", back.Event.Type)
	}
	if back.Event.Details["api"] != "dlopen" {
		t.Errorf("details = %v", back.Event.Details)
	}
}
