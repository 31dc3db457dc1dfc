package security

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestAuditLogger_AppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := NewAuditLogger(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := NewSecurityEvent(UnauthorizedFileAccess, "denied", "/etc/shadow", nil)
			if err := a.LogEvent(context.Background(), AuditRecord{SandboxID: "s1", Topic: "security_event", Event: ev}); err != nil {
				t.Errorf("log: %v", err)
			}
		}()
	}
	wg.Wait()
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()

	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec AuditRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if rec.SandboxID != "s1" || rec.Event.Type != UnauthorizedFileAccess {
			t.Errorf("unexpected record %+v", rec)
		}
		lines++
	}
	if lines != 10 {
		t.Errorf("got %d lines, want 10", lines)
	}
}

func TestReadAuditLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := NewAuditLogger(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, typ := range []ViolationType{UnauthorizedAPICall, ProcessError} {
		ev := NewSecurityEvent(typ, "x", "", nil)
		if err := a.LogEvent(context.Background(), AuditRecord{SandboxID: "s", Topic: "security_event", Event: ev}); err != nil {
			t.Fatal(err)
		}
	}
	a.Close()

	recs, err := ReadAuditLog(path)
	if err != nil {
		t.Fatalf("ReadAuditLog: %v", err)
	}
	if len(recs) != 2 || recs[0].Event.Type != UnauthorizedAPICall || recs[1].Event.Type != ProcessError {
		t.Errorf("records = %+v", recs)
	}

	if err := os.WriteFile(path, []byte("{not json}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadAuditLog(path); err == nil {
		t.Error("expected error for a malformed line")
	}
}
