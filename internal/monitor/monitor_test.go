package monitor

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jkaninda/plugbox/internal/security"
)

type fakeSampler struct {
	usage security.ResourceUsage
	err   error
}

func (f *fakeSampler) init() error { return nil }

func (f *fakeSampler) sample(int) (security.ResourceUsage, error) {
	return f.usage, f.err
}

func TestProcessMonitor_KeepsLastKnownOnError(t *testing.T) {
	fake := &fakeSampler{usage: security.ResourceUsage{CPUTimeUsed: time.Second, MemoryUsedMB: 12}}
	m := NewProcessMonitor(nil)
	m.platform = fake
	if err := m.Initialize(); err != nil {
		t.Fatalf("init: %v", err)
	}

	u := m.ProcessUsage(100)
	if u.MemoryUsedMB != 12 {
		t.Fatalf("memory = %d, want 12", u.MemoryUsedMB)
	}

	fake.err = errors.New("gone")
	fake.usage = security.ResourceUsage{}
	u = m.ProcessUsage(100)
	if u.MemoryUsedMB != 12 || u.CPUTimeUsed != time.Second {
		t.Errorf("usage after error = %+v, want last known", u)
	}

	// A new pid starts from zero.
	u = m.ProcessUsage(200)
	if u.MemoryUsedMB != 0 {
		t.Errorf("new pid inherited usage: %+v", u)
	}
}

func TestProcessMonitor_UninitializedIsNoop(t *testing.T) {
	fake := &fakeSampler{usage: security.ResourceUsage{MemoryUsedMB: 99}}
	m := NewProcessMonitor(nil)
	m.platform = fake
	if u := m.ProcessUsage(1); u.MemoryUsedMB != 0 {
		t.Errorf("uninitialized monitor sampled: %+v", u)
	}
}

func TestProcessMonitor_DiskUsage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "blob"), make([]byte, 3<<20), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewProcessMonitor(nil)
	m.platform = &fakeSampler{}
	_ = m.Initialize()
	m.SetWorkDir(dir)

	if u := m.ProcessUsage(1); u.DiskSpaceUsedMB != 3 {
		t.Errorf("disk = %d MB, want 3", u.DiskSpaceUsedMB)
	}
}

func TestProcessMonitor_SelfSample(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs sampling is linux only")
	}
	m := NewProcessMonitor(nil)
	if err := m.Initialize(); err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}
	defer m.Shutdown()

	u := m.ProcessUsage(os.Getpid())
	if u.MemoryUsedMB == 0 {
		t.Errorf("expected non-zero RSS for the test process, got %+v", u)
	}
	if u.FileHandlesUsed == 0 {
		t.Errorf("expected open descriptors, got %+v", u)
	}
}
