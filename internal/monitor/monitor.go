// Package monitor samples the live resource consumption of a sandboxed
// process: CPU time, resident memory, open descriptors, sockets and the
// size of its working directory.
package monitor

import (
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/jkaninda/plugbox/internal/security"
)

// Monitor produces usage snapshots for a process. Implementations must be
// cheap enough to call every sample period and safe for concurrent use.
type Monitor interface {
	// Initialize prepares platform access. A failure means sampling degrades
	// to returning the last known values.
	Initialize() error
	Shutdown()
	// ProcessUsage returns the counters of pid. StartTime is left zero.
	// When the platform query fails, the last known usage for pid is returned.
	ProcessUsage(pid int) security.ResourceUsage
	// SetWorkDir sets the directory whose size is reported as disk usage.
	SetWorkDir(dir string)
}

// sampler is the platform-specific process query.
type sampler interface {
	init() error
	sample(pid int) (security.ResourceUsage, error)
}

// ProcessMonitor is the Monitor used by sandboxes. On Linux it reads procfs
// and aggregates the whole process group led by pid; elsewhere it reports
// only disk usage.
type ProcessMonitor struct {
	mu       sync.Mutex
	platform sampler
	ready    bool
	workDir  string
	lastPID  int
	last     security.ResourceUsage
	failures int

	// Disk walks are throttled; the directory rarely changes faster.
	diskEvery time.Duration
	diskAt    time.Time
	diskMB    uint64

	logger *slog.Logger
}

// NewProcessMonitor returns a monitor for the current platform.
func NewProcessMonitor(logger *slog.Logger) *ProcessMonitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ProcessMonitor{
		platform:  newPlatformSampler(),
		diskEvery: 500 * time.Millisecond,
		logger:    logger,
	}
}

// Initialize checks platform access.
func (m *ProcessMonitor) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.platform.init(); err != nil {
		m.ready = false
		return err
	}
	m.ready = true
	return nil
}

// Shutdown forgets cached samples.
func (m *ProcessMonitor) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = false
	m.lastPID = 0
	m.last = security.ResourceUsage{}
	m.diskAt = time.Time{}
	m.diskMB = 0
}

// SetWorkDir sets the directory measured for disk usage.
func (m *ProcessMonitor) SetWorkDir(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workDir = dir
	m.diskAt = time.Time{}
	m.diskMB = 0
}

// ProcessUsage samples pid. Errors are logged at debug level the first time
// in a row they occur and the last known usage is returned.
func (m *ProcessMonitor) ProcessUsage(pid int) security.ResourceUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pid != m.lastPID {
		m.lastPID = pid
		m.last = security.ResourceUsage{}
		m.failures = 0
	}

	if m.ready && pid > 0 {
		u, err := m.platform.sample(pid)
		if err != nil {
			if m.failures == 0 {
				m.logger.Debug("process sample failed, keeping last known usage",
					slog.Int("pid", pid),
					slog.String("error", err.Error()),
				)
			}
			m.failures++
		} else {
			m.failures = 0
			m.last.CPUTimeUsed = u.CPUTimeUsed
			m.last.MemoryUsedMB = u.MemoryUsedMB
			m.last.FileHandlesUsed = u.FileHandlesUsed
			m.last.NetworkConnectionsUsed = u.NetworkConnectionsUsed
		}
	}

	if m.workDir != "" {
		now := time.Now()
		if m.diskAt.IsZero() || now.Sub(m.diskAt) >= m.diskEvery {
			m.diskAt = now
			if mb, err := dirSizeMB(m.workDir); err == nil {
				m.diskMB = mb
			}
		}
		m.last.DiskSpaceUsedMB = m.diskMB
	}
	return m.last
}

// dirSizeMB sums regular file sizes below dir, rounded down to whole MiB.
func dirSizeMB(dir string) (uint64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			// Files may vanish while the plugin runs.
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(total) / (1 << 20), nil
}
