package security

import (
	"io"
	"log/slog"
	"strconv"
	"sync"
)

// DefaultMaxEvents bounds the per-enforcer security event log.
const DefaultMaxEvents = 1000

// EventHook receives a recorded SecurityEvent. Hooks run on the caller's
// goroutine after the enforcer has released its lock.
type EventHook func(SecurityEvent)

// Enforcer decides whether a plugin may perform an access under its policy.
// Every denial appends exactly one SecurityEvent to a bounded FIFO and invokes
// the violation hooks exactly once.
//
// Thread-safe: predicates take a read lock, recording and updates take the write lock.
type Enforcer struct {
	mu         sync.RWMutex
	policy     SecurityPolicy
	pid        int
	workDir    string
	prevWork   string // removal events for it may still be in flight
	events     []SecurityEvent
	maxEvents  int
	violations uint64
	onViolate  []EventHook
	onSuspect  []EventHook
	running    bool

	// watchMu serializes watcher start/stop so a policy swap never
	// interleaves with Initialize or Shutdown.
	watchMu sync.Mutex
	watcher *dirWatcher

	logger *slog.Logger
}

// NewEnforcer creates an enforcer for a copy of policy. A maxEvents of zero
// or less uses DefaultMaxEvents. A nil logger discards output.
func NewEnforcer(policy SecurityPolicy, maxEvents int, logger *slog.Logger) *Enforcer {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Enforcer{
		policy:    policy.Clone(),
		maxEvents: maxEvents,
		logger:    logger,
	}
}

// OnViolation registers a hook invoked for every denial.
func (e *Enforcer) OnViolation(h EventHook) {
	e.mu.Lock()
	e.onViolate = append(e.onViolate, h)
	e.mu.Unlock()
}

// OnSuspiciousActivity registers a hook invoked for every unsanctioned
// modification seen by the filesystem watch.
func (e *Enforcer) OnSuspiciousActivity(h EventHook) {
	e.mu.Lock()
	e.onSuspect = append(e.onSuspect, h)
	e.mu.Unlock()
}

// Initialize starts watching the allowed directories unless the policy is
// Unrestricted. Watch failures are logged; validation works regardless.
func (e *Enforcer) Initialize() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	e.mu.Lock()
	e.running = true
	policy := e.policy
	e.mu.Unlock()

	e.restartWatchLocked(policy)
}

// Shutdown stops the filesystem watch. Recorded events are kept.
func (e *Enforcer) Shutdown() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	if e.watcher != nil {
		e.watcher.Close()
		e.watcher = nil
	}
}

// UpdatePolicy stops the watch, swaps in a copy of p, then restarts the
// watch for the new allowed directories if the enforcer is running.
func (e *Enforcer) UpdatePolicy(p SecurityPolicy) {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	if e.watcher != nil {
		e.watcher.Close()
		e.watcher = nil
	}

	e.mu.Lock()
	e.policy = p.Clone()
	running := e.running
	policy := e.policy
	e.mu.Unlock()

	if running {
		e.restartWatchLocked(policy)
	}
}

// restartWatchLocked must be called with watchMu held.
func (e *Enforcer) restartWatchLocked(policy SecurityPolicy) {
	if e.watcher != nil {
		e.watcher.Close()
		e.watcher = nil
	}
	if policy.Level == LevelUnrestricted || len(policy.Permissions.AllowedDirectories) == 0 {
		return
	}
	w, err := startDirWatch(policy.Permissions.AllowedDirectories, e.handleChange, e.logger)
	if err != nil {
		e.logger.Warn("filesystem watch unavailable",
			slog.String("policy", policy.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	e.watcher = w
}

// Policy returns a copy of the current policy.
func (e *Enforcer) Policy() SecurityPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy.Clone()
}

// SetProcessID records the pid that denials are attributed to. Zero clears it.
func (e *Enforcer) SetProcessID(pid int) {
	e.mu.Lock()
	e.pid = pid
	e.mu.Unlock()
}

// ProcessID returns the pid set by SetProcessID.
func (e *Enforcer) ProcessID() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pid
}

// SetWorkDir marks dir as the sandbox's own scratch directory; filesystem
// changes at or below it, or below the directory it replaces, are not
// reported as suspicious.
func (e *Enforcer) SetWorkDir(dir string) {
	e.mu.Lock()
	if e.workDir != "" {
		e.prevWork = e.workDir
	}
	e.workDir = normalizePath(dir)
	e.mu.Unlock()
}

// --- Predicates ---

// ValidateFileAccess reports whether path may be read, or written when write is set.
func (e *Enforcer) ValidateFileAccess(path string, write bool) bool {
	e.mu.RLock()
	ok, reason := fileAllowed(e.policy, path, write)
	e.mu.RUnlock()
	if ok {
		return true
	}
	e.deny(UnauthorizedFileAccess, reason, path, map[string]any{
		"write":           write,
		"normalized_path": normalizePath(path),
	})
	return false
}

// ValidateNetworkAccess reports whether a connection to host may be opened.
// A port of zero means unspecified.
func (e *Enforcer) ValidateNetworkAccess(host string, port int) bool {
	e.mu.RLock()
	ok, reason := hostAllowed(e.policy, host)
	e.mu.RUnlock()
	if ok {
		return true
	}
	details := map[string]any{"host": host}
	if port > 0 {
		details["port"] = port
	}
	e.deny(UnauthorizedNetworkAccess, reason, host, details)
	return false
}

// ValidateProcessCreation reports whether the plugin may spawn executable.
func (e *Enforcer) ValidateProcessCreation(executable string) bool {
	e.mu.RLock()
	ok := e.policy.Permissions.AllowProcessCreation
	e.mu.RUnlock()
	if ok {
		return true
	}
	e.deny(UnauthorizedProcessCreation, "process creation not permitted", executable, nil)
	return false
}

// ValidateSystemCall reports whether the plugin may invoke the named system call.
func (e *Enforcer) ValidateSystemCall(name string) bool {
	e.mu.RLock()
	ok := e.policy.Permissions.AllowSystemCalls
	e.mu.RUnlock()
	if ok {
		return true
	}
	e.deny(UnauthorizedSystemCall, "system calls not permitted", name, nil)
	return false
}

// ValidateAPICall reports whether the named API is absent from the block-list.
// The permission bits do not apply here.
func (e *Enforcer) ValidateAPICall(name string) bool {
	e.mu.RLock()
	blocked := false
	for _, b := range e.policy.Permissions.BlockedAPIs {
		if b == name {
			blocked = true
			break
		}
	}
	e.mu.RUnlock()
	if !blocked {
		return true
	}
	e.deny(UnauthorizedAPICall, "api is blocked by policy", name, nil)
	return false
}

// --- Event log ---

// Events returns a snapshot of recorded events, oldest first.
func (e *Enforcer) Events() []SecurityEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SecurityEvent, len(e.events))
	copy(out, e.events)
	return out
}

// ClearEvents empties the event log. ViolationCount is not reset.
func (e *Enforcer) ClearEvents() {
	e.mu.Lock()
	e.events = nil
	e.mu.Unlock()
}

// ViolationCount returns the number of denials since the enforcer was created.
func (e *Enforcer) ViolationCount() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.violations
}

func (e *Enforcer) deny(t ViolationType, reason, resource string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	e.mu.Lock()
	if e.pid > 0 {
		details["pid"] = e.pid
	}
	details["policy"] = e.policy.Name
	ev := NewSecurityEvent(t, reason, resource, details)
	e.appendLocked(ev)
	e.violations++
	hooks := append([]EventHook(nil), e.onViolate...)
	e.mu.Unlock()

	e.logger.Warn("security violation",
		slog.String("type", t.String()),
		slog.String("resource", resource),
		slog.String("reason", reason),
		slog.String("policy", details["policy"].(string)),
	)
	for _, h := range hooks {
		h(ev)
	}
}

func (e *Enforcer) appendLocked(ev SecurityEvent) {
	if len(e.events) >= e.maxEvents {
		drop := len(e.events) - e.maxEvents + 1
		e.events = append(e.events[:0], e.events[drop:]...)
	}
	e.events = append(e.events, ev)
}

// handleChange re-validates a watched path as a write. The check is silent;
// a failure is recorded as SuspiciousActivity and reported to the suspicious
// hooks only.
func (e *Enforcer) handleChange(path, op string) {
	e.mu.RLock()
	ok, _ := fileAllowed(e.policy, path, true)
	own := [2]string{e.workDir, e.prevWork}
	e.mu.RUnlock()
	if ok {
		return
	}
	target := normalizePath(path)
	for _, dir := range own {
		if pathUnder(target, dir) {
			return
		}
	}

	e.mu.Lock()
	details := map[string]any{"operation": op, "policy": e.policy.Name}
	if e.pid > 0 {
		details["pid"] = e.pid
	}
	ev := NewSecurityEvent(SuspiciousActivity, "unsanctioned modification in watched directory", path, details)
	e.appendLocked(ev)
	hooks := append([]EventHook(nil), e.onSuspect...)
	e.mu.Unlock()

	e.logger.Warn("suspicious filesystem activity",
		slog.String("path", path),
		slog.String("operation", op),
	)
	for _, h := range hooks {
		h(ev)
	}
}

// --- Decision rules ---

func fileAllowed(p SecurityPolicy, path string, write bool) (bool, string) {
	if write && !p.Permissions.AllowFileSystemWrite {
		return false, "file system write not permitted"
	}
	if !write && !p.Permissions.AllowFileSystemRead {
		return false, "file system read not permitted"
	}
	dirs := p.Permissions.AllowedDirectories
	if len(dirs) == 0 {
		if p.Level == LevelUnrestricted {
			return true, ""
		}
		return false, "no directories are allowed"
	}
	target := normalizePath(path)
	for _, d := range dirs {
		if pathUnder(target, normalizePath(d)) {
			return true, ""
		}
	}
	return false, "path is outside allowed directories"
}

func hostAllowed(p SecurityPolicy, host string) (bool, string) {
	if !p.Permissions.AllowNetworkAccess {
		return false, "network access not permitted"
	}
	hosts := p.Permissions.AllowedHosts
	if len(hosts) == 0 {
		if p.Level == LevelUnrestricted {
			return true, ""
		}
		return false, "no hosts are allowed"
	}
	for _, h := range hosts {
		if matchHost(h, host) {
			return true, ""
		}
	}
	return false, "host " + strconv.Quote(host) + " is not allowed"
}
