// Package sandbox runs untrusted plugins as child processes under a
// security policy. A PluginSandbox owns at most one child at a time,
// samples its resource usage, enforces limits and the execution timeout,
// and reports every outcome as an event. The Manager is the process-wide
// registry of sandboxes and named policies.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jkaninda/plugbox/internal/events"
	"github.com/jkaninda/plugbox/internal/monitor"
	"github.com/jkaninda/plugbox/internal/security"
)

const (
	defaultMonitorInterval = 100 * time.Millisecond
	defaultTerminateGrace  = 3 * time.Second
	defaultKillGrace       = time.Second
	defaultStartTimeout    = 5 * time.Second

	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty plugins.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultErrorLogSize = 100
)

// Termination reasons reported in execution_completed.
const (
	ReasonRequested = "requested"
	ReasonTimeout   = "timeout"
	ReasonShutdown  = "shutdown"
	reasonLimit     = "limit:"
)

// State is the lifecycle position of a sandbox.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateExecuting
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateExecuting:
		return "executing"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Options tune a sandbox. Zero values take the defaults.
type Options struct {
	MonitorInterval   time.Duration
	TerminateGrace    time.Duration
	KillGrace         time.Duration
	StartTimeout      time.Duration
	MaxOutputBytes    int
	PythonInterpreter string
	NodeInterpreter   string
	EventLogSize      int
	ErrorLogSize      int

	// Environ supplies the parent environment filtered into the child's.
	// Nil uses os.Environ.
	Environ func() []string
	// Monitor samples the child. Nil uses a ProcessMonitor.
	Monitor monitor.Monitor
	// Bus receives every event the sandbox emits. May be nil.
	Bus    *events.Bus
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = defaultMonitorInterval
	}
	if o.TerminateGrace <= 0 {
		o.TerminateGrace = defaultTerminateGrace
	}
	if o.KillGrace <= 0 {
		o.KillGrace = defaultKillGrace
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = defaultStartTimeout
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = maxOutputBytes
	}
	if o.PythonInterpreter == "" {
		o.PythonInterpreter = "python"
	}
	if o.NodeInterpreter == "" {
		o.NodeInterpreter = "node"
	}
	if o.EventLogSize <= 0 {
		o.EventLogSize = security.DefaultMaxEvents
	}
	if o.ErrorLogSize <= 0 {
		o.ErrorLogSize = defaultErrorLogSize
	}
	if o.Environ == nil {
		o.Environ = os.Environ
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Monitor == nil {
		o.Monitor = monitor.NewProcessMonitor(o.Logger)
	}
	return o
}

// EventHook receives sandbox events synchronously, in emission order.
// Hooks must not call ExecutePlugin, UpdatePolicy, Initialize or Shutdown
// on the same sandbox.
type EventHook func(events.Event)

// ErrorRecord is one entry of the sandbox error log.
type ErrorRecord struct {
	Time      time.Time `json:"time"`
	Operation string    `json:"operation"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
}

// PluginSandbox runs one plugin at a time under a SecurityPolicy.
//
// Locking: mu guards state, policy, usage and the current run. tickMu
// serializes the monitor tick, the execution timer and the completion path
// so a run's events are emitted in causal order.
type PluginSandbox struct {
	id     string
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	policy  security.SecurityPolicy
	usage   security.ResourceUsage
	run     *execution
	last    *ExecutionResult
	errs    []ErrorRecord
	hooks   []EventHook
	sampled bool // monitor initialized successfully

	tickMu   sync.Mutex
	tickStop chan struct{}
	tickDone chan struct{}

	enforcer *security.Enforcer
	monitor  monitor.Monitor
}

// New creates an uninitialized sandbox holding a copy of policy.
func New(id string, policy security.SecurityPolicy, opts Options) *PluginSandbox {
	opts = opts.withDefaults()
	logger := opts.Logger.With(slog.String("sandbox_id", id))
	s := &PluginSandbox{
		id:       id,
		opts:     opts,
		logger:   logger,
		policy:   policy.Clone(),
		enforcer: security.NewEnforcer(policy, opts.EventLogSize, logger),
		monitor:  opts.Monitor,
	}
	s.enforcer.OnViolation(func(ev security.SecurityEvent) {
		s.emit(events.TopicSecurityEvent, map[string]any{"event": ev.ToMap()})
	})
	s.enforcer.OnSuspiciousActivity(func(ev security.SecurityEvent) {
		s.emit(events.TopicSuspiciousActivity, map[string]any{
			"path":  ev.ResourcePath,
			"event": ev.ToMap(),
		})
	})
	return s
}

// ID returns the sandbox identifier.
func (s *PluginSandbox) ID() string { return s.id }

// OnEvent registers a hook for every event this sandbox emits.
func (s *PluginSandbox) OnEvent(h EventHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// Enforcer returns the sandbox's security enforcer for mediated access checks.
func (s *PluginSandbox) Enforcer() *security.Enforcer { return s.enforcer }

// Initialize validates the policy, resets usage, and starts monitoring when
// the policy level is not Unrestricted. Legal from Uninitialized or Shutdown.
func (s *PluginSandbox) Initialize() error {
	s.mu.Lock()
	if s.state == StateActive || s.state == StateExecuting {
		s.mu.Unlock()
		err := fmt.Errorf("%w: sandbox %s is already active", security.ErrInvalidState, s.id)
		s.recordError("initialize", err)
		return err
	}
	if err := s.policy.Validate(); err != nil {
		s.mu.Unlock()
		s.recordError("initialize", err)
		return err
	}
	s.usage = security.NewResourceUsage(time.Now())
	s.state = StateActive
	policy := s.policy.Clone()
	s.mu.Unlock()

	s.enforcer.UpdatePolicy(policy)
	s.enforcer.Initialize()

	sampled := true
	if err := s.monitor.Initialize(); err != nil {
		sampled = false
		s.logger.Warn("resource monitor unavailable, sampling disabled",
			slog.String("error", err.Error()),
		)
	}
	s.mu.Lock()
	s.sampled = sampled
	s.mu.Unlock()

	if policy.Level != security.LevelUnrestricted {
		s.startTicker()
	}

	s.logger.Info("sandbox initialized",
		slog.String("policy", policy.Name),
		slog.String("level", policy.Level.String()),
	)
	return nil
}

// Shutdown terminates any running child, stops timers and the filesystem
// watch. It never fails and is idempotent.
func (s *PluginSandbox) Shutdown() {
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return
	}
	wasInit := s.state != StateUninitialized
	s.state = StateShutdown
	run := s.run
	s.mu.Unlock()

	s.stopTicker()
	if run != nil {
		s.terminate(run, ReasonShutdown)
		select {
		case <-run.done:
		case <-time.After(s.opts.TerminateGrace + s.opts.KillGrace + time.Second):
			s.logger.Error("plugin did not finish during shutdown", slog.Int("pid", run.pid))
		}
	}
	if wasInit {
		s.enforcer.Shutdown()
		s.monitor.Shutdown()
		s.logger.Info("sandbox shut down")
	}
}

// IsActive reports whether the sandbox is initialized and not shut down.
func (s *PluginSandbox) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive || s.state == StateExecuting
}

// State returns the lifecycle state.
func (s *PluginSandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning reports whether a child process is alive.
func (s *PluginSandbox) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// Policy returns a copy of the current policy.
func (s *PluginSandbox) Policy() security.SecurityPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy.Clone()
}

// ResourceUsage returns the latest usage snapshot.
func (s *PluginSandbox) ResourceUsage() security.ResourceUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// UpdatePolicy replaces the policy. It is refused while a child runs.
// On an active sandbox the new policy must validate; the enforcer swaps its
// filesystem watches and monitoring follows the new level.
func (s *PluginSandbox) UpdatePolicy(p security.SecurityPolicy) error {
	s.mu.Lock()
	if s.run != nil || s.state == StateExecuting {
		s.mu.Unlock()
		err := fmt.Errorf("%w: cannot update policy while a plugin is running", security.ErrInvalidState)
		s.recordError("update_policy", err)
		return err
	}
	active := s.state == StateActive
	if active {
		if err := p.Validate(); err != nil {
			s.mu.Unlock()
			s.recordError("update_policy", err)
			return err
		}
	}
	s.policy = p.Clone()
	s.mu.Unlock()

	s.enforcer.UpdatePolicy(p)
	if active {
		if p.Level == security.LevelUnrestricted {
			s.stopTicker()
		} else {
			s.startTicker()
		}
	}
	s.logger.Info("sandbox policy updated", slog.String("policy", p.Name))
	return nil
}

// Errors returns a snapshot of the bounded error log, oldest first.
func (s *PluginSandbox) Errors() []ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ErrorRecord, len(s.errs))
	copy(out, s.errs)
	return out
}

// LastResult returns the outcome of the most recent finished run, or nil.
func (s *PluginSandbox) LastResult() *ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

// Wait blocks until the running child has finished and its completion event
// has been emitted, then returns the result. With no child running it
// returns the last result, which may be nil.
func (s *PluginSandbox) Wait(ctx context.Context) (*ExecutionResult, error) {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.LastResult(), nil
}

func (s *PluginSandbox) recordError(op string, err error) {
	s.mu.Lock()
	if len(s.errs) >= s.opts.ErrorLogSize {
		drop := len(s.errs) - s.opts.ErrorLogSize + 1
		s.errs = append(s.errs[:0], s.errs[drop:]...)
	}
	s.errs = append(s.errs, ErrorRecord{
		Time:      time.Now(),
		Operation: op,
		Code:      security.ErrorCode(err),
		Message:   err.Error(),
	})
	s.mu.Unlock()
}

// emit publishes an event to the bus and the hooks. Must be called without mu held.
func (s *PluginSandbox) emit(topic string, payload map[string]any) {
	ev := events.Event{
		Topic:     topic,
		SandboxID: s.id,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	s.mu.Lock()
	hooks := append([]EventHook(nil), s.hooks...)
	s.mu.Unlock()

	s.opts.Bus.Publish(ev)
	for _, h := range hooks {
		h(ev)
	}
}

// --- Monitoring ---

func (s *PluginSandbox) startTicker() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if s.tickStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.tickStop, s.tickDone = stop, done

	go func() {
		defer close(done)
		t := time.NewTicker(s.opts.MonitorInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.tick()
			}
		}
	}()
}

func (s *PluginSandbox) stopTicker() {
	s.tickMu.Lock()
	stop, done := s.tickStop, s.tickDone
	s.tickStop, s.tickDone = nil, nil
	s.tickMu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// tick samples the running child, publishes the usage and terminates the
// child on the first breach. It never blocks on termination.
func (s *PluginSandbox) tick() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	run := s.run
	sampled := s.sampled
	s.mu.Unlock()
	if run == nil || run.breached {
		return
	}

	var sample security.ResourceUsage
	if sampled {
		sample = s.monitor.ProcessUsage(run.pid)
	}

	s.mu.Lock()
	if s.run != run {
		s.mu.Unlock()
		return
	}
	if sampled {
		start := s.usage.StartTime
		s.usage = sample
		s.usage.StartTime = start
	}
	usage := s.usage
	limits := s.policy.Limits
	s.mu.Unlock()

	s.emit(events.TopicResourceUsageUpdated, map[string]any{"usage": usage.ToMap()})

	dim := usage.FirstExceeded(limits, time.Now())
	if dim == "" {
		return
	}
	run.breached = true
	s.logger.Warn("resource limit exceeded",
		slog.String("dimension", dim),
		slog.Int("pid", run.pid),
		slog.String("execution_id", run.id),
	)
	s.emit(events.TopicResourceLimitExceeded, map[string]any{
		"dimension":    dim,
		"usage":        usage.ToMap(),
		"execution_id": run.id,
	})
	go s.terminate(run, reasonLimit+dim)
}

// onTimeout fires when the execution timer expires.
func (s *PluginSandbox) onTimeout(run *execution) {
	s.tickMu.Lock()
	s.mu.Lock()
	current := s.run == run
	timeout := s.policy.Limits.ExecutionTimeout
	s.mu.Unlock()
	if !current || run.breached {
		s.tickMu.Unlock()
		return
	}
	run.breached = true
	s.logger.Warn("plugin execution timed out",
		slog.Duration("timeout", timeout),
		slog.Int("pid", run.pid),
	)
	s.emit(events.TopicSecurityViolation, map[string]any{
		"kind": security.ProcessError.String(),
		"details": map[string]any{
			"reason":       "execution timeout",
			"timeout_ms":   timeout.Milliseconds(),
			"pid":          run.pid,
			"execution_id": run.id,
		},
	})
	s.tickMu.Unlock()

	s.terminate(run, ReasonTimeout)
}
