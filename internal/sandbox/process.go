package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/plugbox/internal/events"
	"github.com/jkaninda/plugbox/internal/security"
)

// ExecuteRequest names the plugin image to run.
type ExecuteRequest struct {
	PluginPath string
	Type       security.PluginType
	// Args are appended to the plugin's argv.
	Args []string
	// Input, when set, is written to the child's stdin as JSON.
	Input map[string]any
}

// ExecutionInfo is returned once the child has started.
type ExecutionInfo struct {
	Status      string `json:"status"`
	PID         int    `json:"pid"`
	PluginPath  string `json:"plugin_path"`
	ExecutionID string `json:"execution_id"`
}

// ExecutionResult captures the outcome of a finished run.
type ExecutionResult struct {
	ExecutionID       string                 `json:"execution_id"`
	ExitCode          int                    `json:"exit_code"`
	ExitStatus        string                 `json:"exit_status"`
	TerminationReason string                 `json:"termination_reason,omitempty"`
	Usage             security.ResourceUsage `json:"resource_usage"`
	Stdout            string                 `json:"stdout"`
	Stderr            string                 `json:"stderr"`
	Duration          time.Duration          `json:"-"`
}

// execution is the state of one child process.
type execution struct {
	id         string
	pid        int
	pluginPath string
	workDir    string
	cmd        *exec.Cmd
	started    time.Time
	timer      *time.Timer
	stdout     bytes.Buffer
	stderr     bytes.Buffer

	reason      string // first termination reason, guarded by PluginSandbox.mu
	breached    bool   // guarded by PluginSandbox.tickMu
	terminating atomic.Bool
	exited      chan struct{} // closed when cmd.Wait returns
	done        chan struct{} // closed after execution_completed is emitted
}

// ExecutePlugin starts the plugin as a child process and returns as soon as
// it is running. Completion is reported by the execution_completed event and
// by Wait.
func (s *PluginSandbox) ExecutePlugin(req ExecuteRequest) (*ExecutionInfo, error) {
	info, err := s.executePlugin(req)
	if err != nil {
		s.recordError("execute_plugin", err)
		s.logger.Warn("plugin execution refused",
			slog.String("plugin_path", req.PluginPath),
			slog.String("error", err.Error()),
		)
	}
	return info, err
}

func (s *PluginSandbox) executePlugin(req ExecuteRequest) (*ExecutionInfo, error) {
	// Reserve the sandbox: Executing blocks a concurrent second execute.
	s.mu.Lock()
	switch {
	case s.state == StateExecuting || s.run != nil:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: a plugin is already running in sandbox %s", security.ErrInvalidState, s.id)
	case s.state != StateActive:
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: sandbox %s is %s", security.ErrInvalidState, s.id, state)
	}
	s.state = StateExecuting
	policy := s.policy.Clone()
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if s.state == StateExecuting && s.run == nil {
			s.state = StateActive
		}
		s.mu.Unlock()
	}

	program, argv, err := s.resolveCommand(req)
	if err != nil {
		release()
		return nil, err
	}

	execID := uuid.NewString()
	workDir := filepath.Join(os.TempDir(), "plugbox_sandbox_"+strconv.Itoa(os.Getpid())+"_"+execID[:8])
	// The watcher must know the work dir before its create event arrives.
	s.enforcer.SetWorkDir(workDir)
	s.monitor.SetWorkDir(workDir)
	if err := os.Mkdir(workDir, 0o700); err != nil {
		s.enforcer.SetWorkDir("")
		s.monitor.SetWorkDir("")
		release()
		return nil, fmt.Errorf("%w: creating working directory: %v", security.ErrExecutionFailed, err)
	}

	run := &execution{
		id:         execID,
		pluginPath: req.PluginPath,
		workDir:    workDir,
		exited:     make(chan struct{}),
		done:       make(chan struct{}),
	}

	cmd := exec.Command(program, argv...)
	cmd.Dir = workDir
	cmd.Env = buildEnv(s.opts.Environ(), policy)
	cmd.Stdout = &limitedWriter{w: &run.stdout, remaining: s.opts.MaxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &run.stderr, remaining: s.opts.MaxOutputBytes}
	// Grandchildren that escape the group must not hold Wait open forever.
	cmd.WaitDelay = s.opts.KillGrace
	if req.Input != nil {
		data, err := json.Marshal(req.Input)
		if err != nil {
			release()
			s.removeWorkDir(workDir)
			return nil, fmt.Errorf("%w: encoding plugin input: %v", security.ErrInvalidArgument, err)
		}
		cmd.Stdin = bytes.NewReader(data)
	}
	isolate(cmd)
	run.cmd = cmd

	if err := s.start(cmd); err != nil {
		release()
		s.removeWorkDir(workDir)
		return nil, err
	}
	run.pid = cmd.Process.Pid
	run.started = time.Now()

	s.enforcer.SetProcessID(run.pid)

	s.tickMu.Lock()
	s.mu.Lock()
	if s.state != StateExecuting {
		// Shut down while the child was starting.
		s.mu.Unlock()
		s.tickMu.Unlock()
		_ = signalKill(run.pid)
		_ = cmd.Wait()
		s.enforcer.SetProcessID(0)
		s.removeWorkDir(workDir)
		return nil, fmt.Errorf("%w: sandbox %s shut down during start", security.ErrInvalidState, s.id)
	}
	s.run = run
	s.usage = security.NewResourceUsage(run.started)
	s.mu.Unlock()
	run.timer = time.AfterFunc(policy.Limits.ExecutionTimeout, func() { s.onTimeout(run) })
	s.logger.Info("plugin started",
		slog.String("plugin_path", req.PluginPath),
		slog.String("type", req.Type.String()),
		slog.Int("pid", run.pid),
		slog.String("execution_id", execID),
		slog.Duration("timeout", policy.Limits.ExecutionTimeout),
	)
	s.emit(events.TopicExecutionStarted, map[string]any{
		"execution_id": execID,
		"pid":          run.pid,
		"plugin_path":  req.PluginPath,
		"plugin_type":  req.Type.String(),
	})
	go s.waitRun(run)
	s.tickMu.Unlock()

	return &ExecutionInfo{
		Status:      "started",
		PID:         run.pid,
		PluginPath:  req.PluginPath,
		ExecutionID: execID,
	}, nil
}

// resolveCommand picks the program and argv for the plugin type after
// checking that the image exists and may be run.
func (s *PluginSandbox) resolveCommand(req ExecuteRequest) (string, []string, error) {
	if req.PluginPath == "" {
		return "", nil, fmt.Errorf("%w: plugin path is empty", security.ErrInvalidArgument)
	}
	path, err := filepath.Abs(req.PluginPath)
	if err != nil {
		return "", nil, fmt.Errorf("%w: resolving %s: %v", security.ErrInvalidArgument, req.PluginPath, err)
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", nil, fmt.Errorf("%w: %s", security.ErrFileNotFound, req.PluginPath)
	case errors.Is(err, fs.ErrPermission):
		return "", nil, fmt.Errorf("%w: %s", security.ErrPermissionDenied, req.PluginPath)
	case err != nil:
		return "", nil, fmt.Errorf("%w: stat %s: %v", security.ErrExecutionFailed, req.PluginPath, err)
	case info.IsDir():
		return "", nil, fmt.Errorf("%w: %s is a directory", security.ErrInvalidArgument, req.PluginPath)
	}
	if !s.enforcer.ValidateFileAccess(path, false) {
		return "", nil, fmt.Errorf("%w: policy denies reading %s", security.ErrPermissionDenied, req.PluginPath)
	}

	var interpreter string
	switch req.Type {
	case security.PluginNative:
		if !executable(info) {
			return "", nil, fmt.Errorf("%w: %s is not executable", security.ErrPermissionDenied, req.PluginPath)
		}
		return path, req.Args, nil
	case security.PluginPython:
		interpreter = s.opts.PythonInterpreter
	case security.PluginJavaScript:
		interpreter = s.opts.NodeInterpreter
	default:
		return "", nil, fmt.Errorf("%w: plugin type %s", security.ErrNotSupported, req.Type)
	}

	program, err := exec.LookPath(interpreter)
	if err != nil {
		return "", nil, fmt.Errorf("%w: interpreter %s: %v", security.ErrExecutionFailed, interpreter, err)
	}
	argv := append([]string{path}, req.Args...)
	return program, argv, nil
}

// start launches cmd, giving up after StartTimeout. A start that completes
// after the deadline is killed.
func (s *PluginSandbox) start(cmd *exec.Cmd) error {
	result := make(chan error, 1)
	go func() { result <- cmd.Start() }()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("%w: starting plugin: %v", security.ErrExecutionFailed, err)
		}
		return nil
	case <-time.After(s.opts.StartTimeout):
		go func() {
			if err := <-result; err == nil {
				_ = signalKill(cmd.Process.Pid)
				_ = cmd.Wait()
			}
		}()
		return fmt.Errorf("%w: plugin did not start within %s", security.ErrExecutionFailed, s.opts.StartTimeout)
	}
}

// waitRun reaps the child and emits execution_completed.
func (s *PluginSandbox) waitRun(run *execution) {
	waitErr := run.cmd.Wait()
	close(run.exited)
	run.timer.Stop()
	duration := time.Since(run.started)

	code, crashed := exitInfo(run.cmd.ProcessState)
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
			s.recordError("execute_plugin", fmt.Errorf("%w: waiting for plugin: %v", security.ErrExecutionFailed, waitErr))
		}
	}

	s.tickMu.Lock()
	s.mu.Lock()
	reason := run.reason
	if reason != "" && code == 0 {
		code = 1
	}
	status := "normal"
	if crashed {
		status = "crashed"
	}
	usage := s.usage
	result := &ExecutionResult{
		ExecutionID:       run.id,
		ExitCode:          code,
		ExitStatus:        status,
		TerminationReason: reason,
		Usage:             usage,
		Stdout:            run.stdout.String(),
		Stderr:            run.stderr.String(),
		Duration:          duration,
	}
	s.last = result
	s.run = nil
	if s.state == StateExecuting {
		s.state = StateActive
	}
	s.mu.Unlock()

	s.enforcer.SetProcessID(0)
	s.logger.Info("plugin finished",
		slog.Int("exit_code", code),
		slog.String("exit_status", status),
		slog.String("termination_reason", reason),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", len(result.Stdout)),
		slog.Int("stderr_bytes", len(result.Stderr)),
	)
	s.emit(events.TopicExecutionCompleted, map[string]any{
		"exit_code":          code,
		"exit_status":        status,
		"resource_usage":     usage.ToMap(),
		"stdout":             result.Stdout,
		"stderr":             result.Stderr,
		"execution_id":       run.id,
		"duration_ms":        duration.Milliseconds(),
		"termination_reason": reason,
	})
	s.tickMu.Unlock()

	s.removeWorkDir(run.workDir)
	close(run.done)
}

// TerminatePlugin stops the running child: a polite terminate, then a
// force-kill after the grace window. It returns once the child has exited
// or the kill window elapsed. No-op when nothing runs.
func (s *PluginSandbox) TerminatePlugin() {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return
	}
	s.terminate(run, ReasonRequested)
}

func (s *PluginSandbox) terminate(run *execution, reason string) {
	s.mu.Lock()
	if run.reason == "" {
		run.reason = reason
	}
	s.mu.Unlock()

	// Only the first caller signals; the rest just wait for the exit.
	if !run.terminating.CompareAndSwap(false, true) {
		select {
		case <-run.exited:
		case <-time.After(s.opts.TerminateGrace + s.opts.KillGrace):
		}
		return
	}

	if err := signalTerminate(run.pid); err != nil {
		s.logger.Warn("terminate signal failed", slog.Int("pid", run.pid), slog.String("error", err.Error()))
	}
	select {
	case <-run.exited:
		return
	case <-time.After(s.opts.TerminateGrace):
	}

	s.logger.Warn("plugin ignored terminate, killing", slog.Int("pid", run.pid))
	if err := signalKill(run.pid); err != nil {
		s.logger.Warn("kill signal failed", slog.Int("pid", run.pid), slog.String("error", err.Error()))
	}
	select {
	case <-run.exited:
	case <-time.After(s.opts.KillGrace):
		s.logger.Error("plugin still alive after kill", slog.Int("pid", run.pid))
	}
}

func (s *PluginSandbox) removeWorkDir(dir string) {
	if rmErr := os.RemoveAll(dir); rmErr != nil {
		s.logger.Warn("failed to remove sandbox work dir",
			slog.String("dir", dir),
			slog.String("error", rmErr.Error()),
		)
	}
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	mu        sync.Mutex
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	n := len(p)
	if lw.remaining <= 0 {
		return n, nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
