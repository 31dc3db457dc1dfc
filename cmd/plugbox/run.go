package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/plugbox/internal/events"
	"github.com/jkaninda/plugbox/internal/sandbox"
	"github.com/jkaninda/plugbox/internal/security"
	"github.com/jkaninda/plugbox/internal/storage"
)

var (
	runPolicy     string
	runPolicyFile string
	runType       string
	runInput      string
	runQuiet      bool
	runNoStore    bool
	runAllowDirs  []string
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <plugin> [-- args...]",
	Short: "Run one plugin in a fresh sandbox and exit with its exit code",
	Long: `Run one plugin in a fresh sandbox and exit with its exit code.

The plugin image must be readable under the chosen policy: the policy has to
grant fs_read and the image has to lie under one of its allowed directories.
--allow-dir extends the resolved policy's directories for this run only.`,
	Example: `  plugbox run --allow-dir ./plugins ./plugins/hello
  plugbox run --policy-file ci.yaml --policy ci --type python script.py -- --verbose`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlugin,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runPolicy, "policy", security.PolicyLimited, "registered policy name")
	f.StringVar(&runPolicyFile, "policy-file", "", "YAML or JSON policy file; its policies are registered before --policy is resolved")
	f.StringVar(&runType, "type", "native", "plugin type: native, python, javascript")
	f.StringVar(&runInput, "input", "", "JSON object written to the plugin's stdin")
	f.BoolVarP(&runQuiet, "quiet", "q", false, "do not stream events to stderr")
	f.BoolVar(&runNoStore, "no-store", false, "skip the policy store; only default and config policies are available")
	f.StringSliceVar(&runAllowDirs, "allow-dir", nil, "extra allowed directory for this run (repeatable)")
}

func runPlugin(cmd *cobra.Command, args []string) error {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(stderr, cfg)
	if err != nil {
		return err
	}

	pt, err := security.ParsePluginType(runType)
	if err != nil {
		return err
	}
	var input map[string]any
	if runInput != "" {
		if err := json.Unmarshal([]byte(runInput), &input); err != nil {
			return fmt.Errorf("%w: --input must be a JSON object: %v", security.ErrInvalidArgument, err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	defer bus.Close()

	// Subscribed before the manager so the stream outlives ShutdownAll and
	// carries sandbox_removed.
	id := "run-" + uuid.NewString()[:8]
	if !runQuiet {
		sub := bus.Subscribe(events.Filter{SandboxID: id})
		streamDone := make(chan struct{})
		go func() {
			defer close(streamDone)
			streamEvents(stderr, sub)
		}()
		defer func() {
			sub.Close()
			<-streamDone
		}()
	}

	var store storage.Store
	if !runNoStore {
		if store, err = initStore(ctx, cfg, logger); err != nil {
			return err
		}
		defer store.Close()
	}
	mgr, err := newManager(ctx, cfg, store, bus, logger)
	if err != nil {
		return err
	}
	defer mgr.ShutdownAll()

	if runPolicyFile != "" {
		if _, err := importPolicies(ctx, mgr, runPolicyFile); err != nil {
			return err
		}
	}
	policy, err := mgr.Policy(runPolicy)
	if err != nil {
		return err
	}
	policy = withAllowedDirs(policy, runAllowDirs)

	sb, err := mgr.CreateSandbox(id, policy)
	if err != nil {
		return err
	}
	info, err := sb.ExecutePlugin(sandbox.ExecuteRequest{
		PluginPath: args[0],
		Type:       pt,
		Args:       args[1:],
		Input:      input,
	})
	if err != nil {
		return err
	}
	logger.Info("plugin started",
		slog.String("sandbox_id", id),
		slog.String("policy", policy.Name),
		slog.Int("pid", info.PID),
	)

	result, err := sb.Wait(ctx)
	if err != nil {
		// Interrupted: terminate and collect the result anyway.
		sb.TerminatePlugin()
		waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if result, err = sb.Wait(waitCtx); err != nil {
			return fmt.Errorf("waiting for plugin: %w", err)
		}
	}
	if result == nil {
		return fmt.Errorf("%w: no result recorded", security.ErrExecutionFailed)
	}

	_, _ = io.WriteString(stdout, result.Stdout)
	if result.Stderr != "" {
		_, _ = io.WriteString(stderr, result.Stderr)
	}
	logger.Info("plugin finished",
		slog.String("sandbox_id", id),
		slog.Int("exit_code", result.ExitCode),
		slog.String("exit_status", result.ExitStatus),
		slog.String("termination_reason", result.TerminationReason),
		slog.Duration("duration", result.Duration),
	)
	switch {
	case result.ExitCode > 0:
		return &exitError{code: result.ExitCode}
	case result.ExitCode < 0:
		// Killed by a signal.
		return &exitError{code: 1}
	}
	return nil
}

// withAllowedDirs returns p with dirs appended to its allowed directories.
// The permission bits are left as the policy sets them.
func withAllowedDirs(p security.SecurityPolicy, dirs []string) security.SecurityPolicy {
	if len(dirs) == 0 {
		return p
	}
	merged := make([]string, 0, len(p.Permissions.AllowedDirectories)+len(dirs))
	merged = append(merged, p.Permissions.AllowedDirectories...)
	for _, d := range dirs {
		if abs, err := filepath.Abs(d); err == nil {
			d = abs
		}
		merged = append(merged, d)
	}
	p.Permissions.AllowedDirectories = merged
	return p
}

// streamEvents writes each event as one JSON line until sub is closed.
func streamEvents(w io.Writer, sub *events.Subscription) {
	enc := json.NewEncoder(w)
	for ev := range sub.C {
		_ = enc.Encode(ev)
	}
}
