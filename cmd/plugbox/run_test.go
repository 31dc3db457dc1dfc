package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"

	"github.com/jkaninda/plugbox/internal/security"
)

// syncBuffer is written by the logger and the event stream concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// setRunFlags points the run command at a missing config file and an
// in-memory catalog, restoring the flag globals afterwards.
func setRunFlags(t *testing.T, policy string, allow []string) {
	t.Helper()
	t.Setenv("PLUGBOX_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("PLUGBOX_DB_DSN", "")

	saved := []any{runPolicy, runPolicyFile, runType, runInput, runQuiet, runNoStore, runAllowDirs}
	t.Cleanup(func() {
		runPolicy = saved[0].(string)
		runPolicyFile = saved[1].(string)
		runType = saved[2].(string)
		runInput = saved[3].(string)
		runQuiet = saved[4].(bool)
		runNoStore = saved[5].(bool)
		runAllowDirs, _ = saved[6].([]string)
	})
	runPolicy = policy
	runPolicyFile = ""
	runType = "native"
	runInput = ""
	runQuiet = false
	runNoStore = true
	runAllowDirs = allow
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "plugin.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newRunCommand(stdout, stderr *syncBuffer) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd
}

func TestRunPluginStreamsFullLifecycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell plugins require a unix platform")
	}
	dir := t.TempDir()
	script := writeScript(t, dir, "echo hello")
	setRunFlags(t, security.PolicyLimited, []string{dir})

	var stdout, stderr syncBuffer
	if err := runPlugin(newRunCommand(&stdout, &stderr), []string{script}); err != nil {
		t.Fatalf("run: %v\nstderr:\n%s", err, stderr.String())
	}
	if stdout.String() != "hello\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
	log := stderr.String()
	for _, topic := range []string{"sandbox_created", "execution_started", "execution_completed", "sandbox_removed"} {
		if !strings.Contains(log, `"topic":"`+topic+`"`) {
			t.Errorf("event stream lacks %s:\n%s", topic, log)
		}
	}
}

func TestRunPluginDeniedByPolicy(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell plugins require a unix platform")
	}
	script := writeScript(t, t.TempDir(), "echo hello")
	setRunFlags(t, security.PolicyStrict, nil)

	var stdout, stderr syncBuffer
	err := runPlugin(newRunCommand(&stdout, &stderr), []string{script})
	if !errors.Is(err, security.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if stdout.String() != "" {
		t.Errorf("denied plugin wrote %q", stdout.String())
	}
}

func TestWithAllowedDirs(t *testing.T) {
	p := security.LimitedPolicy()
	before := len(p.Permissions.AllowedDirectories)
	shared := p.Permissions.AllowedDirectories

	got := withAllowedDirs(p, []string{"plugins"})
	dirs := got.Permissions.AllowedDirectories
	if len(dirs) != before+1 || !filepath.IsAbs(dirs[len(dirs)-1]) {
		t.Errorf("dirs = %v", dirs)
	}
	if len(shared) != before {
		t.Error("original policy's directories changed")
	}
	if same := withAllowedDirs(p, nil); len(same.Permissions.AllowedDirectories) != before {
		t.Error("no extra dirs should leave the policy unchanged")
	}
}
