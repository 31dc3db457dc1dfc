package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/plugbox/internal/security"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PLUGBOX_DATA_DIR", "PLUGBOX_DB_DSN", "PLUGBOX_API_KEY"} {
		t.Setenv(k, "")
	}
}

const sampleYAML = `
data_dir: /var/lib/plugbox
log_level: debug
sandbox:
  monitor_interval_ms: 250
  terminate_grace_ms: 2000
  python_interpreter: python3
policies:
  batch:
    level: limited
    limits:
      cpu_time_limit: 60000
      memory_limit_mb: 64
      disk_space_limit_mb: 10
      max_file_handles: 32
      max_network_connections: 0
      execution_timeout: 30000
    permissions:
      allow_file_system_read: true
      allowed_directories: [/tmp]
retention:
  enabled: true
http:
  enabled: true
  api_keys:
    secret: ci
observability:
  tracing:
    enabled: true
`

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, "plugbox.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/plugbox" || cfg.LogLevel != "debug" {
		t.Errorf("data_dir/log_level = %q/%q", cfg.DataDir, cfg.LogLevel)
	}

	opts := cfg.SandboxOptions()
	if opts.MonitorInterval != 250*time.Millisecond || opts.TerminateGrace != 2*time.Second {
		t.Errorf("sandbox options = %+v", opts)
	}
	if opts.KillGrace != 0 {
		t.Errorf("unset kill grace should stay zero for sandbox defaults, got %v", opts.KillGrace)
	}
	if opts.PythonInterpreter != "python3" {
		t.Errorf("python = %q", opts.PythonInterpreter)
	}

	policies := cfg.NamedPolicies()
	batch, ok := policies["batch"]
	if !ok {
		t.Fatalf("inline policy missing: %v", policies)
	}
	if batch.Name != "batch" || batch.Level != security.LevelLimited {
		t.Errorf("batch = %+v", batch)
	}
	if batch.Limits.ExecutionTimeout != 30*time.Second || batch.Limits.MemoryLimitMB != 64 {
		t.Errorf("batch limits = %+v", batch.Limits)
	}
	if len(batch.Permissions.AllowedDirectories) != 1 {
		t.Errorf("batch dirs = %v", batch.Permissions.AllowedDirectories)
	}

	if cfg.Retention.Schedule != "@hourly" || cfg.RetentionMaxAge() != 168*time.Hour {
		t.Errorf("retention defaults = %+v", cfg.Retention)
	}
	if cfg.HTTP.ListenAddr != ":8090" {
		t.Errorf("listen = %q", cfg.HTTP.ListenAddr)
	}
	tr := cfg.Observability.Tracing
	if tr.Protocol != "grpc" || tr.ServiceName != "plugbox" || tr.SampleRate != 1.0 {
		t.Errorf("tracing defaults = %+v", tr)
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
	if cfg.DatabasePath() != filepath.Join("/var/lib/plugbox", "plugbox.db") {
		t.Errorf("db path = %q", cfg.DatabasePath())
	}
}

func TestLoadJSON(t *testing.T) {
	clearEnv(t)
	body := `{"data_dir": "/srv/pb", "sandbox": {"kill_grace_ms": 500},
		"policies": {"ci": {"level": 3, "limits": {"cpu_time_limit": 1000, "memory_limit_mb": 16, "execution_timeout": 1000}}}}`
	cfg, err := Load(writeFile(t, "plugbox.json", body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SandboxOptions().KillGrace != 500*time.Millisecond {
		t.Errorf("kill grace = %v", cfg.SandboxOptions().KillGrace)
	}
	ci := cfg.NamedPolicies()["ci"]
	if ci.Level != security.LevelStrict || ci.Limits.MemoryLimitMB != 16 {
		t.Errorf("ci = %+v", ci)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PLUGBOX_DATA_DIR", "/tmp/pb-data")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/pb-data" || cfg.LogLevel != "info" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.HTTP != nil || cfg.Retention != nil || cfg.RetentionMaxAge() != 0 {
		t.Errorf("optional sections should stay nil: %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PLUGBOX_DATA_DIR", "/env/data")
	t.Setenv("PLUGBOX_DB_DSN", "postgres://u:p@localhost/plugbox")
	t.Setenv("PLUGBOX_API_KEY", "from-env")

	cfg, err := Load(writeFile(t, "c.yaml", "data_dir: /file/data\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/env/data" {
		t.Errorf("data dir = %q", cfg.DataDir)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://u:p@localhost/plugbox" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Storage.Postgres.MaxOpenConns != 25 || cfg.Storage.Postgres.ConnMaxLifetimeS != 1800 {
		t.Errorf("pool defaults = %+v", cfg.Storage.Postgres)
	}
	if cfg.HTTP.APIKeys["from-env"] != "env" {
		t.Errorf("api keys = %v", cfg.HTTP.APIKeys)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"negative interval", "sandbox:\n  monitor_interval_ms: -1\n"},
		{"unknown driver", "storage:\n  driver: mysql\n"},
		{"postgres without dsn", "storage:\n  driver: postgres\n"},
		{"http without keys", "http:\n  enabled: true\n"},
		{"bad tracing protocol", "observability:\n  tracing:\n    protocol: udp\n"},
		{"bad sample rate", "observability:\n  tracing:\n    sample_rate: 2\n"},
		{"invalid inline policy", "policies:\n  broken:\n    level: strict\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tt.body))
			if !errors.Is(err, security.ErrInvalidConfiguration) {
				t.Errorf("err = %v, want ErrInvalidConfiguration", err)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse([]byte("{not json"), ".json"); !errors.Is(err, security.ErrInvalidConfiguration) {
		t.Errorf("json err = %v", err)
	}
	if _, err := Parse([]byte("sandbox: [unterminated"), ".yaml"); !errors.Is(err, security.ErrInvalidConfiguration) {
		t.Errorf("yaml err = %v", err)
	}
}

func TestResolvePathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got, err := resolvePath("~/x/config.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "x", "config.yaml") {
		t.Errorf("resolvePath = %q", got)
	}
}
