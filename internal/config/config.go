// Package config handles loading and validating plugbox configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/plugbox/internal/sandbox"
	"github.com/jkaninda/plugbox/internal/security"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for plugbox.
type Config struct {
	DataDir       string                 `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.plugbox. Override: PLUGBOX_DATA_DIR env var.
	LogLevel      string                 `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Sandbox       SandboxConfig          `json:"sandbox" yaml:"sandbox"`
	Policies      map[string]PolicyEntry `json:"policies,omitempty" yaml:"policies,omitempty"` // Extra named policies registered at startup.
	PolicyFiles   []string               `json:"policy_files,omitempty" yaml:"policy_files,omitempty"`
	Storage       *StorageConfig         `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under data_dir
	Retention     *RetentionConfig       `json:"retention,omitempty" yaml:"retention,omitempty"`         // nil = events kept forever
	HTTP          *HTTPConfig            `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = no control plane
	Observability *ObservabilityConfig   `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Audit         *AuditConfig           `json:"audit,omitempty" yaml:"audit,omitempty"`
}

// SandboxConfig tunes every sandbox the manager creates. Zero values fall back to defaults.
type SandboxConfig struct {
	MonitorIntervalMS int    `json:"monitor_interval_ms" yaml:"monitor_interval_ms"` // Default: 100
	TerminateGraceMS  int    `json:"terminate_grace_ms" yaml:"terminate_grace_ms"`   // Default: 3000
	KillGraceMS       int    `json:"kill_grace_ms" yaml:"kill_grace_ms"`             // Default: 1000
	StartTimeoutMS    int    `json:"start_timeout_ms" yaml:"start_timeout_ms"`       // Default: 5000
	MaxOutputBytes    int    `json:"max_output_bytes" yaml:"max_output_bytes"`       // Default: 1 MiB
	PythonInterpreter string `json:"python_interpreter" yaml:"python_interpreter"`   // Default: "python"
	NodeInterpreter   string `json:"node_interpreter" yaml:"node_interpreter"`       // Default: "node"
	EventLogSize      int    `json:"event_log_size" yaml:"event_log_size"`           // Default: 1000
	ErrorLogSize      int    `json:"error_log_size" yaml:"error_log_size"`           // Default: 100
}

// PolicyEntry is a security policy document embedded in the config file.
// It accepts the same field names as policy files.
type PolicyEntry struct {
	security.SecurityPolicy
}

// UnmarshalJSON decodes the entry with the policy wire format.
func (e *PolicyEntry) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &e.SecurityPolicy)
}

// MarshalJSON encodes the entry with the policy wire format.
func (e PolicyEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.SecurityPolicy)
}

// UnmarshalYAML routes the YAML node through the JSON policy decoder.
func (e *PolicyEntry) UnmarshalYAML(node *yaml.Node) error {
	var doc any
	if err := node.Decode(&doc); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	p, err := security.PolicyFromJSON(raw)
	if err != nil {
		return err
	}
	e.SecurityPolicy = p
	return nil
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/plugbox.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: PLUGBOX_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// RetentionConfig configures pruning of persisted security events.
type RetentionConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Schedule    string `json:"schedule" yaml:"schedule"`           // Cron expression. Default: "@hourly"
	MaxAgeHours int    `json:"max_age_hours" yaml:"max_age_hours"` // Default: 168 (7 days)
}

// HTTPConfig configures the REST control plane.
type HTTPConfig struct {
	Enabled           bool              `json:"enabled" yaml:"enabled"`
	ListenAddr        string            `json:"listen_addr" yaml:"listen_addr"`                 // Default: ":8090"
	APIKeys           map[string]string `json:"api_keys" yaml:"api_keys"`                       // API key → caller id. Extra key: PLUGBOX_API_KEY env var.
	RequestsPerMinute int               `json:"requests_per_minute" yaml:"requests_per_minute"` // Per key. 0 = unlimited.
	Burst             int               `json:"burst" yaml:"burst"`
	EnableDocs        bool              `json:"enable_docs" yaml:"enable_docs"` // Serve the OpenAPI docs.
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "plugbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0 to 1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AuditConfig configures the JSONL mirror of security events.
type AuditConfig struct {
	JSONLPath string `json:"jsonl_path" yaml:"jsonl_path"`
}

// DefaultConfigPath returns the default config file path (~/.plugbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "plugbox.yaml"
	}
	return filepath.Join(home, ".plugbox", "config.yaml")
}

// Default returns a config with every default applied and no file behind it.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// A missing file yields the defaults. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := Default()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes config bytes. ext selects the format (".yml"/".yaml" for YAML, anything else JSON).
// No defaults or env overrides are applied.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", security.ErrInvalidConfiguration, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", security.ErrInvalidConfiguration, err)
		}
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PLUGBOX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PLUGBOX_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("PLUGBOX_API_KEY"); v != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		if c.HTTP.APIKeys == nil {
			c.HTTP.APIKeys = make(map[string]string)
		}
		c.HTTP.APIKeys[v] = "env"
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".plugbox")
		} else {
			c.DataDir = "data"
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Retention != nil {
		if c.Retention.Schedule == "" {
			c.Retention.Schedule = "@hourly"
		}
		if c.Retention.MaxAgeHours == 0 {
			c.Retention.MaxAgeHours = 168
		}
	}
	if c.HTTP != nil && c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = ":8090"
	}
	if c.Storage != nil && c.Storage.Postgres != nil {
		pg := c.Storage.Postgres
		if pg.MaxOpenConns == 0 {
			pg.MaxOpenConns = 25
		}
		if pg.MaxIdleConns == 0 {
			pg.MaxIdleConns = 5
		}
		if pg.ConnMaxLifetimeS == 0 {
			pg.ConnMaxLifetimeS = 1800
		}
	}
	if c.Observability != nil {
		if m := c.Observability.Metrics; m != nil && m.Path == "" {
			m.Path = "/metrics"
		}
		if t := c.Observability.Tracing; t != nil {
			if t.Protocol == "" {
				t.Protocol = "grpc"
			}
			if t.ServiceName == "" {
				t.ServiceName = "plugbox"
			}
			if t.SampleRate == 0 {
				t.SampleRate = 1.0
			}
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "plugbox.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// RetentionMaxAge returns the retention window, or zero when retention is off.
func (c *Config) RetentionMaxAge() time.Duration {
	if c.Retention == nil || !c.Retention.Enabled {
		return 0
	}
	return time.Duration(c.Retention.MaxAgeHours) * time.Hour
}

// NamedPolicies returns the inline policies with each renamed to its map key.
func (c *Config) NamedPolicies() map[string]security.SecurityPolicy {
	out := make(map[string]security.SecurityPolicy, len(c.Policies))
	for name, e := range c.Policies {
		p := e.SecurityPolicy.Clone()
		p.Name = name
		out[name] = p
	}
	return out
}

// SandboxOptions converts the sandbox section to manager options. Zero fields
// are left for the sandbox package to default.
func (c *Config) SandboxOptions() sandbox.Options {
	sb := c.Sandbox
	return sandbox.Options{
		MonitorInterval:   ms(sb.MonitorIntervalMS),
		TerminateGrace:    ms(sb.TerminateGraceMS),
		KillGrace:         ms(sb.KillGraceMS),
		StartTimeout:      ms(sb.StartTimeoutMS),
		MaxOutputBytes:    sb.MaxOutputBytes,
		PythonInterpreter: sb.PythonInterpreter,
		NodeInterpreter:   sb.NodeInterpreter,
		EventLogSize:      sb.EventLogSize,
		ErrorLogSize:      sb.ErrorLogSize,
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) validate() error {
	sb := c.Sandbox
	for field, v := range map[string]int{
		"sandbox.monitor_interval_ms": sb.MonitorIntervalMS,
		"sandbox.terminate_grace_ms":  sb.TerminateGraceMS,
		"sandbox.kill_grace_ms":       sb.KillGraceMS,
		"sandbox.start_timeout_ms":    sb.StartTimeoutMS,
		"sandbox.max_output_bytes":    sb.MaxOutputBytes,
		"sandbox.event_log_size":      sb.EventLogSize,
		"sandbox.error_log_size":      sb.ErrorLogSize,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s must not be negative", security.ErrInvalidConfiguration, field)
		}
	}
	for name, e := range c.Policies {
		p := e.SecurityPolicy.Clone()
		p.Name = name
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policies.%s: %w", name, err)
		}
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("%w: storage.postgres.dsn is required (set PLUGBOX_DB_DSN env var)", security.ErrInvalidConfiguration)
			}
		default:
			return fmt.Errorf("%w: storage.driver %q is not supported (use sqlite or postgres)", security.ErrInvalidConfiguration, c.Storage.Driver)
		}
	}
	if c.Retention != nil && c.Retention.MaxAgeHours < 0 {
		return fmt.Errorf("%w: retention.max_age_hours must not be negative", security.ErrInvalidConfiguration)
	}
	if c.HTTP != nil && c.HTTP.Enabled {
		if len(c.HTTP.APIKeys) == 0 {
			return fmt.Errorf("%w: http.api_keys must contain at least one key (or set PLUGBOX_API_KEY)", security.ErrInvalidConfiguration)
		}
		if c.HTTP.RequestsPerMinute < 0 || c.HTTP.Burst < 0 {
			return fmt.Errorf("%w: http rate limit must not be negative", security.ErrInvalidConfiguration)
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil {
		t := c.Observability.Tracing
		if t.Protocol != "grpc" && t.Protocol != "http" {
			return fmt.Errorf("%w: observability.tracing.protocol must be grpc or http", security.ErrInvalidConfiguration)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("%w: observability.tracing.sample_rate must be between 0 and 1", security.ErrInvalidConfiguration)
		}
	}
	return nil
}
