package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Names of the four built-in policies.
const (
	PolicyUnrestricted = "unrestricted"
	PolicyLimited      = "limited"
	PolicySandboxed    = "sandboxed"
	PolicyStrict       = "strict"
)

// ResourceLimits are the ceilings a sandboxed plugin may consume.
// Durations travel as integer milliseconds on the wire.
type ResourceLimits struct {
	CPUTimeLimit          time.Duration
	MemoryLimitMB         uint64
	DiskSpaceLimitMB      uint64
	MaxFileHandles        uint64
	MaxNetworkConnections uint64
	ExecutionTimeout      time.Duration // Wall clock.
}

// SecurityPermissions are the seven allow-bits plus the ordered allow/block lists.
// An empty AllowedDirectories or AllowedHosts list means "none" unless the
// policy level is Unrestricted.
type SecurityPermissions struct {
	AllowFileSystemRead    bool
	AllowFileSystemWrite   bool
	AllowNetworkAccess     bool
	AllowProcessCreation   bool
	AllowSystemCalls       bool
	AllowRegistryAccess    bool
	AllowEnvironmentAccess bool

	AllowedDirectories []string
	AllowedHosts       []string // "*" matches one or more characters.
	BlockedAPIs        []string
}

// SecurityPolicy describes what a sandboxed plugin may consume and do.
// A policy is a value: Clone it before handing it to another owner.
//
// Name is only checked by Validate, which sandboxes call at Initialize,
// so an invalid policy can be built and stored without error.
type SecurityPolicy struct {
	Level       SecurityLevel
	Limits      ResourceLimits
	Permissions SecurityPermissions
	Name        string
	Description string
}

// Validate rejects policies a sandbox cannot enforce: empty name, zero memory,
// and non-positive CPU or execution timeout.
func (p SecurityPolicy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: policy name is required", ErrInvalidConfiguration)
	}
	if !p.Level.Valid() {
		return fmt.Errorf("%w: policy %q has invalid level %d", ErrInvalidConfiguration, p.Name, int(p.Level))
	}
	if p.Limits.MemoryLimitMB == 0 {
		return fmt.Errorf("%w: policy %q memory_limit_mb must be positive", ErrInvalidConfiguration, p.Name)
	}
	if p.Limits.CPUTimeLimit <= 0 {
		return fmt.Errorf("%w: policy %q cpu_time_limit must be positive", ErrInvalidConfiguration, p.Name)
	}
	if p.Limits.ExecutionTimeout <= 0 {
		return fmt.Errorf("%w: policy %q execution_timeout must be positive", ErrInvalidConfiguration, p.Name)
	}
	return nil
}

// Clone returns a deep copy; the allow/block lists are not shared.
func (p SecurityPolicy) Clone() SecurityPolicy {
	c := p
	c.Permissions.AllowedDirectories = cloneStrings(p.Permissions.AllowedDirectories)
	c.Permissions.AllowedHosts = cloneStrings(p.Permissions.AllowedHosts)
	c.Permissions.BlockedAPIs = cloneStrings(p.Permissions.BlockedAPIs)
	return c
}

// --- Presets ---

// UnrestrictedPolicy grants everything. Intended only for trusted native plugins.
func UnrestrictedPolicy() SecurityPolicy {
	return SecurityPolicy{
		Level: LevelUnrestricted,
		Limits: ResourceLimits{
			CPUTimeLimit:          24 * time.Hour,
			MemoryLimitMB:         8192,
			DiskSpaceLimitMB:      102400,
			MaxFileHandles:        10000,
			MaxNetworkConnections: 1000,
			ExecutionTimeout:      time.Hour,
		},
		Permissions: SecurityPermissions{
			AllowFileSystemRead:    true,
			AllowFileSystemWrite:   true,
			AllowNetworkAccess:     true,
			AllowProcessCreation:   true,
			AllowSystemCalls:       true,
			AllowRegistryAccess:    true,
			AllowEnvironmentAccess: true,
		},
		Name:        PolicyUnrestricted,
		Description: "Full access for trusted native plugins",
	}
}

// LimitedPolicy allows reads from the system temp and user cache directories.
func LimitedPolicy() SecurityPolicy {
	dirs := []string{os.TempDir()}
	if cache, err := os.UserCacheDir(); err == nil {
		dirs = append(dirs, cache)
	}
	return SecurityPolicy{
		Level: LevelLimited,
		Limits: ResourceLimits{
			CPUTimeLimit:          10 * time.Minute,
			MemoryLimitMB:         512,
			DiskSpaceLimitMB:      1024,
			MaxFileHandles:        100,
			MaxNetworkConnections: 10,
			ExecutionTimeout:      5 * time.Minute,
		},
		Permissions: SecurityPermissions{
			AllowFileSystemRead: true,
			AllowedDirectories:  dirs,
		},
		Name:        PolicyLimited,
		Description: "Read-only file access to temp and cache directories",
	}
}

// SandboxedPolicy denies every permission bit and allows only the temp directory.
func SandboxedPolicy() SecurityPolicy {
	return SecurityPolicy{
		Level: LevelSandboxed,
		Limits: ResourceLimits{
			CPUTimeLimit:          5 * time.Minute,
			MemoryLimitMB:         256,
			DiskSpaceLimitMB:      512,
			MaxFileHandles:        50,
			MaxNetworkConnections: 5,
			ExecutionTimeout:      2 * time.Minute,
		},
		Permissions: SecurityPermissions{
			AllowedDirectories: []string{os.TempDir()},
		},
		Name:        PolicySandboxed,
		Description: "Isolated execution confined to the temp directory",
	}
}

// strictBlockedAPIs are refused under the strict preset regardless of permission bits.
var strictBlockedAPIs = []string{
	"system", "exec", "execve", "fork", "popen",
	"CreateProcess", "ShellExecute", "WinExec",
	"LoadLibrary", "dlopen",
	"mmap", "mprotect", "VirtualAlloc", "VirtualProtect",
	"ptrace", "socket", "connect",
}

// StrictPolicy denies everything, allows no directories and blocks dangerous APIs.
func StrictPolicy() SecurityPolicy {
	return SecurityPolicy{
		Level: LevelStrict,
		Limits: ResourceLimits{
			CPUTimeLimit:          2 * time.Minute,
			MemoryLimitMB:         128,
			DiskSpaceLimitMB:      100,
			MaxFileHandles:        20,
			MaxNetworkConnections: 0,
			ExecutionTimeout:      time.Minute,
		},
		Permissions: SecurityPermissions{
			BlockedAPIs: cloneStrings(strictBlockedAPIs),
		},
		Name:        PolicyStrict,
		Description: "Maximum isolation for untrusted plugins",
	}
}

// DefaultPolicies returns the four presets keyed by name.
func DefaultPolicies() map[string]SecurityPolicy {
	return map[string]SecurityPolicy{
		PolicyUnrestricted: UnrestrictedPolicy(),
		PolicyLimited:      LimitedPolicy(),
		PolicySandboxed:    SandboxedPolicy(),
		PolicyStrict:       StrictPolicy(),
	}
}

// --- JSON ---

type limitsJSON struct {
	CPUTimeLimit          int64  `json:"cpu_time_limit"`
	MemoryLimitMB         uint64 `json:"memory_limit_mb"`
	DiskSpaceLimitMB      uint64 `json:"disk_space_limit_mb"`
	MaxFileHandles        uint64 `json:"max_file_handles"`
	MaxNetworkConnections uint64 `json:"max_network_connections"`
	ExecutionTimeout      int64  `json:"execution_timeout"`
}

// MarshalJSON encodes durations as integer milliseconds.
func (l ResourceLimits) MarshalJSON() ([]byte, error) {
	return json.Marshal(limitsJSON{
		CPUTimeLimit:          l.CPUTimeLimit.Milliseconds(),
		MemoryLimitMB:         l.MemoryLimitMB,
		DiskSpaceLimitMB:      l.DiskSpaceLimitMB,
		MaxFileHandles:        l.MaxFileHandles,
		MaxNetworkConnections: l.MaxNetworkConnections,
		ExecutionTimeout:      l.ExecutionTimeout.Milliseconds(),
	})
}

// UnmarshalJSON decodes limits; absent fields are zero.
func (l *ResourceLimits) UnmarshalJSON(data []byte) error {
	var w limitsJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: limits: %v", ErrInvalidConfiguration, err)
	}
	*l = ResourceLimits{
		CPUTimeLimit:          time.Duration(w.CPUTimeLimit) * time.Millisecond,
		MemoryLimitMB:         w.MemoryLimitMB,
		DiskSpaceLimitMB:      w.DiskSpaceLimitMB,
		MaxFileHandles:        w.MaxFileHandles,
		MaxNetworkConnections: w.MaxNetworkConnections,
		ExecutionTimeout:      time.Duration(w.ExecutionTimeout) * time.Millisecond,
	}
	return nil
}

type permissionsJSON struct {
	AllowFileSystemRead    bool     `json:"allow_file_system_read"`
	AllowFileSystemWrite   bool     `json:"allow_file_system_write"`
	AllowNetworkAccess     bool     `json:"allow_network_access"`
	AllowProcessCreation   bool     `json:"allow_process_creation"`
	AllowSystemCalls       bool     `json:"allow_system_calls"`
	AllowRegistryAccess    bool     `json:"allow_registry_access"`
	AllowEnvironmentAccess bool     `json:"allow_environment_access"`
	AllowedDirectories     []string `json:"allowed_directories"`
	AllowedHosts           []string `json:"allowed_hosts"`
	BlockedAPIs            []string `json:"blocked_apis"`
}

// MarshalJSON always emits the three lists, empty rather than null.
func (p SecurityPermissions) MarshalJSON() ([]byte, error) {
	return json.Marshal(permissionsJSON{
		AllowFileSystemRead:    p.AllowFileSystemRead,
		AllowFileSystemWrite:   p.AllowFileSystemWrite,
		AllowNetworkAccess:     p.AllowNetworkAccess,
		AllowProcessCreation:   p.AllowProcessCreation,
		AllowSystemCalls:       p.AllowSystemCalls,
		AllowRegistryAccess:    p.AllowRegistryAccess,
		AllowEnvironmentAccess: p.AllowEnvironmentAccess,
		AllowedDirectories:     nonNil(p.AllowedDirectories),
		AllowedHosts:           nonNil(p.AllowedHosts),
		BlockedAPIs:            nonNil(p.BlockedAPIs),
	})
}

// UnmarshalJSON decodes permissions; absent bits are false and absent lists empty.
func (p *SecurityPermissions) UnmarshalJSON(data []byte) error {
	var w permissionsJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: permissions: %v", ErrInvalidConfiguration, err)
	}
	*p = SecurityPermissions{
		AllowFileSystemRead:    w.AllowFileSystemRead,
		AllowFileSystemWrite:   w.AllowFileSystemWrite,
		AllowNetworkAccess:     w.AllowNetworkAccess,
		AllowProcessCreation:   w.AllowProcessCreation,
		AllowSystemCalls:       w.AllowSystemCalls,
		AllowRegistryAccess:    w.AllowRegistryAccess,
		AllowEnvironmentAccess: w.AllowEnvironmentAccess,
		AllowedDirectories:     nilIfEmpty(w.AllowedDirectories),
		AllowedHosts:           nilIfEmpty(w.AllowedHosts),
		BlockedAPIs:            nilIfEmpty(w.BlockedAPIs),
	}
	return nil
}

type policyJSON struct {
	Level       json.RawMessage     `json:"level"`
	PolicyName  string              `json:"policy_name"`
	Description string              `json:"description"`
	Limits      ResourceLimits      `json:"limits"`
	Permissions SecurityPermissions `json:"permissions"`
}

// MarshalJSON produces the canonical wire form with an integer level.
func (p SecurityPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Level       int                 `json:"level"`
		PolicyName  string              `json:"policy_name"`
		Description string              `json:"description"`
		Limits      ResourceLimits      `json:"limits"`
		Permissions SecurityPermissions `json:"permissions"`
	}{
		Level:       int(p.Level),
		PolicyName:  p.Name,
		Description: p.Description,
		Limits:      p.Limits,
		Permissions: p.Permissions,
	})
}

// UnmarshalJSON accepts the level as an integer or as a level name.
// A missing level decodes as Unrestricted (the first variant).
func (p *SecurityPolicy) UnmarshalJSON(data []byte) error {
	var w policyJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	level, err := decodeLevel(w.Level)
	if err != nil {
		return err
	}
	*p = SecurityPolicy{
		Level:       level,
		Limits:      w.Limits,
		Permissions: w.Permissions,
		Name:        w.PolicyName,
		Description: w.Description,
	}
	return nil
}

func decodeLevel(raw json.RawMessage) (SecurityLevel, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return LevelUnrestricted, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		l := SecurityLevel(n)
		if !l.Valid() {
			return 0, fmt.Errorf("%w: security level %d out of range", ErrInvalidConfiguration, n)
		}
		return l, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%w: malformed security level %s", ErrInvalidConfiguration, string(raw))
	}
	return ParseSecurityLevel(s)
}

// PolicyFromJSON parses the canonical JSON form. Every failure is an
// ErrInvalidConfiguration.
func PolicyFromJSON(data []byte) (SecurityPolicy, error) {
	var p SecurityPolicy
	if err := json.Unmarshal(data, &p); err != nil {
		if errors.Is(err, ErrInvalidConfiguration) {
			return SecurityPolicy{}, err
		}
		return SecurityPolicy{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return p, nil
}

func cloneStrings(ss []string) []string {
	if ss == nil {
		return nil
	}
	out := make([]string, len(ss))
	copy(out, ss)
	return out
}

func nilIfEmpty(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	return ss
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
