// Package security implements the sandbox policy model and the enforcer that
// decides whether a plugin may touch a file, host, process, system call, or
// named API. Denials are recorded as SecurityEvents and reported to observers.
package security

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sentinel errors for the sandbox error taxonomy. Callers wrap them with
// fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrInvalidState         = errors.New("invalid state")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrFileNotFound         = errors.New("file not found")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrNotSupported         = errors.New("not supported")
	ErrExecutionFailed      = errors.New("execution failed")
	ErrNotFound             = errors.New("not found")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidState, "invalid_state"},
	{ErrInvalidConfiguration, "invalid_configuration"},
	{ErrInvalidArgument, "invalid_argument"},
	{ErrFileNotFound, "file_not_found"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrNotSupported, "not_supported"},
	{ErrExecutionFailed, "execution_failed"},
	{ErrNotFound, "not_found"},
}

// ErrorCode returns the stable kind name of a taxonomy error, "" for nil and
// "internal" for errors outside the taxonomy.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}

// SecurityLevel is an advisory classification of a policy. The permission
// bits and limits are authoritative; the level only selects defaults such as
// whether empty allow-lists mean "everything".
type SecurityLevel int

const (
	LevelUnrestricted SecurityLevel = iota // Trusted native plugins only.
	LevelLimited                           // Read-only filesystem, no network.
	LevelSandboxed                         // Temp dir only.
	LevelStrict                            // Nothing, plus blocked APIs.
)

func (l SecurityLevel) String() string {
	switch l {
	case LevelUnrestricted:
		return "unrestricted"
	case LevelLimited:
		return "limited"
	case LevelSandboxed:
		return "sandboxed"
	case LevelStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// Valid reports whether l is one of the four defined levels.
func (l SecurityLevel) Valid() bool {
	return l >= LevelUnrestricted && l <= LevelStrict
}

// ParseSecurityLevel accepts a level name or its integer form ("0".."3").
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		l := SecurityLevel(n)
		if !l.Valid() {
			return 0, fmt.Errorf("%w: security level %d out of range", ErrInvalidConfiguration, n)
		}
		return l, nil
	}
	for l := LevelUnrestricted; l <= LevelStrict; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown security level %q", ErrInvalidConfiguration, s)
}

// PluginType selects the interpreter used to launch a plugin image.
type PluginType int

const (
	PluginNative PluginType = iota
	PluginPython
	PluginJavaScript
	PluginLua
	PluginRemote
	PluginComposite
)

func (t PluginType) String() string {
	switch t {
	case PluginNative:
		return "native"
	case PluginPython:
		return "python"
	case PluginJavaScript:
		return "javascript"
	case PluginLua:
		return "lua"
	case PluginRemote:
		return "remote"
	case PluginComposite:
		return "composite"
	default:
		return "unknown"
	}
}

// ParsePluginType converts a plugin type name to a PluginType.
// "js" and "node" are accepted as aliases for javascript.
func ParsePluginType(s string) (PluginType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "native", "":
		return PluginNative, nil
	case "python", "py":
		return PluginPython, nil
	case "javascript", "js", "node":
		return PluginJavaScript, nil
	case "lua":
		return PluginLua, nil
	case "remote":
		return PluginRemote, nil
	case "composite":
		return PluginComposite, nil
	default:
		return 0, fmt.Errorf("%w: unknown plugin type %q", ErrNotSupported, s)
	}
}
