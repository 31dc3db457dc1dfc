package sandbox

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/jkaninda/plugbox/internal/security"
)

// Variables every sandboxed plugin can use to detect its confinement.
const (
	EnvSandbox       = "QTPLUGIN_SANDBOX"
	EnvSecurityLevel = "QTPLUGIN_SECURITY_LEVEL"
	EnvPolicyName    = "QTPLUGIN_POLICY_NAME"
)

// minimalEnvKeys survive a wipe of the inherited environment.
func minimalEnvKeys() []string {
	if runtime.GOOS == "windows" {
		return []string{"PATH", "SystemRoot", "TEMP", "TMP"}
	}
	return []string{"PATH", "HOME", "TMPDIR"}
}

// buildEnv returns the child environment for policy. With environment access
// the parent environment is inherited verbatim; without it only the minimal
// set is kept. The sandbox markers are always set last so they win.
func buildEnv(parent []string, policy security.SecurityPolicy) []string {
	var env []string
	if policy.Permissions.AllowEnvironmentAccess {
		env = append(env, parent...)
	} else {
		keep := minimalEnvKeys()
		for _, kv := range parent {
			key, _, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			for _, k := range keep {
				if envKeyEqual(key, k) {
					env = append(env, kv)
					break
				}
			}
		}
	}

	env = dropEnv(env, EnvSandbox, EnvSecurityLevel, EnvPolicyName)
	return append(env,
		EnvSandbox+"=1",
		EnvSecurityLevel+"="+strconv.Itoa(int(policy.Level)),
		EnvPolicyName+"="+policy.Name,
	)
}

func dropEnv(env []string, keys ...string) []string {
	out := env[:0]
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		drop := false
		for _, k := range keys {
			if envKeyEqual(key, k) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, kv)
		}
	}
	return out
}

func envKeyEqual(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
