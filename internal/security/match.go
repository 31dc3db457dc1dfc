package security

import (
	"os"
	"path/filepath"
	"strings"
)

// normalizePath returns the canonical absolute form of p with symlinks
// resolved. When p does not exist yet, its deepest existing ancestor is
// resolved and the remaining components are appended. Relative paths are
// resolved against the working directory.
func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return resolveExisting(abs)
}

// maxLinkHops bounds dangling-symlink chains followed by resolveExisting.
const maxLinkHops = 40

// resolveExisting walks up from abs until EvalSymlinks succeeds, then
// re-appends the components that did not exist. A dangling symlink on the
// way is followed to its target, so a write through it is judged by where
// it would land.
func resolveExisting(abs string) string {
	return resolveHops(abs, maxLinkHops)
}

func resolveHops(abs string, hops int) string {
	var rest []string
	cur := abs
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return joinRest(resolved, rest)
		}
		if fi, err := os.Lstat(cur); err == nil && fi.Mode()&os.ModeSymlink != 0 && hops > 0 {
			if target, err := os.Readlink(cur); err == nil {
				if !filepath.IsAbs(target) {
					target = filepath.Join(filepath.Dir(cur), target)
				}
				return joinRest(resolveHops(filepath.Clean(target), hops-1), rest)
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}

// joinRest appends rest, collected leaf first, to base.
func joinRest(base string, rest []string) string {
	for i := len(rest) - 1; i >= 0; i-- {
		base = filepath.Join(base, rest[i])
	}
	return base
}

// pathUnder reports whether path equals dir or lies beneath it.
// Both arguments must already be normalized.
func pathUnder(path, dir string) bool {
	if path == "" || dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// matchHost reports whether host matches pattern. Matching is case-insensitive;
// "*" matches one or more characters, so "*.example.com" does not match
// "example.com".
func matchHost(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	host = strings.ToLower(strings.TrimSpace(host))
	if pattern == "" || host == "" {
		return false
	}
	if !strings.Contains(pattern, "*") {
		return pattern == host
	}
	return globMatch(pattern, host)
}

// globMatch matches s against pattern where each '*' consumes at least one byte.
func globMatch(pattern, s string) bool {
	for len(pattern) > 0 {
		if pattern[0] != '*' {
			if len(s) == 0 || s[0] != pattern[0] {
				return false
			}
			pattern, s = pattern[1:], s[1:]
			continue
		}
		// Collapse runs of '*'; each still needs one byte.
		stars := 0
		for len(pattern) > 0 && pattern[0] == '*' {
			stars++
			pattern = pattern[1:]
		}
		if len(s) < stars {
			return false
		}
		if len(pattern) == 0 {
			return true
		}
		for i := stars; i <= len(s); i++ {
			if globMatch(pattern, s[i:]) {
				return true
			}
		}
		return false
	}
	return len(s) == 0
}
