package policy

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// matchRule reports whether r applies to req. Category and enabled state
// are checked by the caller.
func matchRule(r *Rule, req *Request) bool {
	switch r.Category {
	case CategoryFile:
		if !matchOperation(r.Operations, req.Operation) {
			return false
		}
		return matchPath(r.Paths, req.Entity)
	case CategoryNetwork:
		return matchHost(r.Hosts, req.Entity)
	case CategoryShell:
		return matchCommand(r.Commands, req.Entity)
	case CategorySecret:
		return matchSecret(r.Names, req.Entity)
	}
	return false
}

// matchOperation returns true if ops is empty or contains op.
func matchOperation(ops []FileOperation, op FileOperation) bool {
	if len(ops) == 0 {
		return true
	}
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

// matchPath matches a cleaned path against doublestar globs. Invalid
// patterns never match.
func matchPath(patterns []string, p string) bool {
	p = CleanPath(p)
	if p == "" {
		return false
	}
	for _, pattern := range patterns {
		if pattern == "*" || pattern == "**" {
			return true
		}
		ok, err := doublestar.Match(pattern, p)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// CleanPath normalizes separators and resolves "." and ".." elements so
// that traversal sequences cannot slip past a glob.
func CleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return path.Clean(strings.ReplaceAll(p, "\\", "/"))
}

func validPathPattern(pattern string) bool {
	return pattern != "" && doublestar.ValidatePattern(pattern)
}

// matchHost supports exact hosts, "*.suffix" (subdomains only, never the
// apex) and "*" (any host).
func matchHost(patterns []string, host string) bool {
	host = NormalizeHost(host)
	if host == "" {
		return false
	}
	for _, pattern := range patterns {
		pattern = NormalizeHost(pattern)
		switch {
		case pattern == "*":
			return true
		case strings.HasPrefix(pattern, "*."):
			suffix := pattern[1:]
			if len(host) > len(suffix) && strings.HasSuffix(host, suffix) {
				return true
			}
		case pattern == host:
			return true
		}
	}
	return false
}

// NormalizeHost lowercases a hostname and strips a trailing dot.
func NormalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// matchCommand supports exact commands, "prefix*" and "*". Both sides are
// whitespace-normalized first.
func matchCommand(patterns []string, cmd string) bool {
	cmd = collapseSpaces(cmd)
	if cmd == "" {
		return false
	}
	for _, pattern := range patterns {
		pattern = collapseSpaces(pattern)
		switch {
		case pattern == "*":
			return true
		case strings.HasSuffix(pattern, "*"):
			if strings.HasPrefix(cmd, strings.TrimSuffix(pattern, "*")) {
				return true
			}
		case pattern == cmd:
			return true
		}
	}
	return false
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// matchSecret supports exact names and "*".
func matchSecret(patterns []string, name string) bool {
	if name == "" {
		return false
	}
	for _, pattern := range patterns {
		if pattern == "*" || pattern == name {
			return true
		}
	}
	return false
}
