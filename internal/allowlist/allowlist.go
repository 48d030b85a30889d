// Package allowlist restricts which "owner/repo" pairs the relay will clone,
// fetch, or push to, via glob patterns in ALLOWED_REPOS — an operator-level
// guard the original spec's trusted-client model left implicit.
package allowlist

import "github.com/ryanuber/go-glob"

// List holds the configured glob patterns. A nil or empty List matches
// everything, preserving the spec's default of trusting any repo name a
// caller supplies.
type List struct {
	patterns []string
}

// New builds a List from the configured patterns (e.g. "myorg/*", "a/b").
func New(patterns []string) *List {
	return &List{patterns: patterns}
}

// Allowed reports whether "owner/repo" matches any configured pattern.
func (l *List) Allowed(owner, repo string) bool {
	if l == nil || len(l.patterns) == 0 {
		return true
	}
	full := owner + "/" + repo
	for _, p := range l.patterns {
		if glob.Glob(p, full) {
			return true
		}
	}
	return false
}
