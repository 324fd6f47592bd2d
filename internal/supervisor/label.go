package supervisor

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultNamespace prefixes process labels when the caller supplies none.
const DefaultNamespace = "zmcp"

// typeAbbrevs maps agent types to the two-letter code used in process
// labels. Unknown types fall back to their first two characters.
var typeAbbrevs = map[string]string{
	"backend":        "be",
	"frontend":       "fe",
	"testing":        "ts",
	"documentation":  "dc",
	"devops":         "dv",
	"analysis":       "an",
	"research":       "rs",
	"implementation": "im",
	"architect":      "ar",
	"review":         "rv",
	"task":           "tk",
}

// fillerWords are skipped when extracting the first meaningful word of a
// free-form goal description.
var fillerWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"of": true, "for": true, "to": true, "in": true, "on": true,
	"with": true,
}

// DeriveLabel builds the process title for a spawned agent:
// <namespace>-<typeAbbrev>-<goal>-<id>. The type segment is dropped when
// the namespace already ends with it. Inputs that are already clean slugs
// pass through unchanged; free-form text is reduced deterministically (the
// first meaningful word of the goal capped at 8 characters, UUIDs cut to
// their first 6 hex characters).
func DeriveLabel(namespace, agentType, goal, id string) string {
	ns := slugify(namespace)
	if ns == "" {
		ns = DefaultNamespace
	}

	parts := []string{ns}
	if abbrev := typeAbbrev(agentType); abbrev != "" {
		if ns != abbrev && !strings.HasSuffix(ns, "-"+abbrev) {
			parts = append(parts, abbrev)
		}
	}
	if g := goalSegment(goal); g != "" {
		parts = append(parts, g)
	}
	if s := idSegment(id); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "-")
}

func typeAbbrev(agentType string) string {
	t := strings.ToLower(strings.TrimSpace(agentType))
	if t == "" {
		return ""
	}
	if abbrev, ok := typeAbbrevs[t]; ok {
		return abbrev
	}
	slug := slugify(t)
	if len(slug) > 2 {
		return slug[:2]
	}
	return slug
}

func goalSegment(goal string) string {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return ""
	}
	if isSlug(goal) {
		return goal
	}
	for _, word := range strings.Fields(goal) {
		w := slugify(word)
		if w == "" || fillerWords[w] {
			continue
		}
		if len(w) > 8 {
			w = strings.TrimRight(w[:8], "-")
		}
		return w
	}
	return ""
}

func idSegment(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if u, err := uuid.Parse(id); err == nil {
		hex := strings.ReplaceAll(u.String(), "-", "")
		return hex[:6]
	}
	if isSlug(id) {
		return id
	}
	s := slugify(id)
	if len(s) > 6 {
		s = strings.TrimRight(s[:6], "-")
	}
	return s
}

// isSlug reports whether s is lowercase alphanumerics separated by single
// hyphens, with no leading or trailing hyphen.
func isSlug(s string) bool {
	if s == "" || s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' {
			continue
		}
		if c == '-' && s[i-1] != '-' {
			continue
		}
		return false
	}
	return true
}

// slugify lowercases s and collapses every run of non-alphanumerics into a
// single hyphen.
func slugify(s string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	return b.String()
}
