// Package matcher implements host name pattern matching for host selection.
// Supports both glob patterns (default) and regex (opt-in).
package matcher

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoIncludes is returned when a matcher has no include patterns.
var ErrNoIncludes = errors.New("at least one include pattern is required")

// Config configures a HostMatcher.
type Config struct {
	// Includes are the patterns a name must match.
	Includes []string

	// Excludes are evaluated first; a name matching one is never selected.
	Excludes []string

	// UseRegex treats patterns as regular expressions instead of globs.
	UseRegex bool
}

// HostMatcher decides whether a host name is selected.
type HostMatcher struct {
	includes []*regexp.Regexp
	excludes []*regexp.Regexp
}

// New compiles the patterns of cfg. Matching is case-insensitive and
// anchored at both ends.
func New(cfg Config) (*HostMatcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}

	includes, err := compileAll(cfg.Includes, cfg.UseRegex)
	if err != nil {
		return nil, err
	}
	excludes, err := compileAll(cfg.Excludes, cfg.UseRegex)
	if err != nil {
		return nil, err
	}

	return &HostMatcher{includes: includes, excludes: excludes}, nil
}

// Match reports whether name matches an include pattern and no exclude
// pattern.
func (m *HostMatcher) Match(name string) bool {
	for _, re := range m.excludes {
		if re.MatchString(name) {
			return false
		}
	}
	for _, re := range m.includes {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// IsPattern reports whether s contains glob metacharacters.
func IsPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func compileAll(patterns []string, useRegex bool) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		expr := p
		if !useRegex {
			expr = globToRegex(p)
		}
		re, err := regexp.Compile("(?i)^(?:" + expr + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// globToRegex converts a glob to a regular expression. "*" matches any
// run of characters including dots, "?" one character other than a dot,
// and [...] a character class.
func globToRegex(glob string) string {
	var b strings.Builder
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString("[^.]")
		case '[':
			end := strings.IndexByte(glob[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := glob[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += end + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}
