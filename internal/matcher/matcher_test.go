package matcher

import (
	"errors"
	"testing"
)

func TestNew_RequiresIncludes(t *testing.T) {
	_, err := New(Config{Includes: []string{}})
	if !errors.Is(err, ErrNoIncludes) {
		t.Errorf("New() error = %v, want ErrNoIncludes", err)
	}
}

func TestNew_InvalidRegexPattern(t *testing.T) {
	_, err := New(Config{
		Includes: []string{"[invalid"},
		UseRegex: true,
	})
	if err == nil {
		t.Error("expected error for invalid regex, got nil")
	}
}

func TestHostMatcher_Glob(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		hostname string
		want     bool
	}{
		{"wildcard suffix", "node-*", "node-a", true},
		{"wildcard crosses dots", "*.cluster", "node-a.dc1.cluster", true},
		{"wildcard needs the literal part", "*.cluster", "cluster", false},

		{"exact match", "node-a", "node-a", true},
		{"exact match case insensitive", "Node-A", "node-a", true},
		{"exact mismatch", "node-a", "node-b", false},
		{"literal dot", "node.a", "nodexa", false},

		{"question mark single char", "node-?", "node-b", true},
		{"question mark not two chars", "node-?", "node-ab", false},
		{"question mark not dot", "node?a", "node.a", false},

		{"char class", "node-[ab]", "node-a", true},
		{"char class other", "node-[ab]", "node-c", false},
		{"negated char class", "node-[!ab]", "node-c", true},
		{"unclosed bracket is literal", "node-[a", "node-[a", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(Config{Includes: []string{tt.pattern}})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := m.Match(tt.hostname); got != tt.want {
				t.Errorf("Match(%q) with %q = %v, want %v", tt.hostname, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestHostMatcher_Regex(t *testing.T) {
	m, err := New(Config{
		Includes: []string{`node-\d+`},
		UseRegex: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !m.Match("node-12") {
		t.Error("expected node-12 to match")
	}
	if m.Match("node-12x") {
		t.Error("regex must be anchored")
	}
}

func TestHostMatcher_Excludes(t *testing.T) {
	m, err := New(Config{
		Includes: []string{"*"},
		Excludes: []string{"node-b", "backup-*"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		hostname string
		want     bool
	}{
		{"node-a", true},
		{"node-b", false},
		{"backup-1", false},
	}
	for _, tt := range tests {
		if got := m.Match(tt.hostname); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.hostname, got, tt.want)
		}
	}
}

func TestIsPattern(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"node-a", false},
		{"node-*", true},
		{"node-?", true},
		{"node-[ab]", true},
	}
	for _, tt := range tests {
		if got := IsPattern(tt.input); got != tt.want {
			t.Errorf("IsPattern(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
