package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestGetEnvOrFile(t *testing.T) {
	const directKey = "TEST_DRBDMC_PASSWORD"
	const fileKey = "TEST_DRBDMC_PASSWORD_FILE"

	secretFile := filepath.Join(t.TempDir(), "password")
	if err := os.WriteFile(secretFile, []byte("file-secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		direct string
		file   string
		want   string
	}{
		{"direct value", "direct-secret", "", "direct-secret"},
		{"file value trimmed", "", secretFile, "file-secret"},
		{"file takes precedence", "direct-secret", secretFile, "file-secret"},
		{"unreadable file falls back", "direct-secret", filepath.Join(t.TempDir(), "missing"), "direct-secret"},
		{"neither set", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(directKey, tt.direct)
			t.Setenv(fileKey, tt.file)

			if got := getEnvOrFile(directKey, fileKey); got != tt.want {
				t.Errorf("getEnvOrFile() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetEnvWithFileFallback(t *testing.T) {
	t.Setenv("DRBDMC_NODE_A_PASSWORD", "secret")

	if got := getEnvWithFileFallback("DRBDMC_NODE_A_", "PASSWORD"); got != "secret" {
		t.Errorf("getEnvWithFileFallback() = %q, want %q", got, "secret")
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		input        string
		defaultValue bool
		want         bool
	}{
		{"true", false, true},
		{"TRUE", false, true},
		{"1", false, true},
		{"yes", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"No", true, false},
		{"off", true, false},
		{" true ", false, true},
		{"maybe", true, true},
		{"", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseBool(tt.input, tt.defaultValue); got != tt.want {
				t.Errorf("parseBool(%q, %v) = %v, want %v", tt.input, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestHostEnvPrefix(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"node-a", "DRBDMC_NODE_A_"},
		{"node-a.cluster", "DRBDMC_NODE_A_CLUSTER_"},
		{"alpha", "DRBDMC_ALPHA_"},
		{"Node_B", "DRBDMC_NODE_B_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hostEnvPrefix(tt.name); got != tt.want {
				t.Errorf("hostEnvPrefix(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"a,b", []string{"a", "b"}},
		{" a , b ,", []string{"a", "b"}},
		{"", nil},
		{",,", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := splitList(tt.input); !slices.Equal(got, tt.want) {
				t.Errorf("splitList(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
