// Package config handles loading and validation of drbdmc configuration.
package config

import (
	"os"
	"strings"
)

// EnvPrefix is the prefix of every drbdmc environment variable.
const EnvPrefix = "DRBDMC_"

// getEnv retrieves an environment variable value.
func getEnv(key string) string {
	return os.Getenv(key)
}

// getEnvOrFile retrieves a value from either a direct environment variable
// or a file path specified by the file key (Docker secrets pattern).
//
// If both are set, the file takes precedence. The file contents are trimmed
// of leading/trailing whitespace.
func getEnvOrFile(directKey, fileKey string) string {
	if filePath := os.Getenv(fileKey); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(content))
		}
	}

	return os.Getenv(directKey)
}

// getEnvWithFileFallback retrieves a value supporting the _FILE suffix pattern.
// Given a base key like "PASSWORD", it checks:
//  1. PASSWORD_FILE - reads file contents if set
//  2. PASSWORD - returns direct value if set
func getEnvWithFileFallback(prefix, key string) string {
	return getEnvOrFile(prefix+key, prefix+key+"_FILE")
}

// parseBool parses a boolean string, returning defaultValue on parse failure.
// Accepts: true/false, 1/0, yes/no, on/off (case-insensitive).
func parseBool(s string, defaultValue bool) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultValue
	}
}

// normalizeHostName converts a host name to environment variable format.
// Example: "node-a.cluster" → "NODE_A_CLUSTER"
func normalizeHostName(name string) string {
	normalized := strings.ToUpper(name)
	normalized = strings.NewReplacer("-", "_", ".", "_").Replace(normalized)
	return normalized
}

// hostEnvPrefix creates the environment variable prefix for a host.
// Example: "node-a" → "DRBDMC_NODE_A_"
func hostEnvPrefix(name string) string {
	return EnvPrefix + normalizeHostName(name) + "_"
}

// splitList splits a comma-separated string. Whitespace around items is
// trimmed and empty items are dropped.
func splitList(s string) []string {
	var items []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			items = append(items, p)
		}
	}
	return items
}
