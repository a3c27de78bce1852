package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration error: %s", e.Errors[0])
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// validateConfig performs cross-field validation on the complete configuration.
// Returns a list of validation errors.
func validateConfig(cfg *Config) []string {
	var errs []string

	if len(cfg.Hosts) == 0 {
		errs = append(errs, "no hosts configured (set DRBDMC_HOSTS or hosts in the config file)")
	}

	seen := make(map[string]bool)
	for _, h := range cfg.Hosts {
		if h.Name == "" {
			errs = append(errs, "host: name is required")
			continue
		}
		if seen[h.Name] {
			errs = append(errs, fmt.Sprintf("duplicate host name: %q", h.Name))
		}
		seen[h.Name] = true
		errs = append(errs, validateHost(h)...)
	}

	return errs
}

// validateHost checks the settings of one host.
func validateHost(h *HostConfig) []string {
	var errs []string
	prefix := "host " + h.Name

	if h.Port < 0 || h.Port > 65535 {
		errs = append(errs, fmt.Sprintf("%s: port must be between 1 and 65535, got %d", prefix, h.Port))
	}

	for _, u := range h.Users {
		if strings.TrimSpace(u) == "" {
			errs = append(errs, prefix+": user names must not be empty")
			break
		}
	}

	if h.DryRunConfigPath != "" && !strings.HasPrefix(h.DryRunConfigPath, "/") {
		errs = append(errs, fmt.Sprintf("%s: dry-run config path must be absolute, got %q", prefix, h.DryRunConfigPath))
	}

	return errs
}
