package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gitlab.bluewillows.net/root/drbdmc/pkg/command"
	"gitlab.bluewillows.net/root/drbdmc/pkg/sshutil"
)

// Global configuration defaults.
const (
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultMetricsPort       = 0
	DefaultCommandTimeout    = command.DefaultReadTimeout
	DefaultConnectTimeout    = sshutil.DefaultSSHTimeout
	DefaultKeepaliveInterval = sshutil.DefaultKeepaliveInterval
	DefaultAuthRetries       = sshutil.DefaultAuthRetries
	DefaultKnownHosts        = "~/.ssh/known_hosts"
	DefaultDryRunConfigPath  = command.DefaultDryRunConfigPath
	DefaultPTY               = true
)

// GlobalConfig holds application-wide settings.
// These are parsed from DRBDMC_* environment variables or the config file.
type GlobalConfig struct {
	// Logging configuration
	LogLevel  string // debug, info, warn, error
	LogFormat string // json, text

	// MetricsPort serves /health, /ready and /metrics. Zero disables the server.
	MetricsPort int

	// SSH defaults applied to every host
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration // zero disables keepalives
	AuthRetries       int
	KnownHosts        string
	KeyFiles          []string
	Users             []string
	PTY               bool

	// Command execution
	CommandTimeout   time.Duration
	DryRunConfigPath string

	// Nameserver used to look up hosts configured without an address.
	Nameserver string
}

// defaultGlobalConfig returns a GlobalConfig with every default applied.
func defaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
		MetricsPort:       DefaultMetricsPort,
		ConnectTimeout:    DefaultConnectTimeout,
		KeepaliveInterval: DefaultKeepaliveInterval,
		AuthRetries:       DefaultAuthRetries,
		KnownHosts:        DefaultKnownHosts,
		PTY:               DefaultPTY,
		CommandTimeout:    DefaultCommandTimeout,
		DryRunConfigPath:  DefaultDryRunConfigPath,
	}
}

// loadGlobalConfig loads global configuration from environment variables.
// Returns a list of validation errors (may be empty).
func loadGlobalConfig() (*GlobalConfig, []string) {
	return mergeGlobalConfig(defaultGlobalConfig())
}

// mergeGlobalConfig applies environment variable overrides to a copy of
// base. Environment variables always take precedence over file config.
func mergeGlobalConfig(base *GlobalConfig) (*GlobalConfig, []string) {
	if base == nil {
		base = defaultGlobalConfig()
	}

	var errs []string
	cfg := *base

	if v := getEnv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if v := getEnv(EnvPrefix + "LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	if v := getEnv(EnvPrefix + "METRICS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sMETRICS_PORT: invalid integer %q", EnvPrefix, v))
		} else {
			cfg.MetricsPort = port
		}
	}

	errs = append(errs, envDuration("CONNECT_TIMEOUT", &cfg.ConnectTimeout)...)
	errs = append(errs, envDuration("KEEPALIVE_INTERVAL", &cfg.KeepaliveInterval)...)
	errs = append(errs, envDuration("COMMAND_TIMEOUT", &cfg.CommandTimeout)...)

	if v := getEnv(EnvPrefix + "AUTH_RETRIES"); v != "" {
		retries, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sAUTH_RETRIES: invalid integer %q", EnvPrefix, v))
		} else {
			cfg.AuthRetries = retries
		}
	}

	if v := getEnv(EnvPrefix + "KNOWN_HOSTS"); v != "" {
		cfg.KnownHosts = v
	}

	if v := getEnv(EnvPrefix + "KEY_FILES"); v != "" {
		cfg.KeyFiles = splitList(v)
	}

	if v := getEnv(EnvPrefix + "USER"); v != "" {
		cfg.Users = splitList(v)
	}

	if v := getEnv(EnvPrefix + "PTY"); v != "" {
		cfg.PTY = parseBool(v, cfg.PTY)
	}

	if v := getEnv(EnvPrefix + "DRYRUN_CONFIG"); v != "" {
		cfg.DryRunConfigPath = v
	}

	if v := getEnv(EnvPrefix + "NAMESERVER"); v != "" {
		cfg.Nameserver = v
	}

	errs = append(errs, validateGlobalConfig(&cfg)...)
	return &cfg, errs
}

// envDuration parses DRBDMC_<key> as a Go duration into dst when set.
func envDuration(key string, dst *time.Duration) []string {
	v := getEnv(EnvPrefix + key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return []string{fmt.Sprintf("%s%s: invalid duration %q (use format like 30s, 5m)", EnvPrefix, key, v)}
	}
	*dst = d
	return nil
}

// validateGlobalConfig checks the merged global settings.
func validateGlobalConfig(cfg *GlobalConfig) []string {
	var errs []string

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log level: invalid value %q (must be debug, info, warn, or error)", cfg.LogLevel))
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log format: invalid value %q (must be json or text)", cfg.LogFormat))
	}

	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		errs = append(errs, fmt.Sprintf("metrics port: must be between 0 and 65535, got %d", cfg.MetricsPort))
	}

	// The SSH layer takes both in whole seconds.
	switch {
	case cfg.ConnectTimeout < time.Second:
		errs = append(errs, "connect timeout: must be at least 1s")
	case cfg.ConnectTimeout%time.Second != 0:
		errs = append(errs, fmt.Sprintf("connect timeout: must be whole seconds, got %s", cfg.ConnectTimeout))
	}

	switch {
	case cfg.KeepaliveInterval < 0:
		errs = append(errs, "keepalive interval: must not be negative")
	case cfg.KeepaliveInterval%time.Second != 0:
		errs = append(errs, fmt.Sprintf("keepalive interval: must be whole seconds, got %s", cfg.KeepaliveInterval))
	}

	if cfg.CommandTimeout < time.Second {
		errs = append(errs, "command timeout: must be at least 1s")
	}

	if cfg.AuthRetries < 1 {
		errs = append(errs, fmt.Sprintf("auth retries: must be at least 1, got %d", cfg.AuthRetries))
	}

	if cfg.DryRunConfigPath == "" || !strings.HasPrefix(cfg.DryRunConfigPath, "/") {
		errs = append(errs, fmt.Sprintf("dry-run config path: must be absolute, got %q", cfg.DryRunConfigPath))
	}

	return errs
}
