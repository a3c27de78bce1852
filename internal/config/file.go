package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileConfig represents the configuration file structure. YAML and TOML
// files share the same layout.
type FileConfig struct {
	// Logging configuration
	Logging *FileLoggingConfig `yaml:"logging,omitempty" toml:"logging,omitempty"`

	// Health and metrics server
	Server *FileServerConfig `yaml:"server,omitempty" toml:"server,omitempty"`

	// SSH defaults for every host
	SSH *FileSSHConfig `yaml:"ssh,omitempty" toml:"ssh,omitempty"`

	// Command execution settings
	Commands *FileCommandsConfig `yaml:"commands,omitempty" toml:"commands,omitempty"`

	// Host address lookup
	DNS *FileDNSConfig `yaml:"dns,omitempty" toml:"dns,omitempty"`

	// Cluster hosts
	Hosts []FileHostConfig `yaml:"hosts,omitempty" toml:"hosts,omitempty"`
}

// FileLoggingConfig holds logging settings.
type FileLoggingConfig struct {
	Level  string `yaml:"level,omitempty" toml:"level,omitempty"`   // debug, info, warn, error
	Format string `yaml:"format,omitempty" toml:"format,omitempty"` // json, text
}

// FileServerConfig holds health/metrics server settings.
type FileServerConfig struct {
	MetricsPort *int `yaml:"metrics_port,omitempty" toml:"metrics_port,omitempty"` // 0 disables
}

// FileSSHConfig holds SSH defaults.
type FileSSHConfig struct {
	ConnectTimeout    string   `yaml:"connect_timeout,omitempty" toml:"connect_timeout,omitempty"`       // Go duration format
	KeepaliveInterval string   `yaml:"keepalive_interval,omitempty" toml:"keepalive_interval,omitempty"` // "0s" disables
	AuthRetries       int      `yaml:"auth_retries,omitempty" toml:"auth_retries,omitempty"`
	KnownHosts        string   `yaml:"known_hosts,omitempty" toml:"known_hosts,omitempty"`
	KeyFiles          []string `yaml:"key_files,omitempty" toml:"key_files,omitempty"`
	User              []string `yaml:"user,omitempty" toml:"user,omitempty"`
	PTY               *bool    `yaml:"pty,omitempty" toml:"pty,omitempty"` // Pointer to distinguish unset from false
}

// FileCommandsConfig holds command execution settings.
type FileCommandsConfig struct {
	Timeout      string `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	DryRunConfig string `yaml:"dry_run_config,omitempty" toml:"dry_run_config,omitempty"`
}

// FileDNSConfig holds host lookup settings.
type FileDNSConfig struct {
	Nameserver string `yaml:"nameserver,omitempty" toml:"nameserver,omitempty"`
}

// FileHostConfig holds configuration for one cluster host.
type FileHostConfig struct {
	Name         string   `yaml:"name" toml:"name"`
	Address      string   `yaml:"address,omitempty" toml:"address,omitempty"`
	Port         int      `yaml:"port,omitempty" toml:"port,omitempty"`
	User         []string `yaml:"user,omitempty" toml:"user,omitempty"`
	Password     string   `yaml:"password,omitempty" toml:"password,omitempty"`
	KeyFiles     []string `yaml:"key_files,omitempty" toml:"key_files,omitempty"`
	DryRunConfig string   `yaml:"dry_run_config,omitempty" toml:"dry_run_config,omitempty"`
}

// envVarPattern matches ${VAR} or ${VAR:-default} syntax.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnvVars replaces ${VAR} patterns with environment variable values.
// Supports ${VAR:-default} syntax for default values.
func InterpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 3 {
			defaultValue = groups[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

func interpolateAll(list []string) {
	for i := range list {
		list[i] = InterpolateEnvVars(list[i])
	}
}

// interpolateEnvVars interpolates environment variables in all string
// fields of the config structure.
func (c *FileConfig) interpolateEnvVars() {
	if c.Logging != nil {
		c.Logging.Level = InterpolateEnvVars(c.Logging.Level)
		c.Logging.Format = InterpolateEnvVars(c.Logging.Format)
	}

	if c.SSH != nil {
		c.SSH.ConnectTimeout = InterpolateEnvVars(c.SSH.ConnectTimeout)
		c.SSH.KeepaliveInterval = InterpolateEnvVars(c.SSH.KeepaliveInterval)
		c.SSH.KnownHosts = InterpolateEnvVars(c.SSH.KnownHosts)
		interpolateAll(c.SSH.KeyFiles)
		interpolateAll(c.SSH.User)
	}

	if c.Commands != nil {
		c.Commands.Timeout = InterpolateEnvVars(c.Commands.Timeout)
		c.Commands.DryRunConfig = InterpolateEnvVars(c.Commands.DryRunConfig)
	}

	if c.DNS != nil {
		c.DNS.Nameserver = InterpolateEnvVars(c.DNS.Nameserver)
	}

	for i := range c.Hosts {
		h := &c.Hosts[i]
		h.Name = InterpolateEnvVars(h.Name)
		h.Address = InterpolateEnvVars(h.Address)
		h.Password = InterpolateEnvVars(h.Password)
		h.DryRunConfig = InterpolateEnvVars(h.DryRunConfig)
		interpolateAll(h.User)
		interpolateAll(h.KeyFiles)
	}
}

// LoadFile reads and parses a configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML. Environment variables in ${VAR}
// format are interpolated.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	}

	cfg.interpolateEnvVars()

	return &cfg, nil
}

// ToGlobalConfig converts file config to GlobalConfig, applying defaults.
// Values from file take precedence over defaults; env vars override later.
// Unparseable values are reported as errors.
func (c *FileConfig) ToGlobalConfig() (*GlobalConfig, []string) {
	cfg := defaultGlobalConfig()
	var errs []string

	if c.Logging != nil {
		if c.Logging.Level != "" {
			cfg.LogLevel = strings.ToLower(c.Logging.Level)
		}
		if c.Logging.Format != "" {
			cfg.LogFormat = strings.ToLower(c.Logging.Format)
		}
	}

	if c.Server != nil && c.Server.MetricsPort != nil {
		cfg.MetricsPort = *c.Server.MetricsPort
	}

	if c.SSH != nil {
		errs = append(errs, fileDuration("ssh.connect_timeout", c.SSH.ConnectTimeout, &cfg.ConnectTimeout)...)
		errs = append(errs, fileDuration("ssh.keepalive_interval", c.SSH.KeepaliveInterval, &cfg.KeepaliveInterval)...)
		if c.SSH.AuthRetries != 0 {
			cfg.AuthRetries = c.SSH.AuthRetries
		}
		if c.SSH.KnownHosts != "" {
			cfg.KnownHosts = c.SSH.KnownHosts
		}
		if len(c.SSH.KeyFiles) > 0 {
			cfg.KeyFiles = c.SSH.KeyFiles
		}
		if len(c.SSH.User) > 0 {
			cfg.Users = c.SSH.User
		}
		if c.SSH.PTY != nil {
			cfg.PTY = *c.SSH.PTY
		}
	}

	if c.Commands != nil {
		errs = append(errs, fileDuration("commands.timeout", c.Commands.Timeout, &cfg.CommandTimeout)...)
		if c.Commands.DryRunConfig != "" {
			cfg.DryRunConfigPath = c.Commands.DryRunConfig
		}
	}

	if c.DNS != nil && c.DNS.Nameserver != "" {
		cfg.Nameserver = c.DNS.Nameserver
	}

	return cfg, errs
}

func fileDuration(field, value string, dst *time.Duration) []string {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return []string{fmt.Sprintf("config file %s: invalid duration %q", field, value)}
	}
	*dst = d
	return nil
}

// ToHostConfigs converts the file's host list.
func (c *FileConfig) ToHostConfigs() []*HostConfig {
	hosts := make([]*HostConfig, 0, len(c.Hosts))
	for _, fh := range c.Hosts {
		hosts = append(hosts, &HostConfig{
			Name:             fh.Name,
			Address:          fh.Address,
			Port:             fh.Port,
			Users:            fh.User,
			Password:         fh.Password,
			KeyFiles:         fh.KeyFiles,
			DryRunConfigPath: fh.DryRunConfig,
		})
	}
	return hosts
}

// GetConfigFilePath returns the config file path from the DRBDMC_CONFIG
// environment variable. Returns empty string if no config file is specified.
func GetConfigFilePath() string {
	return getEnv(EnvPrefix + "CONFIG")
}
