package sshutil

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Default SSH client configuration values.
const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultSSHTimeout is the default connection timeout.
	DefaultSSHTimeout = 30 * time.Second

	// DefaultKeepaliveInterval is the default SSH keepalive interval.
	DefaultKeepaliveInterval = 15 * time.Second

	// DefaultAuthRetries bounds the attempts of each authentication method
	// within one connect call.
	DefaultAuthRetries = 3

	// DefaultUser is used when no username candidate is configured.
	DefaultUser = "root"
)

// Config holds the connection settings of one cluster host.
type Config struct {
	// Host is the SSH server hostname or IP address (required).
	Host string

	// Port is the SSH server port (default: 22).
	Port int

	// Users are the username candidates. The first one is used to log in.
	Users []string

	// Password seeds the remembered password so the first connect does not
	// prompt. Optional.
	Password string

	// KeyFiles are the private key files tried for public key
	// authentication, in order (default: ~/.ssh/id_dsa, ~/.ssh/id_rsa).
	KeyFiles []string

	// Timeout is the TCP connect timeout (default: 30s).
	Timeout time.Duration

	// KeepaliveInterval is the interval for SSH keepalive messages (default: 15s).
	// Set to a negative value to disable keepalives.
	KeepaliveInterval time.Duration

	// AuthRetries bounds each authentication method per connect call (default: 3).
	AuthRetries int

	// DryRunConfigPath is the alternate config path used for dry runs on this host.
	DryRunConfigPath string
}

// Validate checks that all required configuration is present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Host == "" {
		errs = append(errs, "host is required")
	}

	for _, u := range c.Users {
		if strings.TrimSpace(u) == "" {
			errs = append(errs, "user names must not be empty")
			break
		}
	}

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, "port must be between 0 and 65535")
	}

	if c.Timeout < 0 {
		errs = append(errs, "timeout must be non-negative")
	}

	if c.AuthRetries < 0 {
		errs = append(errs, "auth_retries must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("ssh config validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Address returns the SSH server address in host:port format.
func (c *Config) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// User returns the login user name.
func (c *Config) User() string {
	if len(c.Users) > 0 {
		return c.Users[0]
	}
	return DefaultUser
}

// GetTimeout returns the configured timeout or the default.
func (c *Config) GetTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultSSHTimeout
}

// GetKeepaliveInterval returns the configured keepalive interval or the
// default. Zero means disabled.
func (c *Config) GetKeepaliveInterval() time.Duration {
	switch {
	case c.KeepaliveInterval > 0:
		return c.KeepaliveInterval
	case c.KeepaliveInterval < 0:
		return 0
	default:
		return DefaultKeepaliveInterval
	}
}

// GetAuthRetries returns the per-method attempt bound.
func (c *Config) GetAuthRetries() int {
	if c.AuthRetries > 0 {
		return c.AuthRetries
	}
	return DefaultAuthRetries
}

// GetKeyFiles returns the configured key files with "~/" expanded, or the
// DSA and RSA defaults from the user's ~/.ssh directory.
func (c *Config) GetKeyFiles() []string {
	files := c.KeyFiles
	if len(files) == 0 {
		files = []string{"~/.ssh/id_dsa", "~/.ssh/id_rsa"}
	}

	home, _ := os.UserHomeDir()
	out := make([]string, 0, len(files))
	for _, f := range files {
		if strings.HasPrefix(f, "~/") && home != "" {
			f = filepath.Join(home, f[2:])
		}
		out = append(out, f)
	}
	return out
}

// LoadConfigFromMap creates a Config from a map of key-value pairs that was
// already parsed from environment variables or a config file.
//
// Required keys: HOST
// Optional keys: PORT, USER (comma-separated candidates), PASSWORD,
// KEY_FILES (comma-separated), TIMEOUT, KEEPALIVE_INTERVAL (seconds),
// AUTH_RETRIES, DRYRUN_CONFIG
func LoadConfigFromMap(configMap map[string]string) (*Config, error) {
	config := &Config{
		Host:             configMap["HOST"],
		Users:            splitList(configMap["USER"]),
		Password:         configMap["PASSWORD"],
		KeyFiles:         splitList(configMap["KEY_FILES"]),
		DryRunConfigPath: configMap["DRYRUN_CONFIG"],
		Port:             DefaultSSHPort,
	}

	// Parse port
	if portStr, ok := configMap["PORT"]; ok && portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT value %q: %w", portStr, err)
		}
		config.Port = port
	}

	// Parse timeout
	if timeoutStr, ok := configMap["TIMEOUT"]; ok && timeoutStr != "" {
		timeout, err := strconv.Atoi(timeoutStr)
		if err != nil {
			return nil, fmt.Errorf("invalid TIMEOUT value %q: %w", timeoutStr, err)
		}
		config.Timeout = time.Duration(timeout) * time.Second
	}

	// Parse keepalive interval
	if keepaliveStr, ok := configMap["KEEPALIVE_INTERVAL"]; ok && keepaliveStr != "" {
		keepalive, err := strconv.Atoi(keepaliveStr)
		if err != nil {
			return nil, fmt.Errorf("invalid KEEPALIVE_INTERVAL value %q: %w", keepaliveStr, err)
		}
		if keepalive == 0 {
			keepalive = -1
		}
		config.KeepaliveInterval = time.Duration(keepalive) * time.Second
	}

	if retriesStr, ok := configMap["AUTH_RETRIES"]; ok && retriesStr != "" {
		retries, err := strconv.Atoi(retriesStr)
		if err != nil {
			return nil, fmt.Errorf("invalid AUTH_RETRIES value %q: %w", retriesStr, err)
		}
		config.AuthRetries = retries
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
