package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gitlab.bluewillows.net/root/drbdmc/pkg/sshutil"
)

// HostConfig holds configuration for a single cluster host.
type HostConfig struct {
	// Name is the host name used in the console and for DNS lookup.
	Name string

	// Address is the IP or DNS name to dial. When empty the name is looked
	// up on the configured nameserver, or dialed as is.
	Address string

	// Port is the SSH port. Zero means the default port.
	Port int

	// Users are the login user candidates. Empty means the global default.
	Users []string

	// Password seeds the remembered password.
	Password string

	// KeyFiles overrides the global key files.
	KeyFiles []string

	// DryRunConfigPath overrides the global dry-run config path.
	DryRunConfigPath string
}

// SSHConfig builds the connection settings of this host on top of the
// global defaults. Host is left empty when no address is configured so the
// host registry can look it up.
func (h *HostConfig) SSHConfig(global *GlobalConfig) (*sshutil.Config, error) {
	if global == nil {
		global = defaultGlobalConfig()
	}

	users := h.Users
	if len(users) == 0 {
		users = global.Users
	}
	keyFiles := h.KeyFiles
	if len(keyFiles) == 0 {
		keyFiles = global.KeyFiles
	}
	dryRunPath := h.DryRunConfigPath
	if dryRunPath == "" {
		dryRunPath = global.DryRunConfigPath
	}

	address := h.Address
	if address == "" {
		address = h.Name
	}

	m := map[string]string{
		"HOST":          address,
		"USER":          strings.Join(users, ","),
		"PASSWORD":      h.Password,
		"KEY_FILES":     strings.Join(keyFiles, ","),
		"TIMEOUT":       strconv.Itoa(int(global.ConnectTimeout / time.Second)),
		"AUTH_RETRIES":  strconv.Itoa(global.AuthRetries),
		"DRYRUN_CONFIG": dryRunPath,
	}
	if h.Port != 0 {
		m["PORT"] = strconv.Itoa(h.Port)
	}
	if global.KeepaliveInterval > 0 {
		m["KEEPALIVE_INTERVAL"] = strconv.Itoa(int(global.KeepaliveInterval / time.Second))
	} else {
		m["KEEPALIVE_INTERVAL"] = "0"
	}

	cfg, err := sshutil.LoadConfigFromMap(m)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", h.Name, err)
	}
	if h.Address == "" {
		cfg.Host = ""
	}
	return cfg, nil
}

// parseHosts parses the DRBDMC_HOSTS environment variable.
// Returns the list of host names in order.
func parseHosts() []string {
	return splitList(getEnv(EnvPrefix + "HOSTS"))
}

// applyHostEnv applies the DRBDMC_<NAME>_* environment variables to cfg.
func applyHostEnv(cfg *HostConfig) []string {
	var errs []string
	prefix := hostEnvPrefix(cfg.Name)

	if v := getEnv(prefix + "ADDRESS"); v != "" {
		cfg.Address = v
	}

	if v := getEnv(prefix + "PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sPORT: invalid integer %q", prefix, v))
		} else {
			cfg.Port = port
		}
	}

	if v := getEnv(prefix + "USER"); v != "" {
		cfg.Users = splitList(v)
	}

	if v := getEnvWithFileFallback(prefix, "PASSWORD"); v != "" {
		cfg.Password = v
	}

	if v := getEnv(prefix + "KEY_FILES"); v != "" {
		cfg.KeyFiles = splitList(v)
	}

	if v := getEnv(prefix + "DRYRUN_CONFIG"); v != "" {
		cfg.DryRunConfigPath = v
	}

	return errs
}

// mergeHosts combines file hosts with the hosts named in DRBDMC_HOSTS and
// applies per-host environment overrides. File order comes first.
func mergeHosts(fileHosts []*HostConfig) ([]*HostConfig, []string) {
	var errs []string

	hosts := make([]*HostConfig, 0, len(fileHosts))
	byName := make(map[string]*HostConfig)
	for _, h := range fileHosts {
		hosts = append(hosts, h)
		if h.Name != "" {
			byName[h.Name] = h
		}
	}

	for _, name := range parseHosts() {
		if _, ok := byName[name]; ok {
			continue
		}
		h := &HostConfig{Name: name}
		hosts = append(hosts, h)
		byName[name] = h
	}

	for _, h := range hosts {
		if h.Name == "" {
			continue
		}
		errs = append(errs, applyHostEnv(h)...)
	}

	return hosts, errs
}
