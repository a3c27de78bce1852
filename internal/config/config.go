package config

import (
	"gitlab.bluewillows.net/root/drbdmc/pkg/sshutil"
)

// Config holds the complete application configuration.
type Config struct {
	Global *GlobalConfig
	Hosts  []*HostConfig
}

// Load builds the configuration from defaults, the config file at path
// (DRBDMC_CONFIG when path is empty) and DRBDMC_* environment variables, in
// increasing precedence. All problems are collected into one
// *ValidationError.
func Load(path string) (*Config, error) {
	if path == "" {
		path = GetConfigFilePath()
	}

	var errs []string

	fileGlobal, fileHosts, fileErrs := loadFromFile(path)
	errs = append(errs, fileErrs...)

	global, globalErrs := mergeGlobalConfig(fileGlobal)
	errs = append(errs, globalErrs...)

	hosts, hostErrs := mergeHosts(fileHosts)
	errs = append(errs, hostErrs...)

	cfg := &Config{
		Global: global,
		Hosts:  hosts,
	}

	errs = append(errs, validateConfig(cfg)...)
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	return cfg, nil
}

// Host returns the configuration of the named host, or nil.
func (c *Config) Host(name string) *HostConfig {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h
		}
	}
	return nil
}

// SSHConfigs builds the connection settings of every host, keyed by name.
func (c *Config) SSHConfigs() (map[string]*sshutil.Config, error) {
	out := make(map[string]*sshutil.Config, len(c.Hosts))
	var errs []string
	for _, h := range c.Hosts {
		sc, err := h.SSHConfig(c.Global)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		out[h.Name] = sc
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return out, nil
}
