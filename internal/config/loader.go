package config

import (
	"log/slog"
)

// loadFromFile loads configuration from a file and converts it to runtime
// types. Returns nil values if no file is configured.
func loadFromFile(path string) (*GlobalConfig, []*HostConfig, []string) {
	if path == "" {
		return nil, nil, nil
	}

	fileCfg, err := LoadFile(path)
	if err != nil {
		return nil, nil, []string{"config file: " + err.Error()}
	}

	slog.Info("loaded configuration from file", slog.String("path", path))

	global, errs := fileCfg.ToGlobalConfig()
	return global, fileCfg.ToHostConfigs(), errs
}
