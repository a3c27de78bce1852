package config

import (
	"path/filepath"
	"testing"
)

func TestLoadFromFile(t *testing.T) {
	t.Run("no path", func(t *testing.T) {
		global, hosts, errs := loadFromFile("")
		if global != nil || hosts != nil || errs != nil {
			t.Errorf("loadFromFile(\"\") = %v, %v, %v", global, hosts, errs)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, _, errs := loadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
		if len(errs) != 1 {
			t.Errorf("errs = %v, want one", errs)
		}
	})

	t.Run("valid file", func(t *testing.T) {
		path := writeConfigFile(t, "drbdmc.toml", tomlConfig)
		global, hosts, errs := loadFromFile(path)
		if len(errs) > 0 {
			t.Fatalf("errs = %v", errs)
		}
		if global.LogLevel != "warn" {
			t.Errorf("LogLevel = %q", global.LogLevel)
		}
		if len(hosts) != 2 {
			t.Errorf("hosts = %d, want 2", len(hosts))
		}
	})
}
