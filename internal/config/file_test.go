package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const yamlConfig = `
logging:
  level: debug
  format: json
server:
  metrics_port: 9100
ssh:
  connect_timeout: 10s
  keepalive_interval: 0s
  auth_retries: 2
  known_hosts: /etc/drbdmc/known_hosts
  key_files: [/root/.ssh/id_ed25519]
  user: [admin]
  pty: false
commands:
  timeout: 1m
  dry_run_config: /tmp/drbd.conf-test
dns:
  nameserver: ${TEST_DRBDMC_NS:-10.0.0.53}
hosts:
  - name: node-a
    address: 10.0.0.5
    port: 2222
    password: ${TEST_DRBDMC_PASS}
  - name: node-b
    user: [root, admin]
`

const tomlConfig = `
[logging]
level = "warn"

[server]
metrics_port = 0

[commands]
timeout = "2m"

[[hosts]]
name = "node-a"
address = "10.0.0.5"

[[hosts]]
name = "node-b"
key_files = ["/keys/node-b"]
dry_run_config = "/var/tmp/b.conf"
`

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInterpolateEnvVars(t *testing.T) {
	t.Setenv("TEST_DRBDMC_SET", "value")
	t.Setenv("TEST_DRBDMC_EMPTY", "")

	tests := []struct {
		input string
		want  string
	}{
		{"${TEST_DRBDMC_SET}", "value"},
		{"pre-${TEST_DRBDMC_SET}-post", "pre-value-post"},
		{"${TEST_DRBDMC_EMPTY:-fallback}", "fallback"},
		{"${TEST_DRBDMC_UNSET_VAR}", ""},
		{"${TEST_DRBDMC_SET:-fallback}", "value"},
		{"no variables", "no variables"},
		{"$TEST_DRBDMC_SET", "$TEST_DRBDMC_SET"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := InterpolateEnvVars(tt.input); got != tt.want {
				t.Errorf("InterpolateEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadFile_YAML(t *testing.T) {
	t.Setenv("TEST_DRBDMC_NS", "")
	t.Setenv("TEST_DRBDMC_PASS", "s3cret")

	cfg, err := LoadFile(writeConfigFile(t, "drbdmc.yaml", yamlConfig))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	global, errs := cfg.ToGlobalConfig()
	if len(errs) > 0 {
		t.Fatalf("ToGlobalConfig() errors = %v", errs)
	}

	if global.LogLevel != "debug" || global.LogFormat != "json" {
		t.Errorf("logging = %q/%q", global.LogLevel, global.LogFormat)
	}
	if global.MetricsPort != 9100 {
		t.Errorf("MetricsPort = %d", global.MetricsPort)
	}
	if global.ConnectTimeout != 10*time.Second || global.KeepaliveInterval != 0 {
		t.Errorf("timeouts = %v/%v", global.ConnectTimeout, global.KeepaliveInterval)
	}
	if global.AuthRetries != 2 {
		t.Errorf("AuthRetries = %d", global.AuthRetries)
	}
	if global.PTY {
		t.Error("PTY = true, want false")
	}
	if global.CommandTimeout != time.Minute {
		t.Errorf("CommandTimeout = %v", global.CommandTimeout)
	}
	if global.DryRunConfigPath != "/tmp/drbd.conf-test" {
		t.Errorf("DryRunConfigPath = %q", global.DryRunConfigPath)
	}
	if global.Nameserver != "10.0.0.53" {
		t.Errorf("Nameserver = %q, want interpolated default", global.Nameserver)
	}

	hosts := cfg.ToHostConfigs()
	if len(hosts) != 2 {
		t.Fatalf("hosts = %d, want 2", len(hosts))
	}
	if hosts[0].Name != "node-a" || hosts[0].Address != "10.0.0.5" || hosts[0].Port != 2222 {
		t.Errorf("hosts[0] = %+v", hosts[0])
	}
	if hosts[0].Password != "s3cret" {
		t.Errorf("hosts[0].Password = %q, want interpolated value", hosts[0].Password)
	}
	if !slices.Equal(hosts[1].Users, []string{"root", "admin"}) {
		t.Errorf("hosts[1].Users = %v", hosts[1].Users)
	}
}

func TestLoadFile_TOML(t *testing.T) {
	cfg, err := LoadFile(writeConfigFile(t, "drbdmc.toml", tomlConfig))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	global, errs := cfg.ToGlobalConfig()
	if len(errs) > 0 {
		t.Fatalf("ToGlobalConfig() errors = %v", errs)
	}
	if global.LogLevel != "warn" {
		t.Errorf("LogLevel = %q", global.LogLevel)
	}
	if global.LogFormat != DefaultLogFormat {
		t.Errorf("LogFormat = %q, want default", global.LogFormat)
	}
	if global.CommandTimeout != 2*time.Minute {
		t.Errorf("CommandTimeout = %v", global.CommandTimeout)
	}

	hosts := cfg.ToHostConfigs()
	if len(hosts) != 2 {
		t.Fatalf("hosts = %d, want 2", len(hosts))
	}
	if hosts[1].DryRunConfigPath != "/var/tmp/b.conf" || !slices.Equal(hosts[1].KeyFiles, []string{"/keys/node-b"}) {
		t.Errorf("hosts[1] = %+v", hosts[1])
	}
}

func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"invalid yaml", "bad.yaml", "hosts: [", "parsing YAML"},
		{"invalid toml", "bad.toml", "[hosts", "parsing TOML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfigFile(t, tt.file, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadFile() error = %v, want %q", err, tt.wantErr)
			}
		})
	}

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("LoadFile() expected error")
		}
	})
}

func TestToGlobalConfig_BadDurations(t *testing.T) {
	cfg := &FileConfig{
		SSH:      &FileSSHConfig{ConnectTimeout: "ten seconds"},
		Commands: &FileCommandsConfig{Timeout: "later"},
	}

	global, errs := cfg.ToGlobalConfig()
	if len(errs) != 2 {
		t.Errorf("errors = %v, want 2", errs)
	}
	if global.ConnectTimeout != DefaultConnectTimeout || global.CommandTimeout != DefaultCommandTimeout {
		t.Error("defaults not kept for unparseable values")
	}
}

func TestGetConfigFilePath(t *testing.T) {
	t.Setenv("DRBDMC_CONFIG", "/etc/drbdmc/config.yaml")
	if got := GetConfigFilePath(); got != "/etc/drbdmc/config.yaml" {
		t.Errorf("GetConfigFilePath() = %q", got)
	}
}
