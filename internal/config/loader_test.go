package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file keeps defaults",
			yaml: "{}\n",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.LogLevel != "info" {
					t.Errorf("log_level default not kept: %q", cfg.Service.LogLevel)
				}
				if cfg.Dispatch.ExitStatus != ExitStatusStrict {
					t.Errorf("exit_status default not kept: %q", cfg.Dispatch.ExitStatus)
				}
				if !cfg.MQTT.IsCleanSession() {
					t.Error("clean session should default to true")
				}
				if filepath.Base(cfg.BrokerFile) != "ConfigurationBroker.json" || !filepath.IsAbs(cfg.BrokerFile) {
					t.Errorf("broker_file not resolved: %q", cfg.BrokerFile)
				}
			},
		},
		{
			name: "full config",
			yaml: `
service:
  name: bremen
  log_level: debug
  log_dir: /var/log/topicexec
state:
  path: ""
broker_file: broker.json
connections_file: conns.json
mqtt:
  qos: 1
  clean_session: false
  keep_alive: 15s
  connect_timeout: 5s
  auto_reconnect: true
command:
  path: /usr/bin/pwsh
  args: ["-File", "SmartBoard.ps1", "-List", "{list}"]
  timeout: 2m
dispatch:
  exit_status: compat
  queue_size: 4
  value_format: text
supervisor:
  on_session_failure: isolate
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.Name != "bremen" || cfg.Service.LogLevel != "debug" {
					t.Errorf("service not parsed: %+v", cfg.Service)
				}
				if cfg.State.Path != "" {
					t.Errorf("state.path should be disabled, got %q", cfg.State.Path)
				}
				if cfg.MQTT.QoS != 1 || cfg.MQTT.IsCleanSession() || !cfg.MQTT.AutoReconnect {
					t.Errorf("mqtt not parsed: %+v", cfg.MQTT)
				}
				if cfg.MQTT.KeepAlive != 15*time.Second || cfg.MQTT.ConnectTimeout != 5*time.Second {
					t.Errorf("mqtt durations not parsed: %+v", cfg.MQTT)
				}
				if cfg.Command.Path != "/usr/bin/pwsh" || len(cfg.Command.Args) != 4 || cfg.Command.Timeout != 2*time.Minute {
					t.Errorf("command not parsed: %+v", cfg.Command)
				}
				if cfg.Dispatch.ExitStatus != ExitStatusCompat || cfg.Dispatch.QueueSize != 4 || cfg.Dispatch.ValueFormat != ValueFormatText {
					t.Errorf("dispatch not parsed: %+v", cfg.Dispatch)
				}
				if cfg.Supervisor.OnSessionFailure != FailureIsolate {
					t.Errorf("supervisor not parsed: %+v", cfg.Supervisor)
				}
				if filepath.Base(cfg.ConnectionsFile) != "conns.json" {
					t.Errorf("connections_file not parsed: %q", cfg.ConnectionsFile)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
command:
  path: ${SMARTBOARD_BIN}
state:
  path: ${JOURNAL_PATH}
`,
			env: map[string]string{
				"SMARTBOARD_BIN": "/opt/smartboard/run",
				"JOURNAL_PATH":   "/tmp/journal.db",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Command.Path != "/opt/smartboard/run" {
					t.Errorf("env var not interpolated in command.path: %s", cfg.Command.Path)
				}
				if cfg.State.Path != "/tmp/journal.db" {
					t.Errorf("env var not interpolated in state.path: %s", cfg.State.Path)
				}
			},
		},
		{
			name: "missing env var fails validation",
			yaml: `
command:
  path: ${TOPICEXEC_MISSING_VAR}
`,
			wantErr: true,
		},
		{
			name:    "invalid log level",
			yaml:    "service:\n  log_level: invalid\n",
			wantErr: true,
		},
		{
			name:    "qos out of range",
			yaml:    "mqtt:\n  qos: 3\n",
			wantErr: true,
		},
		{
			name:    "unknown exit status mode",
			yaml:    "dispatch:\n  exit_status: sometimes\n",
			wantErr: true,
		},
		{
			name:    "unknown failure policy",
			yaml:    "supervisor:\n  on_session_failure: retry\n",
			wantErr: true,
		},
		{
			name:    "zero queue size",
			yaml:    "dispatch:\n  queue_size: 0\n",
			wantErr: true,
		},
		{
			name:    "cert without key",
			yaml:    "mqtt:\n  tls:\n    cert_file: client.pem\n",
			wantErr: true,
		},
		{
			name:    "api enabled without listen",
			yaml:    "api:\n  enabled: true\n  listen: \"\"\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, DefaultFileName)
			if err := os.WriteFile(configPath, []byte(tt.yaml), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := Load(configPath)
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.checkFn != nil && cfg != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, DefaultFileName), []byte("service:\n  name: dir\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load(dir): %v", err)
	}
	if cfg.Service.Name != "dir" {
		t.Errorf("expected name from directory config, got %q", cfg.Service.Name)
	}
	if cfg.ConfigDir() != tmpDir {
		t.Errorf("ConfigDir() = %q, want %q", cfg.ConfigDir(), tmpDir)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for directory without topicexec.yaml")
	}
}

func TestLoadOrDefaults(t *testing.T) {
	cfg, err := LoadOrDefaults("")
	if err != nil {
		t.Fatalf("LoadOrDefaults: %v", err)
	}
	if cfg.SourcePath != "" || cfg.ConfigDir() != "." {
		t.Errorf("defaults should not have a source: %q", cfg.SourcePath)
	}
	files := cfg.Files()
	if len(files) != 2 || files[0] != "ConfigurationBroker.json" || files[1] != "Configuration.json" {
		t.Errorf("unexpected files: %v", files)
	}
}

func TestLoadVerifiesLockedConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, DefaultFileName)
	writeFile(t, configPath, "service:\n  name: locked\n")
	writeFile(t, filepath.Join(tmpDir, "ConfigurationBroker.json"), `{"broker":"localhost","port":1883}`)
	writeFile(t, filepath.Join(tmpDir, "Configuration.json"), `[]`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := GenerateChecksums(cfg.ConfigDir(), cfg.Files(), false); err != nil {
		t.Fatalf("GenerateChecksums: %v", err)
	}

	if _, err := Load(configPath); err != nil {
		t.Fatalf("Load after lock: %v", err)
	}

	writeFile(t, filepath.Join(tmpDir, "Configuration.json"), `[{"Topic":"x"}]`)
	if _, err := Load(configPath); err == nil {
		t.Fatal("expected hash mismatch after editing a locked file")
	}
	if _, err := LoadUnverified(configPath); err != nil {
		t.Fatalf("LoadUnverified: %v", err)
	}
}

func TestDiscoverConfigEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TOPICEXEC_CONFIG_DIR", dir)

	got, err := DiscoverConfig()
	if err != nil {
		t.Fatalf("DiscoverConfig: %v", err)
	}
	if got != dir {
		t.Errorf("DiscoverConfig() = %q, want %q", got, dir)
	}

	t.Setenv("TOPICEXEC_CONFIG_DIR", filepath.Join(dir, "missing"))
	if _, err := DiscoverConfig(); err == nil {
		t.Fatal("expected error for missing $TOPICEXEC_CONFIG_DIR")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
