package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the service config file looked up inside a config directory.
const DefaultFileName = "topicexec.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and validates the service configuration at configPath (a file, or a
// directory containing topicexec.yaml). Relative broker/connection file paths are
// resolved against the config file's directory. When a .checksums manifest sits next
// to the config file, every config file is verified against it.
func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

// LoadUnverified loads like Load but skips the checksum check. An empty
// configPath yields the defaults.
func LoadUnverified(configPath string) (*Config, error) {
	if configPath == "" {
		return LoadOrDefaults("")
	}
	return load(configPath, false)
}

func load(configPath string, verify bool) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", DefaultFileName, absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	resolvePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if verify {
		if err := verifyIfLocked(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadOrDefaults loads configPath, or returns validated defaults rooted at the
// working directory when configPath is empty.
func LoadOrDefaults(configPath string) (*Config, error) {
	if configPath != "" {
		return Load(configPath)
	}
	cfg := Defaults()
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ConfigDir returns the directory holding the config files.
func (c *Config) ConfigDir() string {
	if c.SourcePath == "" {
		return "."
	}
	return filepath.Dir(c.SourcePath)
}

// Files returns the config files covered by integrity checksums, relative to ConfigDir.
func (c *Config) Files() []string {
	dir := c.ConfigDir()
	var files []string
	if c.SourcePath != "" {
		files = append(files, filepath.Base(c.SourcePath))
	}
	for _, p := range []string{c.BrokerFile, c.ConnectionsFile} {
		if rel, err := filepath.Rel(dir, p); err == nil {
			files = append(files, rel)
		} else {
			files = append(files, p)
		}
	}
	return files
}

// DiscoverConfig finds the service config by checking standard locations.
// Priority order: $TOPICEXEC_CONFIG_DIR, ~/.config/topicexec, /etc/topicexec,
// ./topicexec.yaml. An empty result with a nil error means "use defaults".
func DiscoverConfig() (string, error) {
	if dir := os.Getenv("TOPICEXEC_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return "", fmt.Errorf("$TOPICEXEC_CONFIG_DIR %s: %w", dir, err)
		}
		return dir, nil
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "topicexec", DefaultFileName)
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := filepath.Join("/etc/topicexec", DefaultFileName)
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	if _, err := os.Stat(DefaultFileName); err == nil {
		return DefaultFileName, nil
	}
	return "", nil
}

func resolvePaths(cfg *Config, baseDir string) {
	if cfg.BrokerFile != "" && !filepath.IsAbs(cfg.BrokerFile) {
		cfg.BrokerFile = filepath.Join(baseDir, cfg.BrokerFile)
	}
	if cfg.ConnectionsFile != "" && !filepath.IsAbs(cfg.ConnectionsFile) {
		cfg.ConnectionsFile = filepath.Join(baseDir, cfg.ConnectionsFile)
	}
}

func verifyIfLocked(cfg *Config) error {
	manifest, err := LoadChecksums(cfg.ConfigDir())
	if errors.Is(err, ErrNoChecksums) {
		return nil
	}
	if err != nil {
		return err
	}
	return VerifyFiles(cfg.ConfigDir(), manifest, cfg.Files())
}

// interpolateEnv replaces ${VAR} with the environment value, leaving unknown
// placeholders untouched so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.BrokerFile == "" {
		return fmt.Errorf("broker_file is required")
	}
	if cfg.ConnectionsFile == "" {
		return fmt.Errorf("connections_file is required")
	}

	if cfg.State.Retention < 0 {
		return fmt.Errorf("state.retention must not be negative")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if m := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey); m != nil {
			return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", m[1])
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if m := envVarPattern.FindStringSubmatch(tok.Token); m != nil {
				return fmt.Errorf("api.auth.tokens[%d].token: environment variable ${%s} is not set", i, m[1])
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2 (got %d)", cfg.MQTT.QoS)
	}
	if cfg.MQTT.KeepAlive < 0 || cfg.MQTT.ConnectTimeout < 0 {
		return fmt.Errorf("mqtt durations must not be negative")
	}
	if (cfg.MQTT.TLS.CertFile == "") != (cfg.MQTT.TLS.KeyFile == "") {
		return fmt.Errorf("mqtt.tls.cert_file and mqtt.tls.key_file must be set together")
	}

	if cfg.Command.Path == "" {
		return fmt.Errorf("command.path is required")
	}
	if envVarPattern.MatchString(cfg.Command.Path) {
		return fmt.Errorf("command.path: environment variable ${%s} is not set",
			envVarPattern.FindStringSubmatch(cfg.Command.Path)[1])
	}
	if cfg.Command.Timeout < 0 {
		return fmt.Errorf("command.timeout must not be negative")
	}

	switch cfg.Dispatch.ExitStatus {
	case ExitStatusStrict, ExitStatusCompat:
	default:
		return fmt.Errorf("dispatch.exit_status must be one of: strict, compat (got %q)", cfg.Dispatch.ExitStatus)
	}
	switch cfg.Dispatch.ValueFormat {
	case ValueFormatJSON, ValueFormatText:
	default:
		return fmt.Errorf("dispatch.value_format must be one of: json, text (got %q)", cfg.Dispatch.ValueFormat)
	}
	if cfg.Dispatch.QueueSize <= 0 {
		return fmt.Errorf("dispatch.queue_size must be positive")
	}

	switch cfg.Supervisor.OnSessionFailure {
	case FailureExit, FailureIsolate:
	default:
		return fmt.Errorf("supervisor.on_session_failure must be one of: exit, isolate (got %q)", cfg.Supervisor.OnSessionFailure)
	}
	return nil
}
