package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config represents the complete topicexec service configuration.
type Config struct {
	Service         ServiceConfig    `yaml:"service"`
	State           StateConfig      `yaml:"state"`
	API             APIConfig        `yaml:"api,omitempty"`
	BrokerFile      string           `yaml:"broker_file"`
	ConnectionsFile string           `yaml:"connections_file"`
	MQTT            MQTTConfig       `yaml:"mqtt"`
	Command         CommandConfig    `yaml:"command"`
	Dispatch        DispatchConfig   `yaml:"dispatch"`
	Supervisor      SupervisorConfig `yaml:"supervisor"`

	// SourcePath is the YAML file the config was read from, empty when defaults were used.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	LogDir   string `yaml:"log_dir"`
}

// StateConfig defines dispatch journal storage. An empty path disables the journal.
type StateConfig struct {
	Path string `yaml:"path"`
	// Retention prunes journal rows older than this at startup. Zero keeps everything.
	Retention time.Duration `yaml:"retention,omitempty"`
}

// APIConfig defines the read-only HTTP status API.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth,omitempty"`
}

// APIAuthConfig defines API authentication. With neither field set the API is open.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// MQTTConfig holds transport settings shared by every session.
type MQTTConfig struct {
	QoS            int           `yaml:"qos"`
	CleanSession   *bool         `yaml:"clean_session,omitempty"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	AutoReconnect  bool          `yaml:"auto_reconnect"`
	PersistenceDir string        `yaml:"persistence_dir"`
	TLS            TLSConfig     `yaml:"tls,omitempty"`
}

// IsCleanSession reports the effective clean-session flag (default true).
func (m MQTTConfig) IsCleanSession() bool {
	return m.CleanSession == nil || *m.CleanSession
}

// TLSConfig holds optional certificate material for ssl/tls broker URLs.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// CommandConfig describes the external executable invoked per message.
// Args may contain the placeholders {list}, {values} and {url}.
type CommandConfig struct {
	Path    string        `yaml:"path"`
	Args    []string      `yaml:"args"`
	Dir     string        `yaml:"dir,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DispatchConfig controls per-session message handling.
type DispatchConfig struct {
	ExitStatus string `yaml:"exit_status"`
	// QueueSize bounds the messages waiting for the worker. When it is full the
	// broker client's delivery blocks, and keep-alive traffic with it, so a slow
	// command under a burst can surface as a lost connection.
	QueueSize   int    `yaml:"queue_size"`
	ValueFormat string `yaml:"value_format"`
}

// SupervisorConfig controls how session failures propagate.
type SupervisorConfig struct {
	OnSessionFailure string `yaml:"on_session_failure"`
}

const (
	ExitStatusStrict = "strict"
	ExitStatusCompat = "compat"

	ValueFormatJSON = "json"
	ValueFormatText = "text"

	FailureExit    = "exit"
	FailureIsolate = "isolate"
)

// Defaults returns a Config with the historical file names and behaviour.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "topicexec",
			LogLevel: "info",
			LogDir:   "./logs",
		},
		State: StateConfig{
			Path: "./data/journal.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8081",
		},
		BrokerFile:      "ConfigurationBroker.json",
		ConnectionsFile: "Configuration.json",
		MQTT: MQTTConfig{
			QoS:            0,
			ClientIDPrefix: "topicexec-",
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 30 * time.Second,
			PersistenceDir: filepath.Join(os.TempDir(), "topicexec"),
		},
		Command: CommandConfig{
			Path: "./SmartBoard",
			Args: []string{"-List", "{list}", "-Values", "{values}", "-Url", "{url}"},
		},
		Dispatch: DispatchConfig{
			ExitStatus:  ExitStatusStrict,
			QueueSize:   16,
			ValueFormat: ValueFormatJSON,
		},
		Supervisor: SupervisorConfig{
			OnSessionFailure: FailureExit,
		},
	}
}
