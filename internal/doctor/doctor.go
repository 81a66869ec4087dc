// Package doctor validates a topicexec installation without connecting to the
// broker: the service config, both JSON documents, the command and the
// directories the process writes to.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/topicexec/internal/auth"
	"github.com/mattjoyce/topicexec/internal/config"
	"github.com/mattjoyce/topicexec/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid       bool     `json:"valid"`
	Broker      string   `json:"broker,omitempty"`
	Connections []string `json:"connections,omitempty"`
	Errors      []Issue  `json:"errors,omitempty"`
	Warnings    []Issue  `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	broker := d.validateBroker(r)
	conns := d.validateConnections(r)
	d.validateCommand(r)
	d.validateState(r)
	d.validateLogDir(r)
	d.validateMQTT(r, broker)
	d.validateAPI(r)
	d.warnDuplicateTopics(r, conns)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateBroker(r *Result) *config.BrokerSettings {
	bs, err := config.LoadBroker(d.cfg.BrokerFile)
	if err != nil {
		d.addError(r, "broker", d.cfg.BrokerFile, err.Error())
		return nil
	}
	r.Broker = bs.URL()
	return bs
}

func (d *Doctor) validateConnections(r *Result) []config.Connection {
	conns, invalid, err := config.LoadConnections(d.cfg.ConnectionsFile)
	if err != nil {
		d.addError(r, "connections", d.cfg.ConnectionsFile, err.Error())
		return nil
	}
	for _, e := range invalid {
		d.addError(r, "connections", "", e.Error())
	}
	if len(conns) == 0 {
		d.addError(r, "connections", d.cfg.ConnectionsFile, "no valid connection definitions")
	}
	for _, c := range conns {
		r.Connections = append(r.Connections, c.String())
	}
	return conns
}

// validateCommand checks the executable resolves and the args carry the values.
func (d *Doctor) validateCommand(r *Result) {
	cmd := d.cfg.Command
	if _, err := d.lookPath(cmd.Path); err != nil {
		d.addError(r, "command", "command.path", fmt.Sprintf("%s is not an executable: %v", cmd.Path, err))
	}
	if !strings.Contains(strings.Join(cmd.Args, " "), "{values}") {
		d.addWarning(r, "command", "command.args", "no {values} placeholder, extracted fields are never passed")
	}
	if cmd.Dir != "" {
		if info, err := os.Stat(cmd.Dir); err != nil || !info.IsDir() {
			d.addError(r, "command", "command.dir", fmt.Sprintf("%s is not a directory", cmd.Dir))
		}
	}
}

func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Path == "" {
		d.addWarning(r, "state", "state.path", "dispatch journal disabled")
		return
	}
	if err := storage.RequireLocalFilesystem(filepath.Dir(d.cfg.State.Path)); err != nil {
		if errors.Is(err, storage.ErrNetworkFilesystem) {
			d.addError(r, "state", "state.path", err.Error())
		} else {
			d.addWarning(r, "state", "state.path", err.Error())
		}
	}
}

func (d *Doctor) validateLogDir(r *Result) {
	dir := d.cfg.Service.LogDir
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Created at startup.
		return
	case err != nil:
		d.addError(r, "service", "service.log_dir", err.Error())
	case !info.IsDir():
		d.addError(r, "service", "service.log_dir", fmt.Sprintf("%s is not a directory", dir))
	}
}

func (d *Doctor) validateMQTT(r *Result, bs *config.BrokerSettings) {
	m := d.cfg.MQTT
	for field, path := range map[string]string{
		"mqtt.tls.ca_file":   m.TLS.CAFile,
		"mqtt.tls.cert_file": m.TLS.CertFile,
		"mqtt.tls.key_file":  m.TLS.KeyFile,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			d.addError(r, "mqtt", field, err.Error())
		}
	}
	if m.TLS.InsecureSkipVerify {
		d.addWarning(r, "mqtt", "mqtt.tls.insecure_skip_verify", "broker certificate is not verified")
	}
	if m.AutoReconnect && d.cfg.Supervisor.OnSessionFailure == config.FailureExit {
		d.addWarning(r, "mqtt", "mqtt.auto_reconnect", "with auto_reconnect the exit policy only applies to the first connect")
	}
	if bs == nil {
		return
	}
	if bs.Password != "" && !secureScheme(bs.Protocol) && m.TLS.CAFile == "" {
		d.addWarning(r, "broker", "password", "credentials are sent without TLS")
	}
}

func secureScheme(protocol string) bool {
	switch strings.ToLower(strings.ReplaceAll(protocol, `"`, "")) {
	case "ssl", "tls", "mqtts", "wss":
		return true
	}
	return false
}

var knownScopes = map[string]bool{
	auth.ScopeAll:      true,
	auth.ScopeSessions: true,
	auth.ScopeJournal:  true,
	auth.ScopeEvents:   true,
}

func (d *Doctor) validateAPI(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	if api.Auth.APIKey == "" && len(api.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
	}
	for i, token := range api.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !knownScopes[strings.TrimSpace(scope)] {
				d.addError(r, "api", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

// warnDuplicateTopics flags filters subscribed by more than one connection:
// every matching message is dispatched once per connection.
func (d *Doctor) warnDuplicateTopics(r *Result, conns []config.Connection) {
	seen := make(map[string]string)
	for _, c := range conns {
		if first, ok := seen[c.Topic]; ok {
			d.addWarning(r, "connections", c.List,
				fmt.Sprintf("topic %q is also subscribed by %s", c.Topic, first))
			continue
		}
		seen[c.Topic] = c.List
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Broker != "" {
		fmt.Fprintf(&b, "Broker: %s\n", r.Broker)
	}
	fmt.Fprintf(&b, "Connections: %d valid\n", len(r.Connections))
	for _, c := range r.Connections {
		fmt.Fprintf(&b, "  %s\n", c)
	}

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
