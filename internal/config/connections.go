package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// BrokerSettings is the broker document (ConfigurationBroker.json).
type BrokerSettings struct {
	Protocol string `json:"protocol"`
	Broker   string `json:"broker"`
	Port     Port   `json:"port"`
	UserName string `json:"userName"`
	Password string `json:"password"`
}

// Port accepts either a JSON number or a JSON string.
type Port string

func (p *Port) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = Port(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("port must be a number or string: %w", err)
	}
	*p = Port(n.String())
	return nil
}

// URL assembles protocol://broker:port. Stray quotes are dropped.
func (b BrokerSettings) URL() string {
	protocol := b.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	url := protocol + "://" + b.Broker + ":" + string(b.Port)
	return strings.ReplaceAll(url, `"`, "")
}

// Validate checks the broker document.
func (b BrokerSettings) Validate() error {
	if strings.TrimSpace(b.Broker) == "" {
		return fmt.Errorf("broker: host is required")
	}
	if b.Port == "" {
		return fmt.Errorf("broker: port is required")
	}
	n, err := strconv.Atoi(strings.ReplaceAll(string(b.Port), `"`, ""))
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("broker: port %q is not a valid TCP port", b.Port)
	}
	switch strings.ToLower(strings.ReplaceAll(b.Protocol, `"`, "")) {
	case "", "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("broker: unsupported protocol %q", b.Protocol)
	}
	return nil
}

// LoadBroker reads and validates the broker document.
func LoadBroker(path string) (*BrokerSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read broker settings: %w", err)
	}
	var b BrokerSettings
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse broker settings %s: %w", path, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// FieldSpec names a top-level payload field, or a field nested one level inside
// the object named Object.
type FieldSpec struct {
	Object string
	Field  string
}

// ParseFieldSpec parses "field" or "object-field".
func ParseFieldSpec(s string) (FieldSpec, error) {
	parts := strings.Split(s, "-")
	for _, p := range parts {
		if p == "" {
			return FieldSpec{}, fmt.Errorf("field specifier %q has an empty segment", s)
		}
	}
	switch len(parts) {
	case 1:
		return FieldSpec{Field: parts[0]}, nil
	case 2:
		return FieldSpec{Object: parts[0], Field: parts[1]}, nil
	default:
		return FieldSpec{}, fmt.Errorf("field specifier %q nests deeper than one level", s)
	}
}

// Nested reports whether the field lives inside a sub-object.
func (f FieldSpec) Nested() bool { return f.Object != "" }

func (f FieldSpec) String() string {
	if f.Nested() {
		return f.Object + "-" + f.Field
	}
	return f.Field
}

// Connection is one subscription definition from Configuration.json.
type Connection struct {
	URL        string   `json:"URL"`
	Topic      string   `json:"Topic"`
	List       string   `json:"List"`
	Parameters []string `json:"Parameters"`

	// Fields is Parameters parsed, in order.
	Fields []FieldSpec `json:"-"`
}

func (c Connection) String() string {
	return fmt.Sprintf("Connection [URL=%s, Topic=%s, List=%s, Parameters=[%s]]",
		c.URL, c.Topic, c.List, strings.Join(c.Parameters, ", "))
}

// ConnectionError reports one invalid record in the connections document.
type ConnectionError struct {
	Index int
	List  string
	Err   error
}

func (e *ConnectionError) Error() string {
	if e.List != "" {
		return fmt.Sprintf("connection[%d] (%s): %v", e.Index, e.List, e.Err)
	}
	return fmt.Sprintf("connection[%d]: %v", e.Index, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

var errDuplicateList = errors.New("duplicate List name")

// ParseConnections decodes the connections document. Records that fail validation
// are returned as *ConnectionError values alongside the valid ones; a document that
// is not a JSON array of objects fails as a whole.
func ParseConnections(data []byte) ([]Connection, []error, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse connections: %w", err)
	}

	var (
		valid []Connection
		bad   []error
		seen  = make(map[string]bool)
	)
	for i, item := range raw {
		var c Connection
		if err := json.Unmarshal(item, &c); err != nil {
			bad = append(bad, &ConnectionError{Index: i, Err: err})
			continue
		}
		if err := c.validate(); err != nil {
			bad = append(bad, &ConnectionError{Index: i, List: c.List, Err: err})
			continue
		}
		// List names the log file, so two connections cannot share one.
		if seen[c.List] {
			bad = append(bad, &ConnectionError{Index: i, List: c.List, Err: errDuplicateList})
			continue
		}
		seen[c.List] = true
		valid = append(valid, c)
	}
	return valid, bad, nil
}

// LoadConnections reads the connections document from path.
func LoadConnections(path string) ([]Connection, []error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read connections: %w", err)
	}
	return ParseConnections(data)
}

func (c *Connection) validate() error {
	if strings.TrimSpace(c.Topic) == "" {
		return fmt.Errorf("missing Topic")
	}
	if strings.TrimSpace(c.List) == "" {
		return fmt.Errorf("missing List")
	}
	if strings.ContainsAny(c.List, `/\`) {
		return fmt.Errorf("list name %q must not contain path separators", c.List)
	}
	if len(c.Parameters) == 0 {
		return fmt.Errorf("empty Parameters")
	}
	c.Fields = make([]FieldSpec, 0, len(c.Parameters))
	for _, p := range c.Parameters {
		spec, err := ParseFieldSpec(p)
		if err != nil {
			return err
		}
		c.Fields = append(c.Fields, spec)
	}
	return nil
}
