package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotObject is returned when a payload or a qualifier target is valid JSON but
// not a JSON object.
var ErrNotObject = errors.New("payload is not a JSON object")

// Document is one level of a parsed JSON object: string keys mapped to the raw
// JSON text of their values. Nested objects are parsed lazily through Object.
type Document struct {
	fields map[string]json.RawMessage
	raw    []byte
}

// Parse decodes payload as a JSON object.
func Parse(payload []byte) (Document, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return Document{}, fmt.Errorf("parse payload: empty")
	}
	if trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return Document{}, fmt.Errorf("parse payload: invalid JSON")
		}
		return Document{}, ErrNotObject
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Document{}, fmt.Errorf("parse payload: %w", err)
	}
	return Document{fields: fields, raw: trimmed}, nil
}

// Lookup returns the raw JSON value stored under key.
func (d Document) Lookup(key string) (json.RawMessage, bool) {
	v, ok := d.fields[key]
	return v, ok
}

// Object returns the sub-object stored under key. It reports false when the key
// is absent or holds anything other than a JSON object.
func (d Document) Object(key string) (Document, bool) {
	v, ok := d.fields[key]
	if !ok {
		return Document{}, false
	}
	sub, err := Parse(v)
	if err != nil {
		return Document{}, false
	}
	return sub, true
}

// Len returns the number of top-level keys.
func (d Document) Len() int { return len(d.fields) }

// String returns the compact JSON text of the document.
func (d Document) String() string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, d.raw); err != nil {
		return string(d.raw)
	}
	return buf.String()
}
