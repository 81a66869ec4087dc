// Package extract turns a JSON payload into the ordered name=value string handed to
// the external command.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/topicexec/internal/config"
)

// Separator joins name=value pairs in the dispatched value string.
const Separator = "#"

// ValueFormat selects how a JSON value is rendered.
type ValueFormat string

const (
	// FormatJSON renders the compact JSON text of the value; strings keep their quotes.
	FormatJSON ValueFormat = config.ValueFormatJSON
	// FormatText renders JSON strings without quotes; other values as FormatJSON.
	FormatText ValueFormat = config.ValueFormatText
)

// ErrFieldMissing is wrapped by every *FieldError.
var ErrFieldMissing = errors.New("field missing from payload")

// FieldError reports the specifier that could not be resolved and the document it
// was resolved against.
type FieldError struct {
	Spec     config.FieldSpec
	Document Document
	Reason   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Spec.String(), e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrFieldMissing }

// Pair is one extracted name=value.
type Pair struct {
	Name  string
	Value string
}

func (p Pair) String() string { return p.Name + "=" + p.Value }

// Result holds the pairs in specifier order.
type Result struct {
	Pairs []Pair
}

// Values joins the pairs with Separator.
func (r Result) Values() string {
	parts := make([]string, len(r.Pairs))
	for i, p := range r.Pairs {
		parts[i] = p.String()
	}
	return strings.Join(parts, Separator)
}

// Extract resolves every spec against doc, in order. The first absent key fails
// the whole extraction and no partial result is returned.
func Extract(doc Document, specs []config.FieldSpec, format ValueFormat) (Result, error) {
	pairs := make([]Pair, 0, len(specs))
	for _, spec := range specs {
		scope := doc
		if spec.Nested() {
			sub, ok := doc.Object(spec.Object)
			if !ok {
				reason := fmt.Sprintf("object %q not found", spec.Object)
				if _, present := doc.Lookup(spec.Object); present {
					reason = fmt.Sprintf("%q is not an object", spec.Object)
				}
				return Result{}, &FieldError{Spec: spec, Document: doc, Reason: reason}
			}
			scope = sub
		}

		raw, ok := scope.Lookup(spec.Field)
		if !ok {
			return Result{}, &FieldError{Spec: spec, Document: doc, Reason: fmt.Sprintf("key %q not found", spec.Field)}
		}

		value, err := render(raw, format)
		if err != nil {
			return Result{}, fmt.Errorf("field %q: %w", spec.String(), err)
		}
		pairs = append(pairs, Pair{Name: spec.Field, Value: value})
	}
	return Result{Pairs: pairs}, nil
}

func render(raw json.RawMessage, format ValueFormat) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("compact value: %w", err)
	}
	text := buf.String()

	if format == FormatText && strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(buf.Bytes(), &s); err != nil {
			return "", fmt.Errorf("decode string value: %w", err)
		}
		return s, nil
	}
	return text, nil
}
