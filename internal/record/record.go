// Package record presents source rows as uniform key-value records,
// regardless of whether they were read from CSV or JSON lines.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrUnsupportedFormat is returned for inputs whose format cannot be detected
// or is not recognised.
var ErrUnsupportedFormat = errors.New("unsupported input format")

// Record is a read-only view of one source record. Get reports whether the
// field exists; a present field may still hold nil.
type Record interface {
	Get(field string) (any, bool)
}

// Source yields records in input order and returns io.EOF when exhausted.
type Source interface {
	Next() (Record, error)
}

// Format identifies an input encoding.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
)

// ParseFormat maps a user supplied name onto a Format. The empty string
// yields the empty Format, meaning "detect from the file name".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "csv":
		return FormatCSV, nil
	case "jsonl", "ndjson", "json":
		return FormatJSONL, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// DetectFormat infers the format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL, nil
	}
	return "", fmt.Errorf("%w: cannot infer format of %s", ErrUnsupportedFormat, path)
}

// Map is a record backed by a decoded JSON object.
type Map map[string]any

// Get implements Record.
func (m Map) Get(field string) (any, bool) {
	v, ok := m[field]
	return v, ok
}

// Number returns v as a float64 when it is numeric. Booleans are not numeric.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// String renders a scalar value as text. Absent and nil values render as
// the empty string; integral floats render without a fraction.
func String(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	case bool:
		return strconv.FormatBool(s)
	}
	if f, ok := Number(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// Truthy reports whether v would be considered set: nil, "", false and
// zero are not.
func Truthy(v any) bool {
	switch s := v.(type) {
	case nil:
		return false
	case string:
		return s != ""
	case bool:
		return s
	}
	if f, ok := Number(v); ok {
		return f != 0
	}
	return true
}

// Lookup returns the field value when it is present and truthy.
func Lookup(r Record, field string) (any, bool) {
	v, ok := r.Get(field)
	if !ok || !Truthy(v) {
		return nil, false
	}
	return v, true
}

// LineReporter is implemented by sources that track input line numbers.
type LineReporter interface {
	Line() int
}

// Open returns a Source decoding r in the given format.
func Open(r io.Reader, format Format) (Source, error) {
	switch format {
	case FormatCSV:
		cr, err := NewCSVReader(r)
		if err != nil {
			return nil, err
		}
		return cr, nil
	case FormatJSONL:
		return NewJSONLReader(r), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}
