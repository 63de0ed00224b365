package fhir

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// NDJSONWriter writes resources in NDJSON (Newline Delimited JSON) format,
// one compact resource per line, as used by FHIR Bulk Data exports.
type NDJSONWriter struct {
	w     *bufio.Writer
	lines int
}

// NewNDJSONWriter creates a new NDJSONWriter that writes to w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{
		w: bufio.NewWriter(w),
	}
}

// WriteResource serialises resource as a single JSON line. Raw messages are
// compacted rather than re-encoded.
func (n *NDJSONWriter) WriteResource(resource interface{}) error {
	var data []byte
	switch r := resource.(type) {
	case json.RawMessage:
		var buf bytes.Buffer
		if err := json.Compact(&buf, r); err != nil {
			return fmt.Errorf("compact resource: %w", err)
		}
		data = buf.Bytes()
	default:
		var err error
		if data, err = json.Marshal(resource); err != nil {
			return err
		}
	}
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	if err := n.w.WriteByte('\n'); err != nil {
		return err
	}
	n.lines++
	return nil
}

// WriteBundle writes the resource of every entry in bundle order. Request
// directives are dropped; NDJSON carries resources only.
func (n *NDJSONWriter) WriteBundle(b *Bundle) error {
	for i, entry := range b.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		if err := n.WriteResource(entry.Resource); err != nil {
			return fmt.Errorf("entry[%d]: %w", i, err)
		}
	}
	return nil
}

// Lines returns the number of resources written so far.
func (n *NDJSONWriter) Lines() int {
	return n.lines
}

// Flush flushes any buffered data to the underlying writer.
func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}
