package record

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxLineSize bounds a single JSON line.
const maxLineSize = 16 << 20

// LineError reports a malformed input line. Reading may continue after it.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// errNotObject is wrapped by LineError for lines holding valid JSON that is
// not an object.
var errNotObject = errors.New("expected a JSON object")

// JSONLReader yields one Map per non-blank line. Numbers decode as
// json.Number.
type JSONLReader struct {
	sc   *bufio.Scanner
	line int
}

// NewJSONLReader returns a reader over newline-delimited JSON objects.
func NewJSONLReader(r io.Reader) *JSONLReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &JSONLReader{sc: sc}
}

// Next implements Source. A malformed line yields a *LineError; the next
// call continues with the following line.
func (j *JSONLReader) Next() (Record, error) {
	for j.sc.Scan() {
		j.line++
		raw := bytes.TrimSpace(j.sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		m, err := decodeObject(raw)
		if err != nil {
			return nil, &LineError{Line: j.line, Err: err}
		}
		return m, nil
	}
	if err := j.sc.Err(); err != nil {
		return nil, fmt.Errorf("read line %d: %w", j.line+1, err)
	}
	return nil, io.EOF
}

// Line returns the input line of the most recently returned record.
func (j *JSONLReader) Line() int {
	return j.line
}

func decodeObject(raw []byte) (Map, error) {
	if raw[0] != '{' {
		return nil, errNotObject
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("unexpected data after JSON object")
	}
	return Map(m), nil
}
