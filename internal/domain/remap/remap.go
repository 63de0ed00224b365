package remap

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEmptyTemplate is returned when the template has no header row.
var ErrEmptyTemplate = errors.New("template has no columns")

// Table is a CSV file held in memory. Rows may be shorter or longer than
// the header.
type Table struct {
	Header []string
	Rows   [][]string
}

// ReadTable reads a whole CSV file. The first row is the header.
func ReadTable(r io.Reader) (*Table, error) {
	cr := newCSVReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	t := &Table{Header: trimBOM(header)}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// ReadHeader reads only the header row of a template file.
func ReadHeader(r io.Reader) ([]string, error) {
	header, err := newCSVReader(r).Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyTemplate
	}
	if err != nil {
		return nil, fmt.Errorf("read template header: %w", err)
	}
	header = trimBOM(header)
	if len(header) == 1 && header[0] == "" {
		return nil, ErrEmptyTemplate
	}
	return header, nil
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	return cr
}

func trimBOM(header []string) []string {
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	return header
}

// Cell is one output value. A cell that is not Valid is null.
type Cell struct {
	Value string
	Valid bool
}

// Frame is the remapped output table.
type Frame struct {
	Columns []string
	Rows    [][]Cell
}

// Report describes how each template column was filled.
type Report struct {
	// Mapped lists template columns copied from a source column.
	Mapped []string
	// Null lists template columns left empty.
	Null []string
	// Unmapped lists template columns the mapping does not mention at all,
	// as opposed to targets mapped to null.
	Unmapped []string
	// Ignored lists mapping targets that are not template columns.
	Ignored []string
	// MissingSources lists source columns named by the mapping but absent
	// from the source header.
	MissingSources []string
}

// Remapper projects source tables onto a template's columns.
type Remapper struct {
	mapping *Mapping
}

// NewRemapper creates a Remapper using mapping, or DefaultMapping when nil.
func NewRemapper(mapping *Mapping) *Remapper {
	if mapping == nil {
		mapping = DefaultMapping()
	}
	return &Remapper{mapping: mapping}
}

// Remap builds one output row per source row with exactly the template
// columns, in template order. Values are copied verbatim; columns without a
// usable mapping are null, as are cells missing from short source rows.
func (r *Remapper) Remap(src *Table, template []string) (*Frame, *Report, error) {
	if len(template) == 0 {
		return nil, nil, ErrEmptyTemplate
	}

	srcIndex := make(map[string]int, len(src.Header))
	for i, name := range src.Header {
		if _, dup := srcIndex[name]; !dup {
			srcIndex[name] = i
		}
	}

	report := &Report{}
	inTemplate := make(map[string]bool, len(template))
	missing := make(map[string]bool)
	plan := make([]int, len(template))
	for i, target := range template {
		inTemplate[target] = true
		plan[i] = -1
		source, ok := r.mapping.Source(target)
		if !ok {
			if !r.mapping.Has(target) {
				report.Unmapped = append(report.Unmapped, target)
			}
			report.Null = append(report.Null, target)
			continue
		}
		idx, ok := srcIndex[source]
		if !ok {
			if !missing[source] {
				missing[source] = true
				report.MissingSources = append(report.MissingSources, source)
			}
			report.Null = append(report.Null, target)
			continue
		}
		plan[i] = idx
		report.Mapped = append(report.Mapped, target)
	}
	for _, target := range r.mapping.Targets() {
		if !inTemplate[target] {
			report.Ignored = append(report.Ignored, target)
		}
	}

	frame := &Frame{
		Columns: append([]string(nil), template...),
		Rows:    make([][]Cell, len(src.Rows)),
	}
	for i, row := range src.Rows {
		out := make([]Cell, len(template))
		for j, idx := range plan {
			if idx >= 0 && idx < len(row) {
				out[j] = Cell{Value: row[idx], Valid: true}
			}
		}
		frame.Rows[i] = out
	}
	return frame, report, nil
}

// WriteCSV writes the frame with a header row. Null cells are written as
// empty fields.
func WriteCSV(w io.Writer, f *Frame) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(f.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	record := make([]string, len(f.Columns))
	for i, row := range f.Rows {
		for j := range record {
			record[j] = ""
			if j < len(row) && row[j].Valid {
				record[j] = row[j].Value
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
