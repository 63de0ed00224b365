package record

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// numericCell matches plain decimal numbers, optionally signed and with an
// exponent. Hex, underscores, Inf and NaN are left as text.
var numericCell = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// missingMarkers are cell values treated as missing, as most tabular tools
// do by default.
var missingMarkers = map[string]bool{
	"": true, "#N/A": true, "#N/A N/A": true, "#NA": true, "-1.#IND": true,
	"-1.#QNAN": true, "-NaN": true, "-nan": true, "1.#IND": true, "1.#QNAN": true,
	"<NA>": true, "N/A": true, "NA": true, "NULL": true, "NaN": true, "None": true,
	"n/a": true, "nan": true, "null": true,
}

// CSVReader yields one Row per CSV data row. The first row is the header.
type CSVReader struct {
	r      *csv.Reader
	header []string
	index  map[string]int
	line   int
}

// NewCSVReader reads the header from r. A UTF-8 byte order mark on the first
// header cell is dropped. Duplicate header names resolve to the first column.
func NewCSVReader(r io.Reader) (*CSVReader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read csv header: no columns to parse")
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	return &CSVReader{r: cr, header: header, index: index, line: 1}, nil
}

// Header returns the column names in file order.
func (c *CSVReader) Header() []string {
	return c.header
}

// Next implements Source.
func (c *CSVReader) Next() (Record, error) {
	values, err := c.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read csv: %w", err)
	}
	c.line, _ = c.r.FieldPos(0)
	return &Row{index: c.index, values: values}, nil
}

// Line returns the input line of the most recently returned row.
func (c *CSVReader) Line() int {
	return c.line
}

// Row is a record backed by a CSV row. Every header column is present:
// missing cells and missing-value markers read as "". Cells holding a plain
// decimal number read as json.Number so numeric fields behave the same as
// in JSON input.
type Row struct {
	index  map[string]int
	values []string
}

// Get implements Record.
func (r *Row) Get(field string) (any, bool) {
	i, ok := r.index[field]
	if !ok {
		return nil, false
	}
	if i >= len(r.values) {
		return "", true
	}
	return inferCell(r.values[i]), true
}

func inferCell(s string) any {
	if missingMarkers[s] {
		return ""
	}
	if numericCell.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) {
			return json.Number(s)
		}
	}
	return s
}
