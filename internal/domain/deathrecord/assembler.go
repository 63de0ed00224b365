package deathrecord

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mdi/mdiconvert/internal/platform/fhir"
	"github.com/mdi/mdiconvert/internal/platform/telemetry"
	"github.com/mdi/mdiconvert/internal/record"
	"github.com/rs/zerolog"
)

// DrugRelated is the DeathType value kept when filtering.
const DrugRelated = "Drug Related"

// Options control which records make it into the bundle.
type Options struct {
	// FilterDrugRelated keeps only records whose DeathType is DrugRelated.
	FilterDrugRelated bool
	// SkipInvalid skips malformed lines and records without identifiers
	// instead of failing the run.
	SkipInvalid bool
}

// Assembler builds one transaction Bundle from a record source.
type Assembler struct {
	conv    *Converter
	opts    Options
	logger  zerolog.Logger
	metrics *telemetry.Recorder
}

// NewAssembler creates an Assembler. metrics may be nil.
func NewAssembler(conv *Converter, opts Options, logger zerolog.Logger, metrics *telemetry.Recorder) *Assembler {
	if conv == nil {
		conv = NewConverter(nil)
	}
	return &Assembler{conv: conv, opts: opts, logger: logger, metrics: metrics}
}

// Assemble reads src to the end and returns the bundle with two entries per
// converted record, in input order. Records sharing a CaseIdentifier are all
// emitted, so their entries target the same resources.
func (a *Assembler) Assemble(ctx context.Context, src record.Source) (*fhir.Bundle, error) {
	bundle := fhir.NewTransactionBundle()
	seen := make(map[string]int)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var lineErr *record.LineError
			if errors.As(err, &lineErr) && a.opts.SkipInvalid {
				a.logger.Warn().Err(lineErr.Err).Int("line", lineErr.Line).Msg("skipping malformed line")
				a.metrics.Inc(telemetry.MalformedLines)
				a.metrics.Inc(telemetry.RecordsSkipped)
				continue
			}
			return nil, fmt.Errorf("read source: %w", err)
		}
		a.metrics.Inc(telemetry.RecordsRead)
		line := lineOf(src)

		if a.opts.FilterDrugRelated && !isDrugRelated(rec) {
			a.metrics.Inc(telemetry.RecordsFiltered)
			continue
		}

		entries, err := a.conv.Entries(rec)
		if err != nil {
			if errors.Is(err, ErrMissingRequiredField) && a.opts.SkipInvalid {
				a.logger.Warn().Err(err).Int("line", line).Msg("skipping record")
				a.metrics.Inc(telemetry.RecordsSkipped)
				continue
			}
			return nil, fmt.Errorf("record at line %d: %w", line, err)
		}

		caseID, _ := rec.Get(FieldCaseIdentifier)
		key := record.String(caseID)
		if first, dup := seen[key]; dup {
			a.logger.Warn().
				Str("case_identifier", key).
				Int("line", line).
				Int("first_line", first).
				Msg("duplicate case identifier, later entries overwrite earlier ones")
			a.metrics.Inc(telemetry.DuplicateCaseIDs)
		} else {
			seen[key] = line
		}

		bundle.Append(entries...)
		a.metrics.Inc(telemetry.RecordsConverted)
		a.metrics.Add(telemetry.BundleEntries, int64(len(entries)))
	}

	return bundle, nil
}

func isDrugRelated(r record.Record) bool {
	v, _ := r.Get(FieldDeathType)
	s, ok := v.(string)
	return ok && s == DrugRelated
}

func lineOf(src record.Source) int {
	if lr, ok := src.(record.LineReporter); ok {
		return lr.Line()
	}
	return 0
}
