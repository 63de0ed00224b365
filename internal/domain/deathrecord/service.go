package deathrecord

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/mdi/mdiconvert/internal/platform/blobstore"
	"github.com/mdi/mdiconvert/internal/platform/fhir"
	"github.com/mdi/mdiconvert/internal/platform/telemetry"
	"github.com/mdi/mdiconvert/internal/record"
	"github.com/rs/zerolog"
)

// Output formats of a conversion.
const (
	OutputFormatBundle = "bundle"
	OutputFormatNDJSON = "ndjson"
)

// ParseOutputFormat validates an output format name. Empty means bundle.
func ParseOutputFormat(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", OutputFormatBundle:
		return OutputFormatBundle, nil
	case OutputFormatNDJSON:
		return OutputFormatNDJSON, nil
	}
	return "", fmt.Errorf("unsupported output format %q; valid values: %s, %s", s, OutputFormatBundle, OutputFormatNDJSON)
}

// Job describes one conversion run.
type Job struct {
	SourcePath string
	OutputPath string
	// InputFormat overrides detection from the source file extension.
	InputFormat  record.Format
	OutputFormat string
	Options      Options
}

// Result summarises a completed run.
type Result struct {
	Bundle     *fhir.Bundle
	Validation *fhir.ValidationResult
	Output     *blobstore.BlobMetadata
}

// Service runs conversions against a blob store.
type Service struct {
	store     blobstore.BlobStore
	conv      *Converter
	validator *fhir.Validator
	logger    zerolog.Logger
	metrics   *telemetry.Recorder
}

// NewService creates a new death record conversion service.
func NewService(store blobstore.BlobStore, logger zerolog.Logger, metrics *telemetry.Recorder) *Service {
	return &Service{
		store:     store,
		conv:      NewConverter(DefaultDateChain),
		validator: fhir.NewValidator(),
		logger:    logger,
		metrics:   metrics,
	}
}

// Run reads the source, assembles the bundle and writes it to the output
// path. Nothing is written when any step fails.
func (s *Service) Run(ctx context.Context, job Job) (*Result, error) {
	if job.SourcePath == "" {
		return nil, fmt.Errorf("source_path is required")
	}
	if job.OutputPath == "" {
		return nil, fmt.Errorf("output_path is required")
	}
	outFormat, err := ParseOutputFormat(job.OutputFormat)
	if err != nil {
		return nil, err
	}
	format := job.InputFormat
	if format == "" {
		if format, err = record.DetectFormat(job.SourcePath); err != nil {
			return nil, err
		}
	}

	data, err := blobstore.ReadAll(ctx, s.store, job.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", job.SourcePath, err)
	}
	src, err := record.Open(bytes.NewReader(data), format)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", job.SourcePath, err)
	}
	if cr, ok := src.(*record.CSVReader); ok {
		for _, col := range MissingColumns(cr.Header(), job.Options) {
			s.logger.Warn().Str("source", job.SourcePath).Str("column", col).Msg("source has no such column")
		}
	}

	s.logger.Info().
		Str("source", job.SourcePath).
		Str("format", string(format)).
		Bool("filter_drug_related", job.Options.FilterDrugRelated).
		Bool("skip_invalid", job.Options.SkipInvalid).
		Msg("converting records")

	bundle, err := NewAssembler(s.conv, job.Options, s.logger, s.metrics).Assemble(ctx, src)
	if err != nil {
		return nil, err
	}

	result := &Result{Bundle: bundle}
	if len(bundle.Entry) > 0 {
		result.Validation = s.validator.ValidateBundle(bundle)
		for _, issue := range result.Validation.Issues {
			s.logger.Warn().
				Str("severity", issue.Severity).
				Str("code", issue.Code).
				Strs("expression", issue.Expression).
				Msg(issue.Diagnostics)
		}
		s.metrics.Add(telemetry.ValidationIssues, int64(len(result.Validation.Issues)))
	} else {
		s.logger.Warn().Msg("no records converted, writing an empty bundle")
	}

	content, contentType, err := encode(bundle, outFormat)
	if err != nil {
		return nil, err
	}
	meta, err := s.store.Upload(ctx, blobstore.BlobMetadata{
		Path:        job.OutputPath,
		ContentType: contentType,
	}, bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("write output %s: %w", job.OutputPath, err)
	}
	result.Output = meta

	s.logger.Info().
		Str("output", meta.Path).
		Str("output_format", outFormat).
		Int("entries", len(bundle.Entry)).
		Int64("size", meta.Size).
		Str("sha256", meta.Hash).
		Msg("bundle written")
	return result, nil
}

func encode(bundle *fhir.Bundle, format string) ([]byte, string, error) {
	if format == OutputFormatNDJSON {
		var buf bytes.Buffer
		w := fhir.NewNDJSONWriter(&buf)
		if err := w.WriteBundle(bundle); err != nil {
			return nil, "", err
		}
		if err := w.Flush(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "application/fhir+ndjson", nil
	}
	data, err := bundle.MarshalIndented()
	if err != nil {
		return nil, "", err
	}
	return data, "application/fhir+json", nil
}

// MissingColumns returns the fields the converter reads that header does not
// name: the identifiers always, DeathType only when filtering on it.
func MissingColumns(header []string, opts Options) []string {
	have := make(map[string]bool, len(header))
	for _, name := range header {
		have[name] = true
	}
	want := []string{FieldCaseIdentifier, FieldCaseNum}
	if opts.FilterDrugRelated {
		want = append(want, FieldDeathType)
	}
	var missing []string
	for _, f := range want {
		if !have[f] {
			missing = append(missing, f)
		}
	}
	return missing
}
