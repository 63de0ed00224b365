package remap

import (
	"bytes"
	"context"
	"fmt"

	"github.com/mdi/mdiconvert/internal/platform/blobstore"
	"github.com/mdi/mdiconvert/internal/platform/telemetry"
	"github.com/rs/zerolog"
)

// Job describes one remap run. An empty MappingPath selects the built-in
// mapping.
type Job struct {
	SourcePath   string
	TemplatePath string
	MappingPath  string
	OutputPath   string
}

// Result summarises a completed run.
type Result struct {
	Frame  *Frame
	Report *Report
	Output *blobstore.BlobMetadata
}

// Service runs remaps against a blob store.
type Service struct {
	store   blobstore.BlobStore
	logger  zerolog.Logger
	metrics *telemetry.Recorder
}

// NewService creates a new remap service.
func NewService(store blobstore.BlobStore, logger zerolog.Logger, metrics *telemetry.Recorder) *Service {
	return &Service{store: store, logger: logger, metrics: metrics}
}

// Run remaps the source onto the template columns and writes the result.
// Nothing is written when any step fails.
func (s *Service) Run(ctx context.Context, job Job) (*Result, error) {
	if job.SourcePath == "" {
		return nil, fmt.Errorf("source_path is required")
	}
	if job.TemplatePath == "" {
		return nil, fmt.Errorf("template_path is required")
	}
	if job.OutputPath == "" {
		return nil, fmt.Errorf("output_path is required")
	}

	mapping, err := s.loadMapping(ctx, job.MappingPath)
	if err != nil {
		return nil, err
	}

	data, err := blobstore.ReadAll(ctx, s.store, job.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", job.SourcePath, err)
	}
	src, err := ReadTable(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", job.SourcePath, err)
	}

	data, err = blobstore.ReadAll(ctx, s.store, job.TemplatePath)
	if err != nil {
		return nil, fmt.Errorf("open template %s: %w", job.TemplatePath, err)
	}
	template, err := ReadHeader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", job.TemplatePath, err)
	}

	frame, report, err := NewRemapper(mapping).Remap(src, template)
	if err != nil {
		return nil, err
	}
	for _, target := range report.Ignored {
		s.logger.Warn().Str("target", target).Msg("mapping target is not a template column, ignoring")
	}
	for _, target := range report.Unmapped {
		s.logger.Debug().Str("target", target).Msg("template column has no mapping entry, left empty")
	}
	for _, source := range report.MissingSources {
		s.logger.Warn().Str("source_column", source).Msg("mapped source column not found, target left empty")
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, frame); err != nil {
		return nil, err
	}
	meta, err := s.store.Upload(ctx, blobstore.BlobMetadata{
		Path:        job.OutputPath,
		ContentType: "text/csv",
	}, &buf)
	if err != nil {
		return nil, fmt.Errorf("write output %s: %w", job.OutputPath, err)
	}

	s.metrics.Add(telemetry.RecordsRead, int64(len(src.Rows)))
	s.metrics.Add(telemetry.RowsWritten, int64(len(frame.Rows)))
	s.metrics.Add(telemetry.ColumnsMapped, int64(len(report.Mapped)))
	s.metrics.Add(telemetry.ColumnsNull, int64(len(report.Null)))

	s.logger.Info().
		Str("output", meta.Path).
		Int("rows", len(frame.Rows)).
		Int("columns", len(frame.Columns)).
		Int("mapped", len(report.Mapped)).
		Int64("size", meta.Size).
		Str("sha256", meta.Hash).
		Msg("remapped table written")
	return &Result{Frame: frame, Report: report, Output: meta}, nil
}

func (s *Service) loadMapping(ctx context.Context, path string) (*Mapping, error) {
	if path == "" {
		return DefaultMapping(), nil
	}
	data, err := blobstore.ReadAll(ctx, s.store, path)
	if err != nil {
		return nil, fmt.Errorf("open mapping %s: %w", path, err)
	}
	m, err := ParseMapping(data)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", path, err)
	}
	return m, nil
}
