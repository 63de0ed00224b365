package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mdi/mdiconvert/internal/config"
	"github.com/mdi/mdiconvert/internal/domain/deathrecord"
	"github.com/mdi/mdiconvert/internal/domain/remap"
	"github.com/mdi/mdiconvert/internal/platform/blobstore"
	"github.com/mdi/mdiconvert/internal/platform/fhir"
	"github.com/mdi/mdiconvert/internal/platform/telemetry"
	"github.com/mdi/mdiconvert/internal/record"
)

// errInvalidBundle is returned by the validate command for bundles with
// error-level issues.
var errInvalidBundle = errors.New("bundle has validation errors")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mdi-convert",
		Short:         "Convert MDI death records to Raven CSV and FHIR bundles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (yaml, toml, json or .env)")
	pf.String("env", "production", "Environment; development enables console logging")
	pf.String("log-level", "info", "Log level")
	pf.String("metrics-path", "", "Write run metrics in Prometheus text format to this file")

	rootCmd.AddCommand(remapCmd())
	rootCmd.AddCommand(fhirCmd())
	rootCmd.AddCommand(validateCmd())
	return rootCmd
}

func remapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remap",
		Short: "Remap a county export onto the Raven MDI CSV template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, config.CommandRemap, func(ctx context.Context, cfg *config.Config, env *runEnv) error {
				svc := remap.NewService(env.store, env.logger, env.metrics)
				_, err := svc.Run(ctx, remap.Job{
					SourcePath:   cfg.SourcePath,
					TemplatePath: cfg.TemplatePath,
					MappingPath:  cfg.MappingPath,
					OutputPath:   cfg.ResolveOutputPath(env.started),
				})
				return err
			})
		},
	}
	cmd.Flags().String("source", "", "Source CSV file")
	cmd.Flags().String("template", "", "Raven MDI template CSV; only its header is used")
	cmd.Flags().String("mapping", "", "Mapping YAML file; the built-in mapping is used when empty")
	cmd.Flags().String("output", "./output/RavenMDI-{date}.csv", "Output CSV file; {date} becomes YYYY-MM-DD")
	return cmd
}

func fhirCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fhir",
		Short: "Convert death records into a FHIR transaction bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, config.CommandFHIR, func(ctx context.Context, cfg *config.Config, env *runEnv) error {
				format, err := record.ParseFormat(cfg.InputFormat)
				if err != nil {
					return err
				}
				svc := deathrecord.NewService(env.store, env.logger, env.metrics)
				_, err = svc.Run(ctx, deathrecord.Job{
					SourcePath:   cfg.SourcePath,
					OutputPath:   cfg.ResolveOutputPath(env.started),
					InputFormat:  format,
					OutputFormat: cfg.OutputFormat,
					Options: deathrecord.Options{
						FilterDrugRelated: cfg.FilterDrugRelated,
						SkipInvalid:       cfg.SkipInvalid,
					},
				})
				return err
			})
		},
	}
	cmd.Flags().String("source", "", "Source file (.csv, .jsonl, .ndjson or .json)")
	cmd.Flags().String("output", "./output/FilteredBundle-{date}.json", "Output file; {date} becomes YYYY-MM-DD")
	cmd.Flags().Bool("filter-drug-related", true, "Only convert records whose DeathType is \"Drug Related\"")
	cmd.Flags().Bool("skip-invalid", false, "Skip malformed lines and records without identifiers instead of failing")
	cmd.Flags().String("input-format", "", "Input format (csv or jsonl); detected from the extension when empty")
	cmd.Flags().String("output-format", "bundle", "Output format (bundle or ndjson)")
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [bundle.json]",
		Short: "Check a transaction bundle and print an OperationOutcome",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := cmd.Flags().Set("source", args[0]); err != nil {
					return err
				}
			}
			return runCommand(cmd, config.CommandValidate, func(ctx context.Context, cfg *config.Config, env *runEnv) error {
				data, err := blobstore.ReadAll(ctx, env.store, cfg.SourcePath)
				if err != nil {
					return fmt.Errorf("open bundle %s: %w", cfg.SourcePath, err)
				}
				bundle, err := fhir.ParseBundle(data)
				if err != nil {
					if werr := writeOutcome(cmd.OutOrStdout(), fhir.ErrorOutcome(err.Error())); werr != nil {
						return werr
					}
					return err
				}
				result := fhir.NewValidator().ValidateBundle(bundle)
				env.metrics.Add(telemetry.BundleEntries, int64(len(bundle.Entry)))
				env.metrics.Add(telemetry.ValidationIssues, int64(len(result.Issues)))

				if err := writeOutcome(cmd.OutOrStdout(), result.ToOperationOutcome()); err != nil {
					return err
				}
				if !result.Valid {
					return errInvalidBundle
				}
				return nil
			})
		},
	}
	cmd.Flags().String("source", "", "Bundle JSON file")
	return cmd
}

// writeOutcome prints oo with a four-space indent.
func writeOutcome(w io.Writer, oo *fhir.OperationOutcome) error {
	out, err := json.MarshalIndent(oo, "", "    ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", out)
	return err
}

// runEnv carries the per-run infrastructure handed to a command.
type runEnv struct {
	store   blobstore.BlobStore
	logger  zerolog.Logger
	metrics *telemetry.Recorder
	started time.Time
}

// runCommand loads and validates the configuration, runs fn and reports the
// outcome. Errors are logged once and returned for the exit code.
func runCommand(cmd *cobra.Command, command string, fn func(context.Context, *config.Config, *runEnv) error) error {
	stderr := cmd.ErrOrStderr()

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		logger := newLogger(stderr, false, "info", command)
		logger.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger := newLogger(stderr, cfg.IsDev(), cfg.LogLevel, command)
	if err := cfg.Validate(command); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := &runEnv{
		store:   blobstore.NewFileBlobStore(),
		logger:  logger,
		metrics: telemetry.NewRecorder(command),
		started: time.Now(),
	}

	err = fn(ctx, cfg, env)
	env.metrics.Finish(err)
	env.metrics.LogSummary(logger)

	if cfg.MetricsPath != "" {
		if merr := writeMetrics(ctx, env, cfg.MetricsPath); merr != nil {
			logger.Warn().Err(merr).Str("path", cfg.MetricsPath).Msg("failed to write metrics")
		}
	}

	if err != nil {
		logger.Error().Err(err).Msg(command + " failed")
		return err
	}
	return nil
}

func writeMetrics(ctx context.Context, env *runEnv, path string) error {
	var buf bytes.Buffer
	if err := env.metrics.WritePrometheus(&buf); err != nil {
		return err
	}
	// The textfile collector must never see a partial file; Upload renames
	// into place.
	_, err := env.store.Upload(ctx, blobstore.BlobMetadata{Path: path, ContentType: "text/plain"}, &buf)
	return err
}

// newLogger writes JSON lines, or console output in development. Every line
// carries a fresh run id.
func newLogger(w io.Writer, dev bool, level, command string) zerolog.Logger {
	if dev {
		w = zerolog.ConsoleWriter{Out: w}
	}
	logger := zerolog.New(w).With().
		Timestamp().
		Str("run_id", uuid.NewString()).
		Str("command", command).
		Logger()
	if lvl, err := zerolog.ParseLevel(level); err == nil && level != "" {
		logger = logger.Level(lvl)
	}
	return logger
}
