package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func fhirFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("fhir", pflag.ContinueOnError)
	fs.String("config", "", "")
	fs.String("source", "", "")
	fs.String("output", "./output/Bundle-{date}.json", "")
	fs.Bool("filter-drug-related", true, "")
	fs.Bool("skip-invalid", false, "")
	fs.String("log-level", "info", "")
	return fs
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Env != "production" {
		t.Errorf("expected default env production, got %s", cfg.Env)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %s", cfg.LogLevel)
	}
	if !cfg.FilterDrugRelated {
		t.Error("expected filter_drug_related to default to true")
	}
	if cfg.OutputFormat != "bundle" {
		t.Errorf("expected default output format bundle, got %s", cfg.OutputFormat)
	}
}

func TestLoad_FlagDefaultsAndOverrides(t *testing.T) {
	fs := fhirFlags()
	if err := fs.Parse([]string{"--source", "in.jsonl", "--filter-drug-related=false"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SourcePath != "in.jsonl" {
		t.Errorf("expected source from flag, got %q", cfg.SourcePath)
	}
	if cfg.OutputPath != "./output/Bundle-{date}.json" {
		t.Errorf("expected output from flag default, got %q", cfg.OutputPath)
	}
	if cfg.FilterDrugRelated {
		t.Error("expected filter flag to disable filtering")
	}
}

func TestLoad_EnvOverridesFlagDefault(t *testing.T) {
	t.Setenv("MDI_OUTPUT_PATH", "/tmp/out.json")
	t.Setenv("MDI_SKIP_INVALID", "true")

	cfg, err := Load(fhirFlags())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OutputPath != "/tmp/out.json" {
		t.Errorf("expected env output path, got %q", cfg.OutputPath)
	}
	if !cfg.SkipInvalid {
		t.Error("expected MDI_SKIP_INVALID to enable skipping")
	}
}

func TestLoad_FlagBeatsEnv(t *testing.T) {
	t.Setenv("MDI_SOURCE_PATH", "env.csv")
	fs := fhirFlags()
	if err := fs.Parse([]string{"--source", "flag.csv"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SourcePath != "flag.csv" {
		t.Errorf("expected flag to win, got %q", cfg.SourcePath)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdi.yaml")
	content := "source_path: from-file.csv\ntemplate_path: template.csv\nfilter_drug_related: false\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	fs := fhirFlags()
	if err := fs.Parse([]string{"--config", path}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SourcePath != "from-file.csv" || cfg.TemplatePath != "template.csv" {
		t.Errorf("expected paths from file, got %+v", cfg)
	}
	if cfg.FilterDrugRelated {
		t.Error("expected file to disable filtering")
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("MDI_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(nil); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		command string
		wantErr string
	}{
		{"remap ok", Config{SourcePath: "s", TemplatePath: "t", OutputPath: "o"}, CommandRemap, ""},
		{"remap template", Config{SourcePath: "s", OutputPath: "o"}, CommandRemap, "template_path"},
		{"fhir ok", Config{SourcePath: "s", OutputPath: "o"}, CommandFHIR, ""},
		{"fhir output", Config{SourcePath: "s"}, CommandFHIR, "output_path"},
		{"validate ok", Config{SourcePath: "s"}, CommandValidate, ""},
		{"source", Config{}, CommandValidate, "source_path"},
		{"log level", Config{SourcePath: "s", LogLevel: "loud"}, CommandValidate, "log_level"},
		{"command", Config{SourcePath: "s"}, "serve", "unknown command"},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate(tc.command)
		if tc.wantErr == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: expected error mentioning %q, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestConfig_ResolveOutputPath(t *testing.T) {
	c := &Config{OutputPath: "./output/RavenMDI-{date}.csv"}
	now := time.Date(2024, 3, 7, 23, 0, 0, 0, time.UTC)
	if got := c.ResolveOutputPath(now); got != "./output/RavenMDI-2024-03-07.csv" {
		t.Errorf("got %q", got)
	}
	c.OutputPath = "plain.csv"
	if got := c.ResolveOutputPath(now); got != "plain.csv" {
		t.Errorf("got %q", got)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}
