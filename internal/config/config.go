package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. MDI_SOURCE_PATH.
const EnvPrefix = "MDI"

// DatePlaceholder in output_path is replaced with the run date.
const DatePlaceholder = "{date}"

// Commands whose required options Validate knows.
const (
	CommandRemap    = "remap"
	CommandFHIR     = "fhir"
	CommandValidate = "validate"
)

type Config struct {
	Env         string `mapstructure:"env"`
	LogLevel    string `mapstructure:"log_level"`
	MetricsPath string `mapstructure:"metrics_path"`

	SourcePath   string `mapstructure:"source_path"`
	TemplatePath string `mapstructure:"template_path"`
	MappingPath  string `mapstructure:"mapping_path"`
	OutputPath   string `mapstructure:"output_path"`

	FilterDrugRelated bool   `mapstructure:"filter_drug_related"`
	SkipInvalid       bool   `mapstructure:"skip_invalid"`
	InputFormat       string `mapstructure:"input_format"`
	OutputFormat      string `mapstructure:"output_format"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"env":                 "env",
	"log-level":           "log_level",
	"metrics-path":        "metrics_path",
	"source":              "source_path",
	"template":            "template_path",
	"mapping":             "mapping_path",
	"output":              "output_path",
	"filter-drug-related": "filter_drug_related",
	"skip-invalid":        "skip_invalid",
	"input-format":        "input_format",
	"output-format":       "output_format",
}

// Load resolves the configuration from, in decreasing precedence, explicitly
// set flags, MDI_* environment variables, the file named by --config (or
// MDI_CONFIG), a .env file in the working directory, flag defaults and
// built-in defaults. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Defaults
	v.SetDefault("env", "production")
	v.SetDefault("log_level", "info")
	v.SetDefault("filter_drug_related", true)
	v.SetDefault("skip_invalid", false)
	v.SetDefault("output_format", "bundle")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range flagKeys {
		v.BindEnv(key)
	}
	v.BindEnv("config")

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if f := flags.Lookup("config"); f != nil {
			if err := v.BindPFlag("config", f); err != nil {
				return nil, fmt.Errorf("bind flag config: %w", err)
			}
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		// Try reading .env file, but don't fail if missing
		v.SetConfigFile(".env")
		_ = v.ReadInConfig()
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the options command needs are present.
func (c *Config) Validate(command string) error {
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled", "":
	default:
		return fmt.Errorf("log_level must be one of trace, debug, info, warn, error, disabled; got %q", c.LogLevel)
	}

	if c.SourcePath == "" {
		return fmt.Errorf("source_path is required")
	}
	switch command {
	case CommandRemap:
		if c.TemplatePath == "" {
			return fmt.Errorf("template_path is required for %s", command)
		}
		if c.OutputPath == "" {
			return fmt.Errorf("output_path is required for %s", command)
		}
	case CommandFHIR:
		if c.OutputPath == "" {
			return fmt.Errorf("output_path is required for %s", command)
		}
	case CommandValidate:
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

// ResolveOutputPath returns output_path with every {date} replaced by the
// date of now as YYYY-MM-DD.
func (c *Config) ResolveOutputPath(now time.Time) string {
	return strings.ReplaceAll(c.OutputPath, DatePlaceholder, now.Format("2006-01-02"))
}
