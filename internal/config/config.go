package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/seantiz/fleetbroker/internal/mapping"
	"github.com/seantiz/fleetbroker/internal/provider"
	"github.com/seantiz/fleetbroker/internal/selection"
	"github.com/seantiz/fleetbroker/internal/specbuild"
)

// Configuration keys. Each is also a flag name and, upper-cased with a
// FLEETBROKER_ prefix, an environment variable.
const (
	ListenAddr          = "listen-addr"
	DBPath              = "db-path"
	LogLevel            = "log-level"
	LogFormat           = "log-format"
	PollInterval        = "poll-interval"
	PollConcurrency     = "poll-concurrency"
	RequestTimeout      = "request-timeout"
	TemplatesFile       = "templates-file"
	SelectionPolicy     = "selection-policy"
	Scheduler           = "scheduler"
	NativeSpecEnabled   = "native-spec.enabled"
	NativeSpecMergeMode = "native-spec.merge-mode"
	NativeSpecBaseDir   = "native-spec.base-dir"
	Providers           = "providers"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "fleetbroker.db"
	defaultPollInterval    = 15 * time.Second
	defaultPollConcurrency = 8
	defaultRequestTimeout  = 30 * time.Minute
	defaultTemplatesFile   = "templates.yaml"

	envPrefix = "fleetbroker"
)

// NativeSpec configures native spec handling in the spec builder.
type NativeSpec struct {
	Enabled   bool
	MergeMode specbuild.MergeMode
	BaseDir   string
}

// Config holds application configuration.
type Config struct {
	ListenAddr      string
	DBPath          string
	LogLevel        slog.Level
	LogFormat       string
	PollInterval    time.Duration
	PollConcurrency int
	RequestTimeout  time.Duration
	TemplatesFile   string
	SelectionPolicy selection.Policy
	Scheduler       string
	NativeSpec      NativeSpec
	Providers       []provider.InstanceConfig
}

// providerEntry mirrors provider.InstanceConfig with an optional enabled flag,
// so instances listed without one default to enabled.
type providerEntry struct {
	Name             string         `mapstructure:"name"`
	Type             string         `mapstructure:"type"`
	Enabled          *bool          `mapstructure:"enabled"`
	Weight           *int           `mapstructure:"weight"`
	Config           map[string]any `mapstructure:"config"`
	HandlerOverrides map[string]any `mapstructure:"handler_overrides"`
}

// RegisterFlags adds every configuration flag to flags.
func RegisterFlags(flags *flag.FlagSet) {
	flags.String(ListenAddr, defaultListenAddr, "HTTP listen address")
	flags.String(DBPath, defaultDBPath, "SQLite database path")
	flags.String(LogLevel, "info", "minimum log level (debug, info, warn, error)")
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.Duration(PollInterval, defaultPollInterval, "how often active requests are reconciled")
	flags.Int(PollConcurrency, defaultPollConcurrency, "maximum requests reconciled concurrently")
	flags.Duration(RequestTimeout, defaultRequestTimeout, "age after which an unresolved acquire request fails")
	flags.String(TemplatesFile, defaultTemplatesFile, "template catalog file")
	flags.String(SelectionPolicy, string(selection.FirstAvailable), "provider selection policy (FIRST_AVAILABLE, ROUND_ROBIN, WEIGHTED_ROUND_ROBIN)")
	flags.String(Scheduler, mapping.SchedulerDefault, "scheduler field mapping (default, hostfactory)")
	flags.Bool(NativeSpecEnabled, true, "allow templates to carry native provider specs")
	flags.String(NativeSpecMergeMode, string(specbuild.MergeDeep), "how native specs combine with generated payloads (merge, replace)")
	flags.String(NativeSpecBaseDir, ".", "directory native spec files are resolved against")
}

// NewViper returns a viper instance bound to flags and the environment, with
// configFile read when set.
func NewViper(flags *flag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

// Load builds a validated Config from v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		ListenAddr:      v.GetString(ListenAddr),
		DBPath:          v.GetString(DBPath),
		LogLevel:        ParseLogLevel(v.GetString(LogLevel)),
		LogFormat:       strings.ToLower(v.GetString(LogFormat)),
		PollInterval:    v.GetDuration(PollInterval),
		PollConcurrency: v.GetInt(PollConcurrency),
		RequestTimeout:  v.GetDuration(RequestTimeout),
		TemplatesFile:   v.GetString(TemplatesFile),
		Scheduler:       strings.ToLower(v.GetString(Scheduler)),
		NativeSpec: NativeSpec{
			Enabled:   v.GetBool(NativeSpecEnabled),
			MergeMode: specbuild.ParseMergeMode(v.GetString(NativeSpecMergeMode)),
			BaseDir:   v.GetString(NativeSpecBaseDir),
		},
	}

	policy, err := selection.ParsePolicy(v.GetString(SelectionPolicy))
	if err != nil {
		return Config{}, err
	}
	cfg.SelectionPolicy = policy

	var entries []providerEntry
	if err := v.UnmarshalKey(Providers, &entries); err != nil {
		return Config{}, fmt.Errorf("decode providers: %w", err)
	}
	for _, e := range entries {
		t, err := provider.ParseType(e.Type)
		if err != nil {
			return Config{}, fmt.Errorf("provider %q: %w", e.Name, err)
		}
		cfg.Providers = append(cfg.Providers, provider.InstanceConfig{
			Name:             e.Name,
			Type:             t,
			Enabled:          lo.FromPtrOr(e.Enabled, true),
			Weight:           lo.FromPtrOr(e.Weight, 1),
			Config:           e.Config,
			HandlerOverrides: e.HandlerOverrides,
		})
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", PollInterval))
	}
	if c.PollConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", PollConcurrency))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", RequestTimeout))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("unknown %s %q", LogFormat, c.LogFormat))
	}
	if _, err := selection.ParsePolicy(string(c.SelectionPolicy)); err != nil {
		errs = append(errs, err)
	}
	if !lo.Contains(mapping.Schedulers, c.Scheduler) {
		errs = append(errs, fmt.Errorf("unknown %s %q", Scheduler, c.Scheduler))
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if _, err := provider.ParseType(string(p.Type)); err != nil {
			errs = append(errs, fmt.Errorf("providers[%d]: %w", i, err))
		}
		if p.Weight < 0 {
			errs = append(errs, fmt.Errorf("providers[%d]: weight must not be negative", i))
		}
	}
	return errors.Join(errs...)
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the configured
// level, as JSON or text.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
