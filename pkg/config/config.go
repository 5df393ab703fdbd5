// Package config loads engine configuration from a YAML file, an optional
// .env file and GOREVISE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/dan-solli/gorevise/pkg/cache"
	"github.com/dan-solli/gorevise/pkg/gorevise"
	"github.com/dan-solli/gorevise/pkg/metrics"
	"github.com/dan-solli/gorevise/pkg/model"
	"github.com/dan-solli/gorevise/pkg/store"
	"github.com/dan-solli/gorevise/pkg/trace"
)

// EnvPrefix prefixes every environment override, e.g. GOREVISE_STORAGE_BACKEND.
const EnvPrefix = "GOREVISE"

// Config holds the complete application configuration
type Config struct {
	Storage  StorageConfig `mapstructure:"storage" yaml:"storage"`
	Quota    QuotaConfig   `mapstructure:"quota" yaml:"quota"`
	Trash    TrashConfig   `mapstructure:"trash" yaml:"trash"`
	Cache    CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Janitor  JanitorConfig `mapstructure:"janitor" yaml:"janitor"`
	Log      LogConfig     `mapstructure:"log" yaml:"log"`
	Trace    TraceConfig   `mapstructure:"trace" yaml:"trace"`
	Metrics  MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Timezone string        `mapstructure:"timezone" yaml:"timezone"`
}

// StorageConfig selects and locates the backend
type StorageConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"` // file, sqlite
	FilePath    string `mapstructure:"file_path" yaml:"file_path"`
	DBPath      string `mapstructure:"db_path" yaml:"db_path"`
	Driver      string `mapstructure:"driver" yaml:"driver"` // sqlite, sqlite3
	BusyTimeout string `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

// QuotaConfig holds the default daily limit for new points
type QuotaConfig struct {
	DailyLimit   int  `mapstructure:"daily_limit" yaml:"daily_limit"`
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	HistoryLimit int  `mapstructure:"history_limit" yaml:"history_limit"`
}

// TrashConfig holds soft-delete retention settings
type TrashConfig struct {
	RetentionDays  int    `mapstructure:"retention_days" yaml:"retention_days"`
	MaxSweepBatch  int    `mapstructure:"max_sweep_batch" yaml:"max_sweep_batch"`
	HighValueFloor int    `mapstructure:"high_value_floor" yaml:"high_value_floor"`
	SweepInterval  string `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// CacheConfig overrides per-category TTLs, keyed by category name
type CacheConfig struct {
	TTLs map[string]string `mapstructure:"ttls" yaml:"ttls"`
}

// JanitorConfig schedules the background trash sweep
type JanitorConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json, console
}

// TraceConfig configures the operation trace file
type TraceConfig struct {
	File         string `mapstructure:"file" yaml:"file"`
	MaxSizeBytes int64  `mapstructure:"max_size_bytes" yaml:"max_size_bytes"`
	MaxFiles     int    `mapstructure:"max_files" yaml:"max_files"`
}

// MetricsConfig enables the Prometheus collector
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns a new configuration with default values
func Default() *Config {
	ttls := make(map[string]string, len(cache.DefaultTTLs))
	for c, d := range cache.DefaultTTLs {
		ttls[string(c)] = d.String()
	}
	return &Config{
		Storage: StorageConfig{
			Backend:     store.BackendFile,
			FilePath:    gorevise.DefaultFilePath,
			DBPath:      gorevise.DefaultDBPath,
			Driver:      store.DriverModernc,
			BusyTimeout: "5s",
		},
		Quota: QuotaConfig{
			DailyLimit:   model.DefaultDailyLimit,
			Enabled:      true,
			HistoryLimit: model.DefaultHistoryLimit,
		},
		Trash: TrashConfig{
			RetentionDays:  30,
			MaxSweepBatch:  100,
			HighValueFloor: 10,
			SweepInterval:  "1m",
		},
		Cache: CacheConfig{TTLs: ttls},
		Janitor: JanitorConfig{
			Enabled:  false,
			Schedule: gorevise.DefaultJanitorSpec,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Trace: TraceConfig{
			MaxSizeBytes: trace.DefaultMaxSize,
			MaxFiles:     trace.DefaultMaxRotatedFiles,
		},
		Timezone: "UTC",
	}
}

// Load reads configuration from path (or gorevise.yaml in the working
// directory or $HOME/.config/gorevise when path is empty), then applies a
// .env file from the working directory and GOREVISE_* variables on top.
// Variables already set in the environment win over .env.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gorevise")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/gorevise")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.file_path", d.Storage.FilePath)
	v.SetDefault("storage.db_path", d.Storage.DBPath)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.busy_timeout", d.Storage.BusyTimeout)
	v.SetDefault("quota.daily_limit", d.Quota.DailyLimit)
	v.SetDefault("quota.enabled", d.Quota.Enabled)
	v.SetDefault("quota.history_limit", d.Quota.HistoryLimit)
	v.SetDefault("trash.retention_days", d.Trash.RetentionDays)
	v.SetDefault("trash.max_sweep_batch", d.Trash.MaxSweepBatch)
	v.SetDefault("trash.high_value_floor", d.Trash.HighValueFloor)
	v.SetDefault("trash.sweep_interval", d.Trash.SweepInterval)
	for name, ttl := range d.Cache.TTLs {
		v.SetDefault("cache.ttls."+name, ttl)
	}
	v.SetDefault("janitor.enabled", d.Janitor.Enabled)
	v.SetDefault("janitor.schedule", d.Janitor.Schedule)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("trace.file", d.Trace.File)
	v.SetDefault("trace.max_size_bytes", d.Trace.MaxSizeBytes)
	v.SetDefault("trace.max_files", d.Trace.MaxFiles)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("timezone", d.Timezone)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case store.BackendFile:
		if c.Storage.FilePath == "" {
			return invalid("storage.file_path is required for the file backend")
		}
	case store.BackendSQLite:
		if c.Storage.DBPath == "" {
			return invalid("storage.db_path is required for the sqlite backend")
		}
		if c.Storage.Driver != store.DriverModernc && c.Storage.Driver != store.DriverMattn {
			return invalid("storage.driver %q (must be %s or %s)", c.Storage.Driver, store.DriverModernc, store.DriverMattn)
		}
	default:
		return invalid("storage.backend %q (must be file or sqlite)", c.Storage.Backend)
	}
	if _, err := parseDuration("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if c.Quota.DailyLimit < 0 {
		return invalid("quota.daily_limit must be >= 0, got %d", c.Quota.DailyLimit)
	}
	if c.Quota.HistoryLimit < 0 {
		return invalid("quota.history_limit must be >= 0, got %d", c.Quota.HistoryLimit)
	}
	if c.Trash.RetentionDays < 0 || c.Trash.MaxSweepBatch < 0 {
		return invalid("trash.retention_days and trash.max_sweep_batch must be >= 0")
	}
	if _, err := parseDuration("trash.sweep_interval", c.Trash.SweepInterval); err != nil {
		return err
	}
	if _, err := c.cacheTTLs(); err != nil {
		return err
	}
	if c.Janitor.Enabled && c.Janitor.Schedule == "" {
		return invalid("janitor.schedule is required when the janitor is enabled")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return invalid("log.format %q (must be json or console)", c.Log.Format)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return invalid("timezone %q: %v", c.Timezone, err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: config: "+format, append([]any{model.ErrValidation}, args...)...)
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, invalid("%s %q is not a duration", key, s)
	}
	return d, nil
}

func (c *Config) cacheTTLs() (map[cache.Category]time.Duration, error) {
	known := make(map[string]bool, len(cache.AllCategories))
	for _, cat := range cache.AllCategories {
		known[string(cat)] = true
	}
	out := make(map[cache.Category]time.Duration, len(c.Cache.TTLs))
	for name, s := range c.Cache.TTLs {
		if !known[name] {
			return nil, invalid("cache.ttls: unknown category %q", name)
		}
		d, err := parseDuration("cache.ttls."+name, s)
		if err != nil {
			return nil, err
		}
		out[cache.Category(name)] = d
	}
	return out, nil
}

// EngineConfig converts the file configuration into a gorevise.Config.
func (c *Config) EngineConfig() (gorevise.Config, error) {
	if err := c.Validate(); err != nil {
		return gorevise.Config{}, err
	}
	loc, _ := time.LoadLocation(c.Timezone)
	busy, _ := parseDuration("storage.busy_timeout", c.Storage.BusyTimeout)
	interval, _ := parseDuration("trash.sweep_interval", c.Trash.SweepInterval)
	ttls, _ := c.cacheTTLs()

	return gorevise.Config{
		Backend:        c.Storage.Backend,
		FilePath:       c.Storage.FilePath,
		DBPath:         c.Storage.DBPath,
		Driver:         c.Storage.Driver,
		BusyTimeout:    busy,
		DailyLimit:     c.Quota.DailyLimit,
		DailyLimitSet:  true,
		QuotaDisabled:  !c.Quota.Enabled,
		HistoryLimit:   c.Quota.HistoryLimit,
		Location:       loc,
		RetentionDays:  c.Trash.RetentionDays,
		MaxSweepBatch:  c.Trash.MaxSweepBatch,
		HighValueFloor: c.Trash.HighValueFloor,
		SweepInterval:  interval,
		CacheTTLs:      ttls,
		JanitorSpec:    c.Janitor.Schedule,
	}, nil
}

// NewLogger builds the configured zap logger.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, invalid("log.level %q", c.Log.Level)
	}
	zc := zap.NewProductionConfig()
	if c.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// WriteFile writes the configuration as YAML, creating parent directories.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Runtime is an Engine together with the resources built for it.
type Runtime struct {
	Engine  *gorevise.Engine
	Logger  *zap.Logger
	Metrics *metrics.MetricsCollector
	Janitor *gorevise.Janitor

	exporter trace.Exporter
}

// Open builds the logger, metrics, trace exporter and Engine described by
// the configuration, and starts the janitor when enabled.
func (c *Config) Open() (*Runtime, error) {
	engineCfg, err := c.EngineConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.NewLogger()
	if err != nil {
		return nil, err
	}
	exporter, err := trace.NewFileExporter(c.Trace.File,
		trace.WithMaxSize(c.Trace.MaxSizeBytes),
		trace.WithMaxRotatedFiles(c.Trace.MaxFiles))
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	engineCfg.TraceExporter = exporter

	engine, err := gorevise.New(engineCfg)
	if err != nil {
		exporter.Close()
		return nil, err
	}
	engine.WithLogger(logger)

	rt := &Runtime{Engine: engine, Logger: logger, exporter: exporter}
	if c.Metrics.Enabled {
		rt.Metrics = metrics.NewCollector()
		engine.WithMetrics(rt.Metrics)
	}
	if c.Janitor.Enabled {
		rt.Janitor, err = engine.StartJanitor(c.Janitor.Schedule)
		if err != nil {
			rt.Close()
			return nil, err
		}
	}
	logger.Info("engine opened",
		zap.String("backend", engine.Backend()),
		zap.Bool("janitor", rt.Janitor != nil),
		zap.Bool("metrics", rt.Metrics != nil))
	return rt, nil
}

// Close shuts the engine down and releases the trace file.
func (r *Runtime) Close() error {
	err := errors.Join(r.Engine.Close(), r.exporter.Close())
	_ = r.Logger.Sync()
	return err
}
