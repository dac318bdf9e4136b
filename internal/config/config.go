// Package config loads reminder-store settings from defaults, an optional
// YAML file and REMINDER_ environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"reminder-store/internal/notify"
	"reminder-store/internal/storage"
)

// EnvPrefix marks the environment variables read by Load. A double
// underscore separates levels: REMINDER_STORAGE__DATA_DIR sets storage.data_dir.
const EnvPrefix = "REMINDER_"

type Config struct {
	Storage   StorageConfig   `koanf:"storage"`
	Probe     ProbeConfig     `koanf:"probe"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Reminders RemindersConfig `koanf:"reminders"`
	Log       LogConfig       `koanf:"log"`
}

type StorageConfig struct {
	DataDir         string   `koanf:"data_dir"`
	IndexedDriver   string   `koanf:"indexed_driver"` // sqlite, mongo or none
	MongoURI        string   `koanf:"mongo_uri"`
	MongoDatabase   string   `koanf:"mongo_database"`
	KV              KVConfig `koanf:"kv"`
	ImportBatchSize int      `koanf:"import_batch_size"`
	Instrument      bool     `koanf:"instrument"`
}

type KVConfig struct {
	Quota     int64         `koanf:"quota"`
	Retention time.Duration `koanf:"retention"`
}

type ProbeConfig struct {
	Timeout  time.Duration `koanf:"timeout"`
	QuotaCap int64         `koanf:"quota_cap"`
	MinQuota int64         `koanf:"min_quota"`
}

type SchedulerConfig struct {
	Horizon       time.Duration `koanf:"horizon"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type RemindersConfig struct {
	DefaultAlertTimings []int  `koanf:"default_alert_timings"`
	Timezone            string `koanf:"timezone"` // IANA name or "Local"
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(NewDefaultProvider(), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		configPath = expandPath(configPath)

		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func (c *Config) Validate() error {
	switch c.Storage.IndexedDriver {
	case storage.DriverSQLite:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the sqlite driver")
		}
	case storage.DriverMongo:
		if c.Storage.MongoURI == "" {
			return fmt.Errorf("storage.mongo_uri is required for the mongo driver")
		}
	case storage.DriverNone:
	default:
		return fmt.Errorf("unknown indexed driver: %s (supported: %s, %s, %s)",
			c.Storage.IndexedDriver, storage.DriverSQLite, storage.DriverMongo, storage.DriverNone)
	}

	if c.Storage.KV.Quota < 0 {
		return fmt.Errorf("storage.kv.quota must not be negative")
	}
	if c.Storage.KV.Retention <= 0 {
		return fmt.Errorf("storage.kv.retention must be positive")
	}
	if c.Storage.ImportBatchSize <= 0 {
		return fmt.Errorf("storage.import_batch_size must be positive")
	}

	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("probe.timeout must be positive")
	}
	if c.Probe.MinQuota > c.Probe.QuotaCap {
		return fmt.Errorf("probe.min_quota must not exceed probe.quota_cap")
	}

	if c.Scheduler.Horizon <= 0 {
		return fmt.Errorf("scheduler.horizon must be positive")
	}
	if c.Scheduler.SweepInterval < time.Second {
		return fmt.Errorf("scheduler.sweep_interval must be at least 1s")
	}

	for _, m := range c.Reminders.DefaultAlertTimings {
		if m <= 0 {
			return fmt.Errorf("reminders.default_alert_timings must be positive minutes, got %d", m)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("unknown log.format: %s (supported: json, console)", c.Log.Format)
	}
	return nil
}

// Location resolves reminders.timezone, used for "completed today".
func (c *Config) Location() (*time.Location, error) {
	if c.Reminders.Timezone == "" || c.Reminders.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Reminders.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid reminders.timezone: %w", err)
	}
	return loc, nil
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log.level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// StorageConfig returns the factory configuration.
func (c *Config) StorageConfig(log *zap.Logger) storage.Config {
	loc, err := c.Location()
	if err != nil {
		loc = time.Local
	}
	return storage.Config{
		DataDir:       c.Storage.DataDir,
		IndexedDriver: c.Storage.IndexedDriver,
		MongoURI:      c.Storage.MongoURI,
		MongoDatabase: c.Storage.MongoDatabase,
		KVQuota:       c.Storage.KV.Quota,
		ProbeTimeout:  c.Probe.Timeout,
		ProbeQuotaCap: c.Probe.QuotaCap,
		ProbeMinQuota: c.Probe.MinQuota,
		Instrument:    c.Storage.Instrument,
		Options: storage.Options{
			DefaultAlertTimings: c.Reminders.DefaultAlertTimings,
			Location:            loc,
			ImportBatchSize:     c.Storage.ImportBatchSize,
			Retention:           c.Storage.KV.Retention,
			Logger:              log,
		},
	}
}

func (c *Config) SchedulerOptions(log *zap.Logger) notify.Options {
	return notify.Options{
		Horizon:       c.Scheduler.Horizon,
		SweepInterval: c.Scheduler.SweepInterval,
		Logger:        log,
	}
}

func expandPath(path string) string {
	if path == "" {
		return path
	}

	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
