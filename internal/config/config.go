// Package config loads snapdog settings from defaults, a YAML file,
// SNAPDOG_* environment variables and command-line flags, in that order of
// increasing precedence. The result is immutable for the rest of the run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ivoronin/snapdog/internal/hasher"
)

// EnvPrefix prefixes environment overrides, e.g. SNAPDOG_HASH_ALGORITHM.
const EnvPrefix = "SNAPDOG"

// Config is the effective configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Scan     ScanConfig     `mapstructure:"scan" yaml:"scan"`
	Hash     HashConfig     `mapstructure:"hash" yaml:"hash"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Progress bool           `mapstructure:"progress" yaml:"progress"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// DatabaseConfig locates the snapshot database.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ScanConfig controls the directory walk.
type ScanConfig struct {
	Root       string   `mapstructure:"root" yaml:"root"`
	SkipHidden bool     `mapstructure:"skip_hidden" yaml:"skip_hidden"`
	Excludes   []string `mapstructure:"excludes" yaml:"excludes"`
	Workers    int      `mapstructure:"workers" yaml:"workers"`
	BatchSize  int      `mapstructure:"batch_size" yaml:"batch_size"`
}

// HashConfig controls duplicate detection.
type HashConfig struct {
	Algorithm   string        `mapstructure:"algorithm" yaml:"algorithm"`
	ChunkSize   int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	MinSize     string        `mapstructure:"min_size" yaml:"min_size"` // humanize size, e.g. "1", "4KiB"
	MaxSameSize int           `mapstructure:"max_same_size" yaml:"max_same_size"`
	Workers     int           `mapstructure:"workers" yaml:"workers"`
	Attempts    uint          `mapstructure:"attempts" yaml:"attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheFile   string        `mapstructure:"cache_file" yaml:"cache_file"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// MetricsConfig controls the Prometheus textfile output.
type MetricsConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

// flagKeys maps command-line flag names to configuration keys.
// Flags missing from the given set are ignored.
var flagKeys = map[string]string{
	"db":            "database.path",
	"log-level":     "log.level",
	"log-file":      "log.file",
	"metrics-file":  "metrics.file",
	"skip-hidden":   "scan.skip_hidden",
	"exclude":       "scan.excludes",
	"workers":       "scan.workers",
	"batch-size":    "scan.batch_size",
	"algorithm":     "hash.algorithm",
	"chunk-size":    "hash.chunk_size",
	"min-size":      "hash.min_size",
	"max-same-size": "hash.max_same_size",
	"hash-workers":  "hash.workers",
	"attempts":      "hash.attempts",
	"retry-delay":   "hash.retry_delay",
	"timeout":       "hash.timeout",
	"cache-file":    "hash.cache_file",
}

// DefaultDatabasePath returns the per-user database location.
func DefaultDatabasePath() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".local", "share", "snapdog", "snapdog.db")
	}
	return "snapdog.db"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath())

	v.SetDefault("scan.root", ".")
	v.SetDefault("scan.skip_hidden", false)
	v.SetDefault("scan.excludes", []string{})
	v.SetDefault("scan.workers", 8)
	v.SetDefault("scan.batch_size", 1000)

	v.SetDefault("hash.algorithm", string(hasher.MD5))
	v.SetDefault("hash.chunk_size", hasher.DefaultChunkSize)
	v.SetDefault("hash.min_size", "1")
	v.SetDefault("hash.max_same_size", 100)
	v.SetDefault("hash.workers", 4)
	v.SetDefault("hash.attempts", 1)
	v.SetDefault("hash.retry_delay", 100*time.Millisecond)
	v.SetDefault("hash.timeout", time.Duration(0))
	v.SetDefault("hash.cache_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("progress", true)
	v.SetDefault("metrics.file", "")
}

// Load builds the effective configuration. An explicit file must exist;
// otherwise snapdog.yaml is looked up in the working directory and in
// $HOME/.config/snapdog, and its absence is not an error.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("snapdog")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "snapdog"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag --%s: %w", name, err)
				}
			}
		}
		if f := flags.Lookup("no-progress"); f != nil && f.Changed {
			v.Set("progress", f.Value.String() != "true")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}
	return &cfg, nil
}

// MinSizeBytes returns hash.min_size in bytes.
func (h HashConfig) MinSizeBytes() (int64, error) {
	return ParseSize(h.MinSize)
}

// ParseSize parses a human-readable size string into bytes.
// Supports formats: "100", "1K", "1MB", "1GiB", etc.
func ParseSize(s string) (int64, error) {
	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(bytes), nil
}

// ValidateGlobPatterns checks that all patterns are valid filepath.Match patterns.
func ValidateGlobPatterns(patterns []string) error {
	for _, pattern := range patterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Database.Path != "", "database.path must not be empty")
	check(c.Scan.Workers > 0, "scan.workers must be positive, got %d", c.Scan.Workers)
	check(c.Scan.BatchSize > 0, "scan.batch_size must be positive, got %d", c.Scan.BatchSize)
	err := ValidateGlobPatterns(c.Scan.Excludes)
	check(err == nil, "scan.excludes: %v", err)

	_, err = hasher.New(hasher.Options{Algorithm: hasher.Algorithm(c.Hash.Algorithm)})
	check(err == nil, "hash.algorithm: %v", err)
	check(c.Hash.ChunkSize > 0, "hash.chunk_size must be positive, got %d", c.Hash.ChunkSize)
	_, err = c.Hash.MinSizeBytes()
	check(err == nil, "hash.min_size %q: %v", c.Hash.MinSize, err)
	check(c.Hash.MaxSameSize >= 0, "hash.max_same_size must not be negative, got %d", c.Hash.MaxSameSize)
	check(c.Hash.Workers > 0, "hash.workers must be positive, got %d", c.Hash.Workers)
	check(c.Hash.Attempts >= 1, "hash.attempts must be at least 1, got %d", c.Hash.Attempts)
	check(c.Hash.RetryDelay >= 0, "hash.retry_delay must not be negative")
	check(c.Hash.Timeout >= 0, "hash.timeout must not be negative")

	_, err = zerolog.ParseLevel(c.Log.Level)
	check(err == nil, "log.level %q: %v", c.Log.Level, err)

	return errors.Join(errs...)
}

// HasherOptions converts the hash section for hasher.New.
func (c *Config) HasherOptions() hasher.Options {
	return hasher.Options{
		Algorithm:  hasher.Algorithm(c.Hash.Algorithm),
		ChunkSize:  c.Hash.ChunkSize,
		Attempts:   c.Hash.Attempts,
		RetryDelay: c.Hash.RetryDelay,
		Timeout:    c.Hash.Timeout,
	}
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
