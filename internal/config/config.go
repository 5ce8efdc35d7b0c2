// Package config loads the platform configuration from YAML with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"circularity-platform/pkg/database"
)

// Config is the top-level configuration document.
type Config struct {
	Database      DatabaseConfig `yaml:"database"`
	Server        ServerConfig   `yaml:"server"`
	Logging       LoggingConfig  `yaml:"logging"`
	Pipeline      PipelineConfig `yaml:"pipeline"`
	Fetch         FetchConfig    `yaml:"fetch"`
	CatalogueFile string         `yaml:"catalogue_file"`
	RatesFile     string         `yaml:"rates_file"`
}

// DatabaseConfig selects and tunes the warehouse connection.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// ServerConfig configures the read API.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LoggingConfig sets the minimum log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// PipelineConfig drives the per-year batch.
type PipelineConfig struct {
	Years          []int         `yaml:"years"`
	Concurrency    int           `yaml:"concurrency"`
	YearTimeout    time.Duration `yaml:"year_timeout"`
	BackupDir      string        `yaml:"backup_dir"`
	RawDir         string        `yaml:"raw_dir"`
	ProdcomDataset string        `yaml:"prodcom_dataset"`
	ComextDataset  string        `yaml:"comext_dataset"`
	DeriveWeights  bool          `yaml:"derive_weights"`
}

// FetchConfig is the retry and rate-limit policy for source fetches.
type FetchConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Jitter         float64       `yaml:"jitter"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
}

// DefaultConfig returns a configuration that runs against a local SQLite
// warehouse.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          database.DriverSQLite,
			Host:            "localhost",
			Port:            5432,
			User:            "circularity",
			Database:        "circularity",
			SSLMode:         "disable",
			Path:            "circularity.db",
			MaxOpenConns:    8,
			MaxIdleConns:    4,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Pipeline: PipelineConfig{
			Concurrency:    2,
			YearTimeout:    10 * time.Minute,
			BackupDir:      "backup",
			RawDir:         "raw",
			ProdcomDataset: "DS-056120",
			ComextDataset:  "DS-045409",
			DeriveWeights:  true,
		},
		Fetch: FetchConfig{
			MaxAttempts:    4,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Jitter:         0.2,
			RatePerSecond:  2,
			Burst:          2,
		},
		CatalogueFile: "catalogue.yaml",
		RatesFile:     "rates.yaml",
	}
}

// LoadConfig reads path over the defaults and applies environment overrides.
// An empty path uses the defaults alone.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeFile strictly decodes a YAML document; unknown keys are errors.
func decodeFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}

	str("CIRC_DB_DRIVER", &c.Database.Driver)
	str("CIRC_DB_HOST", &c.Database.Host)
	num("CIRC_DB_PORT", &c.Database.Port)
	str("CIRC_DB_USER", &c.Database.User)
	str("CIRC_DB_PASSWORD", &c.Database.Password)
	str("CIRC_DB_NAME", &c.Database.Database)
	str("CIRC_DB_SSLMODE", &c.Database.SSLMode)
	str("CIRC_DB_PATH", &c.Database.Path)
	str("CIRC_LOG_LEVEL", &c.Logging.Level)
	num("CIRC_SERVER_PORT", &c.Server.Port)
	num("CIRC_CONCURRENCY", &c.Pipeline.Concurrency)
	str("CIRC_BACKUP_DIR", &c.Pipeline.BackupDir)
	str("CIRC_CATALOGUE_FILE", &c.CatalogueFile)
	str("CIRC_RATES_FILE", &c.RatesFile)

	if v, ok := os.LookupEnv("CIRC_YEARS"); ok {
		years, err := ParseYears(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("CIRC_YEARS: %w", err))
		} else {
			c.Pipeline.Years = years
		}
	}
	return errors.Join(errs...)
}

// ParseYears parses "2018,2019" or "2015-2020" (or a mix) into a year list.
func ParseYears(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			from, err1 := strconv.Atoi(strings.TrimSpace(lo))
			to, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil || to < from {
				return nil, fmt.Errorf("invalid year range %q", part)
			}
			for y := from; y <= to; y++ {
				out = append(out, y)
			}
			continue
		}
		y, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid year %q", part)
		}
		out = append(out, y)
	}
	return out, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Database.Driver {
	case database.DriverPostgres:
		if c.Database.Host == "" || c.Database.Database == "" {
			add("database: postgres needs host and database")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			add("database: invalid port %d", c.Database.Port)
		}
	case database.DriverSQLite:
		if c.Database.Path == "" {
			add("database: sqlite needs a path")
		}
	default:
		add("database: unsupported driver %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns < 1 {
		add("database: max_open_conns must be at least 1")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server: invalid port %d", c.Server.Port)
	}

	if c.Pipeline.Concurrency < 1 {
		add("pipeline: concurrency must be at least 1")
	}
	if c.Pipeline.YearTimeout <= 0 {
		add("pipeline: year_timeout must be positive")
	}
	if c.Pipeline.ProdcomDataset == "" || c.Pipeline.ComextDataset == "" {
		add("pipeline: both dataset ids are required")
	}
	seen := make(map[int]bool)
	for _, y := range c.Pipeline.Years {
		if y < 1990 || y > 2100 {
			add("pipeline: year %d out of range", y)
		}
		if seen[y] {
			add("pipeline: year %d listed twice", y)
		}
		seen[y] = true
	}

	if c.Fetch.MaxAttempts < 1 {
		add("fetch: max_attempts must be at least 1")
	}
	if c.Fetch.Jitter < 0 || c.Fetch.Jitter > 1 {
		add("fetch: jitter must be within [0, 1]")
	}
	if c.Fetch.RatePerSecond <= 0 || c.Fetch.Burst < 1 {
		add("fetch: rate_per_second and burst must be positive")
	}

	if c.CatalogueFile == "" || c.RatesFile == "" {
		add("catalogue_file and rates_file are required")
	}
	return errors.Join(errs...)
}

// DatabaseSettings converts the section into the database package's config.
func (d DatabaseConfig) DatabaseSettings() *database.Config {
	return &database.Config{
		Driver:          d.Driver,
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		Database:        d.Database,
		SSLMode:         d.SSLMode,
		Path:            d.Path,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
	}
}
