// Package config handles configuration loading for the PeakMap server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/peakmap/server/internal/data"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Data    DataConfig    `yaml:"data"`
	Pyramid PyramidConfig `yaml:"pyramid"`
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Jobs    JobsConfig    `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatasetConfig describes one scatter dataset.
type DatasetConfig struct {
	Path    string       `yaml:"path"`
	Format  string       `yaml:"format"`
	Title   string       `yaml:"title"`
	Columns data.Columns `yaml:"columns"`

	// CategoricalColumn enables per-category hierarchies. It is an alias
	// for columns.category.
	CategoricalColumn string `yaml:"categorical_column"`

	// Categories restricts the per-category hierarchies to these values.
	Categories []string `yaml:"categories"`
}

// Categorical reports whether per-category hierarchies are built.
func (d DatasetConfig) Categorical() bool { return d.Columns.Category != "" }

// DataConfig contains the datasets, in configuration order.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string

	order []string
}

// DatasetIDs returns the dataset ids in configuration order.
func (d DataConfig) DatasetIDs() []string {
	return append([]string(nil), d.order...)
}

// UnmarshalYAML accepts either a single dataset (legacy form, keyed by
// `path`) or a mapping from dataset id to dataset. The first dataset in
// YAML order becomes the default.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got %v", node.Tag)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "path" {
			var ds DatasetConfig
			if err := node.Decode(&ds); err != nil {
				return fmt.Errorf("data: %w", err)
			}
			d.Datasets = map[string]DatasetConfig{"default": ds}
			d.order = []string{"default"}
			d.DefaultDataset = "default"
			return nil
		}
	}

	d.Datasets = make(map[string]DatasetConfig, len(node.Content)/2)
	d.order = d.order[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		if _, dup := d.Datasets[id]; dup {
			return fmt.Errorf("data: duplicate dataset %q", id)
		}
		d.Datasets[id] = ds
		d.order = append(d.order, id)
	}
	if len(d.order) > 0 {
		d.DefaultDataset = d.order[0]
	}
	return nil
}

// PyramidConfig controls hierarchy construction.
type PyramidConfig struct {
	MinPoints      int     `yaml:"min_points"`
	XBins          int     `yaml:"x_bins"`
	YBins          int     `yaml:"y_bins"`
	GrowthFactor   float64 `yaml:"growth_factor"`
	Workers        int     `yaml:"workers"`
	MemoryLimitMB  int     `yaml:"memory_limit_mb"`
	WriteRetries   int     `yaml:"write_retries"`
	RetryBackoffMS int     `yaml:"retry_backoff_ms"`
}

// MinIOConfig addresses an S3-compatible bucket.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// StorageConfig selects where level files live.
type StorageConfig struct {
	Backend         string      `yaml:"backend"`
	Root            string      `yaml:"root"`
	Compression     string      `yaml:"compression"`
	RetainBuilds    int         `yaml:"retain_builds"`
	IOLimitMBPerSec int         `yaml:"io_limit_mb_per_sec"`
	MinIO           MinIOConfig `yaml:"minio"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	LevelSizeMB       int `yaml:"level_size_mb"`
	LevelTTLMinutes   int `yaml:"level_ttl_minutes"`
	ManifestCacheSize int `yaml:"manifest_cache_size"`
}

// JobsConfig controls the background build queue.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxAttempts   int    `yaml:"max_attempts"`

	// BuildOnStart queues a build for every dataset without a published
	// hierarchy when the server starts.
	BuildOnStart bool `yaml:"build_on_start"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "PeakMap",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Data: DataConfig{
			Datasets: map[string]DatasetConfig{
				"default": {Path: "./data/peaks.parquet", Format: "parquet", Columns: defaultColumns()},
			},
			DefaultDataset: "default",
			order:          []string{"default"},
		},
		Pyramid: PyramidConfig{
			MinPoints:      20000,
			XBins:          64,
			YBins:          64,
			GrowthFactor:   4.0,
			Workers:        4,
			WriteRetries:   3,
			RetryBackoffMS: 200,
		},
		Storage: StorageConfig{
			Backend:      "local",
			Root:         "./data/levels",
			Compression:  "zstd",
			RetainBuilds: 2,
		},
		Cache: CacheConfig{
			LevelSizeMB:       512,
			LevelTTLMinutes:   10,
			ManifestCacheSize: 64,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 1,
			SQLitePath:    "./data/jobs.sqlite",
			RetentionDays: 7,
			MaxAttempts:   2,
		},
	}
}

func defaultColumns() data.Columns {
	return data.Columns{X: "mz", Y: "rt", Intensity: "intensity"}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}

	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	def := defaultColumns()
	for id, ds := range cfg.Data.Datasets {
		if ds.Format == "" {
			ds.Format = inferFormat(ds.Path)
		}
		if ds.Columns.X == "" {
			ds.Columns.X = def.X
		}
		if ds.Columns.Y == "" {
			ds.Columns.Y = def.Y
		}
		if ds.Columns.Intensity == "" {
			ds.Columns.Intensity = def.Intensity
		}
		if ds.Columns.Category == "" {
			ds.Columns.Category = ds.CategoricalColumn
		}
		ds.CategoricalColumn = ds.Columns.Category
		cfg.Data.Datasets[id] = ds
	}

	p := &cfg.Pyramid
	if p.MinPoints == 0 {
		p.MinPoints = defaults.Pyramid.MinPoints
	}
	if p.XBins == 0 {
		p.XBins = defaults.Pyramid.XBins
	}
	if p.YBins == 0 {
		p.YBins = defaults.Pyramid.YBins
	}
	if p.GrowthFactor == 0 {
		p.GrowthFactor = defaults.Pyramid.GrowthFactor
	}
	if p.Workers == 0 {
		p.Workers = defaults.Pyramid.Workers
	}
	if p.WriteRetries == 0 {
		p.WriteRetries = defaults.Pyramid.WriteRetries
	}
	if p.RetryBackoffMS == 0 {
		p.RetryBackoffMS = defaults.Pyramid.RetryBackoffMS
	}

	s := &cfg.Storage
	if s.Backend == "" {
		s.Backend = defaults.Storage.Backend
	}
	if s.Root == "" {
		s.Root = defaults.Storage.Root
	}
	if s.Compression == "" {
		s.Compression = defaults.Storage.Compression
	}
	if s.RetainBuilds == 0 {
		s.RetainBuilds = defaults.Storage.RetainBuilds
	}
	s.MinIO.AccessKey = os.ExpandEnv(s.MinIO.AccessKey)
	s.MinIO.SecretKey = os.ExpandEnv(s.MinIO.SecretKey)

	if cfg.Cache.LevelSizeMB == 0 {
		cfg.Cache.LevelSizeMB = defaults.Cache.LevelSizeMB
	}
	if cfg.Cache.LevelTTLMinutes == 0 {
		cfg.Cache.LevelTTLMinutes = defaults.Cache.LevelTTLMinutes
	}
	if cfg.Cache.ManifestCacheSize == 0 {
		cfg.Cache.ManifestCacheSize = defaults.Cache.ManifestCacheSize
	}

	j := &cfg.Jobs
	if j.MaxConcurrent == 0 {
		j.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if j.SQLitePath == "" {
		j.SQLitePath = defaults.Jobs.SQLitePath
	}
	if j.RetentionDays == 0 {
		j.RetentionDays = defaults.Jobs.RetentionDays
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = defaults.Jobs.MaxAttempts
	}
}

func inferFormat(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		return "parquet"
	}
	if strings.HasSuffix(strings.TrimRight(path, "/"), ".tdb") {
		return "tiledb"
	}
	return "parquet"
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	for _, id := range c.Data.DatasetIDs() {
		ds := c.Data.Datasets[id]
		if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\ `) {
			errs = append(errs, fmt.Errorf("data: invalid dataset id %q", id))
		}
		if ds.Path == "" {
			errs = append(errs, fmt.Errorf("data.%s: path is required", id))
		}
		switch ds.Format {
		case "parquet", "tiledb":
		default:
			errs = append(errs, fmt.Errorf("data.%s: unknown format %q", id, ds.Format))
		}
	}
	if c.Pyramid.MinPoints <= 0 {
		errs = append(errs, fmt.Errorf("pyramid.min_points must be positive, got %d", c.Pyramid.MinPoints))
	}
	if c.Pyramid.XBins <= 0 || c.Pyramid.YBins <= 0 {
		errs = append(errs, fmt.Errorf("pyramid bins must be positive, got %dx%d", c.Pyramid.XBins, c.Pyramid.YBins))
	}
	if c.Pyramid.GrowthFactor <= 1 {
		errs = append(errs, fmt.Errorf("pyramid.growth_factor must be > 1, got %g", c.Pyramid.GrowthFactor))
	}
	switch c.Storage.Backend {
	case "local", "memory":
	case "minio":
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.Bucket == "" {
			errs = append(errs, errors.New("storage.minio: endpoint and bucket are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	switch strings.ToLower(c.Storage.Compression) {
	case "none", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("storage.compression: unknown compression %q", c.Storage.Compression))
	}
	return errors.Join(errs...)
}
