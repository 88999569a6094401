// Package config handles configuration loading for the mosaic server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Mosaic   MosaicConfig   `yaml:"mosaic"`
	Store    StoreConfig    `yaml:"store"`
	Assets   AssetsConfig   `yaml:"assets"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	PublicURL      string   `yaml:"public_url"`
	CORSOrigins    []string `yaml:"cors_origins"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
}

// MosaicConfig contains pipeline parameters.
type MosaicConfig struct {
	GridDivisor    int    `yaml:"grid_divisor"`
	TileSize       int    `yaml:"tile_size"`
	MaxInFlight    int    `yaml:"max_in_flight"`
	FetchTimeoutMS int    `yaml:"fetch_timeout_ms"`
	OutputDir      string `yaml:"output_dir"`
	// CacheSize is the per-mosaic resized tile cache capacity; negative disables it.
	CacheSize int `yaml:"cache_size"`
}

// FetchTimeout returns the per-tile fetch bound.
func (m MosaicConfig) FetchTimeout() time.Duration {
	return time.Duration(m.FetchTimeoutMS) * time.Millisecond
}

// StoreConfig contains metadata store settings.
type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// AssetsConfig contains asset store settings.
type AssetsConfig struct {
	Root   string `yaml:"root"`
	Bucket string `yaml:"bucket"`
}

// JobsConfig contains mosaic job manager settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// WebhooksConfig lists URLs notified when a mosaic job finishes.
type WebhooksConfig struct {
	URLs []string `yaml:"urls"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           3001,
			PublicURL:      "http://localhost:3001",
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			MaxUploadBytes: 32 << 20,
		},
		Mosaic: MosaicConfig{
			GridDivisor:    80,
			TileSize:       15,
			MaxInFlight:    64,
			FetchTimeoutMS: 5000,
			OutputDir:      "./public/outputs",
			CacheSize:      256,
		},
		Store: StoreConfig{
			SQLitePath: "./data/tiles.sqlite",
		},
		Assets: AssetsConfig{
			Root:   "./data/assets",
			Bucket: "images",
		},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
			SQLitePath:    "./data/mosaic_jobs.sqlite",
			RetentionDays: 7,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		cfg.Server.MaxUploadBytes = defaults.Server.MaxUploadBytes
	}
	if cfg.Mosaic.GridDivisor == 0 {
		cfg.Mosaic.GridDivisor = defaults.Mosaic.GridDivisor
	}
	if cfg.Mosaic.TileSize == 0 {
		cfg.Mosaic.TileSize = defaults.Mosaic.TileSize
	}
	// A negative max_in_flight disables the fetch limit.
	if cfg.Mosaic.MaxInFlight == 0 {
		cfg.Mosaic.MaxInFlight = defaults.Mosaic.MaxInFlight
	}
	if cfg.Mosaic.FetchTimeoutMS == 0 {
		cfg.Mosaic.FetchTimeoutMS = defaults.Mosaic.FetchTimeoutMS
	}
	if cfg.Mosaic.CacheSize == 0 {
		cfg.Mosaic.CacheSize = defaults.Mosaic.CacheSize
	}
	if cfg.Mosaic.OutputDir == "" {
		cfg.Mosaic.OutputDir = defaults.Mosaic.OutputDir
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaults.Store.SQLitePath
	}
	if cfg.Assets.Root == "" {
		cfg.Assets.Root = defaults.Assets.Root
	}
	if cfg.Assets.Bucket == "" {
		cfg.Assets.Bucket = defaults.Assets.Bucket
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
}
