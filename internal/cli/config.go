package cli

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/postalworks/batchpress/pkg/render"
)

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr string `toml:"addr"`

	// TemplatesDir is where the server resolves template IDs: one JSON
	// file per template, named <id>.json.
	TemplatesDir string `toml:"templates_dir"`
}

// MongoConfig holds job-store settings. An empty URI selects the
// in-memory store.
type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// RedisConfig holds base-document cache settings. An empty address
// selects the file cache.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// RenderConfig holds rendering strategy settings.
type RenderConfig struct {
	Strategy    string  `toml:"strategy"`
	Concurrency int     `toml:"concurrency"`
	DPI         float64 `toml:"dpi"`
	Surface     string  `toml:"surface"`
}

// OutputConfig holds artifact settings.
type OutputConfig struct {
	Dir string `toml:"dir"`

	// RetentionDays is how long finished archives are kept before the
	// retention sweep removes them. Zero keeps them forever.
	RetentionDays int `toml:"retention_days"`
}

// Config is the batchpress configuration file model.
type Config struct {
	Server ServerConfig `toml:"server"`
	Mongo  MongoConfig  `toml:"mongo"`
	Redis  RedisConfig  `toml:"redis"`
	Render RenderConfig `toml:"render"`
	Output OutputConfig `toml:"output"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", TemplatesDir: "templates"},
		Mongo:  MongoConfig{Database: appName},
		Render: RenderConfig{
			Strategy:    render.StrategyCluster,
			Concurrency: render.DefaultConcurrency,
			DPI:         render.DefaultDPI,
			Surface:     render.DefaultSurface,
		},
		Output: OutputConfig{Dir: "artifacts"},
	}
}

// LoadConfig reads a TOML configuration file on top of the defaults.
// An empty path returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := render.ValidateStrategy(cfg.Render.Strategy); err != nil {
		return nil, err
	}
	return cfg, nil
}
