package cli

import (
	"testing"

	"github.com/postalworks/batchpress/pkg/render"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Render.Strategy != render.StrategyCluster {
		t.Errorf("Render.Strategy = %q", cfg.Render.Strategy)
	}
	if cfg.Render.DPI != render.DefaultDPI {
		t.Errorf("Render.DPI = %g", cfg.Render.DPI)
	}
	if cfg.Output.Dir != "artifacts" {
		t.Errorf("Output.Dir = %q", cfg.Output.Dir)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeTempFile(t, "batchpress.toml", `
[server]
addr = ":9090"
templates_dir = "/srv/templates"

[mongo]
uri = "mongodb://localhost:27017"

[redis]
addr = "localhost:6379"

[render]
strategy = "overlay"
concurrency = 8

[output]
dir = "/srv/batches"
retention_days = 7
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.TemplatesDir != "/srv/templates" {
		t.Errorf("Server.TemplatesDir = %q", cfg.Server.TemplatesDir)
	}
	if cfg.Mongo.URI != "mongodb://localhost:27017" {
		t.Errorf("Mongo.URI = %q", cfg.Mongo.URI)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Render.Strategy != render.StrategyOverlay || cfg.Render.Concurrency != 8 {
		t.Errorf("Render = %+v", cfg.Render)
	}
	// Unset sections keep their defaults.
	if cfg.Render.DPI != render.DefaultDPI {
		t.Errorf("Render.DPI = %g, want default", cfg.Render.DPI)
	}
	if cfg.Output.RetentionDays != 7 {
		t.Errorf("Output.RetentionDays = %d", cfg.Output.RetentionDays)
	}
}

func TestLoadConfigRejectsBadStrategy(t *testing.T) {
	path := writeTempFile(t, "bad.toml", "[render]\nstrategy = \"turbo\"\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/does/not/exist.toml"); err == nil {
		t.Error("expected error for missing config file")
	}
}
