// Package cli implements the batchpress command-line interface.
//
// This package provides commands for rendering personalization batches,
// extracting position manifests, serving the HTTP API, and managing the
// base-document cache. The CLI is built using cobra and supports verbose
// logging via the charmbracelet/log library.
//
// # Commands
//
// The main commands are:
//   - run: Render a batch of personalized documents from local files
//   - positions: Extract a template's variable position manifest
//   - serve: Run the batch HTTP API
//   - cache: Manage the base-document cache
//
// # Logging
//
// All commands support --verbose (-v) for debug-level logging. Loggers are
// passed through context.Context to allow structured progress tracking.
//
// # Example
//
//	import "github.com/postalworks/batchpress/internal/cli"
//
//	func main() {
//	    c := cli.New(os.Stderr, cli.LogInfo)
//	    if err := c.RootCommand().Execute(); err != nil {
//	        os.Exit(1)
//	    }
//	}
package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/postalworks/batchpress/pkg/buildinfo"
	"github.com/postalworks/batchpress/pkg/cache"
	"github.com/postalworks/batchpress/pkg/render"
	"github.com/postalworks/batchpress/pkg/render/cluster"
	"github.com/postalworks/batchpress/pkg/render/engine"
	"github.com/postalworks/batchpress/pkg/render/oneshot"
	"github.com/postalworks/batchpress/pkg/render/overlay"
)

// =============================================================================
// Constants
// =============================================================================

// appName is the application name used for directories and display.
const appName = "batchpress"

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{
		Logger: log.NewWithOptions(w, log.Options{
			ReportTimestamp: true,
			TimeFormat:      "15:04:05.00",
			Level:           level,
		}),
	}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          appName,
		Short:        "BatchPress renders personalized direct-mail batches",
		Long:         `BatchPress turns a design template plus a recipient list into per-recipient print documents: it personalizes every variable element, renders each recipient, and packages the batch into a downloadable archive.`,
		Version:      buildinfo.Version,
		SilenceUsage: true,
	}

	root.SetVersionTemplate(buildinfo.Template())

	// Register all subcommands
	root.AddCommand(c.runCommand())
	root.AddCommand(c.positionsCommand())
	root.AddCommand(c.serveCommand())
	root.AddCommand(c.cacheCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// =============================================================================
// Renderer Factory
// =============================================================================

// newRenderer builds the configured rendering strategy. The overlay
// strategy additionally consults the base-document cache; oneshot and
// cluster drive the engine directly and ignore it.
func (c *CLI) newRenderer(ctx context.Context, cfg RenderConfig, cch cache.Cache) (render.BatchRenderer, error) {
	if err := render.ValidateStrategy(cfg.Strategy); err != nil {
		return nil, err
	}

	opts := render.Options{
		Concurrency: cfg.Concurrency,
		DPI:         cfg.DPI,
		Surface:     cfg.Surface,
		Logger:      c.Logger,
	}
	eng, err := engine.New(ctx, engine.Config{Logger: c.Logger})
	if err != nil {
		return nil, err
	}

	switch cfg.Strategy {
	case render.StrategyOneShot:
		return oneshot.New(eng, opts)
	case render.StrategyOverlay:
		return overlay.New(eng, cch, cache.NewDefaultKeyer(), opts)
	default:
		return cluster.New(eng, opts)
	}
}

// newLocalCache picks the local base-document cache: the XDG file cache,
// or no caching at all when disabled or the directory is unavailable.
func newLocalCache(noCache bool) (cache.Cache, error) {
	if noCache {
		return cache.NewNullCache(), nil
	}
	dir, err := cacheDir()
	if err != nil {
		return cache.NewNullCache(), nil
	}
	return cache.NewFileCache(dir)
}

// =============================================================================
// Paths
// =============================================================================

// cacheDir returns the cache directory using XDG standard (~/.cache/batchpress/).
func cacheDir() (string, error) {
	if cacheHome := os.Getenv("XDG_CACHE_HOME"); cacheHome != "" {
		return filepath.Join(cacheHome, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", appName), nil
}
