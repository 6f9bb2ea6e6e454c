package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalworks/batchpress/pkg/batch"
	"github.com/postalworks/batchpress/pkg/cache"
	bperrors "github.com/postalworks/batchpress/pkg/errors"
	"github.com/postalworks/batchpress/pkg/store"
	"github.com/postalworks/batchpress/pkg/template"

	"github.com/postalworks/batchpress/internal/server"
)

// serveCommand runs the batch HTTP API.
func (c *CLI) serveCommand() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the batch HTTP API",
		Long: `Run the HTTP API: submit personalization jobs, poll their status,
cancel them, and download finished archives.

Jobs persist to MongoDB when [mongo] is configured and to memory
otherwise. Base documents cache to Redis when [redis] is configured and
to the local file cache otherwise.`,
		Example: `  batchpress serve
  batchpress serve --config batchpress.toml --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return c.serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "TOML configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")

	return cmd
}

func (c *CLI) serve(ctx context.Context, cfg *Config) error {
	jobs, err := c.newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := jobs.Close(context.Background()); cerr != nil {
			c.Logger.Warn("store shutdown failed", "err", cerr)
		}
	}()

	cch, err := c.newServeCache(ctx, cfg)
	if err != nil {
		return err
	}

	renderer, err := c.newRenderer(ctx, cfg.Render, cch)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := renderer.Close(); cerr != nil {
			c.Logger.Warn("renderer shutdown failed", "err", cerr)
		}
	}()

	orch, err := batch.New(batch.Config{
		Store:     jobs,
		Templates: newFileTemplateSource(cfg.Server.TemplatesDir),
		Renderer:  renderer,
		Notifier:  batch.NewWebhookNotifier(nil, c.Logger),
		OutputDir: cfg.Output.Dir,
		Logger:    c.Logger,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(ctx, server.Config{
		Store:  jobs,
		Runner: orch,
		Logger: c.Logger,
	})
	if err != nil {
		return err
	}

	if cfg.Output.RetentionDays > 0 {
		stopSweep := c.startRetentionSweep(ctx, cfg.Output.Dir,
			time.Duration(cfg.Output.RetentionDays)*24*time.Hour)
		defer stopSweep()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		c.Logger.Info("batch API listening", "addr", cfg.Server.Addr)
		serveErr <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	c.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newStore picks the job store backend from configuration.
func (c *CLI) newStore(ctx context.Context, cfg *Config) (store.Store, error) {
	if cfg.Mongo.URI == "" {
		c.Logger.Warn("no mongo URI configured, jobs will not survive restarts")
		return store.NewMemoryStore(), nil
	}
	return store.NewMongoStore(ctx, store.MongoConfig{
		URI:      cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
	})
}

// newServeCache picks the base-document cache backend from configuration.
func (c *CLI) newServeCache(ctx context.Context, cfg *Config) (cache.Cache, error) {
	if cfg.Redis.Addr == "" {
		return newLocalCache(false)
	}
	return cache.NewRedisCache(ctx, cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// startRetentionSweep prunes expired archives at startup and then daily.
// Returns a stop function.
func (c *CLI) startRetentionSweep(ctx context.Context, dir string, maxAge time.Duration) func() {
	sweep := func() {
		removed, err := sweepArtifacts(dir, maxAge)
		if err != nil {
			c.Logger.Warn("retention sweep failed", "dir", dir, "err", err)
			return
		}
		if removed > 0 {
			c.Logger.Info("retention sweep removed expired archives", "dir", dir, "removed", removed)
		}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sweep()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// fileTemplateSource resolves template IDs to JSON files in a directory.
type fileTemplateSource struct {
	dir string
}

func newFileTemplateSource(dir string) batch.TemplateSource {
	return &fileTemplateSource{dir: dir}
}

func (s *fileTemplateSource) Template(_ context.Context, id string) (*template.Template, error) {
	path := filepath.Join(s.dir, filepath.Base(id)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, bperrors.New(bperrors.ErrCodeTemplateNotFound, "template %s not found", id)
		}
		return nil, bperrors.Wrap(bperrors.ErrCodeInternal, err, "read template %s", id)
	}
	tpl, err := template.Parse(data)
	if err != nil {
		return nil, bperrors.Wrap(bperrors.ErrCodeInvalidTemplate, err, "template %s", id)
	}
	if tpl.ID == "" {
		tpl.ID = id
	}
	return tpl, nil
}
