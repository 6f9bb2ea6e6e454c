package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/postalworks/batchpress/pkg/batch"
	"github.com/postalworks/batchpress/pkg/render"
	"github.com/postalworks/batchpress/pkg/store"
	"github.com/postalworks/batchpress/pkg/template"
)

// runCommand renders a batch from local files without the HTTP API.
func (c *CLI) runCommand() *cobra.Command {
	var (
		templatePath   string
		recipientsPath string
		outDir         string
		strategy       string
		surface        string
		dpi            float64
		concurrency    int
		noCache        bool
		webhookURL     string
		jobID          string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Render a personalization batch from local files",
		Long: `Render every recipient of a local recipient list against a local
template and package the results into a zip archive of per-recipient PDFs.

The recipient list may be a JSON array or a CSV file with a header row.
Failed recipients are reported but do not abort the batch.`,
		Example: `  batchpress run --template postcard.json --recipients list.csv
  batchpress run --template postcard.json --recipients list.json --strategy overlay --out ./batches`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := RenderConfig{
				Strategy:    strategy,
				Concurrency: concurrency,
				DPI:         dpi,
				Surface:     surface,
			}
			return c.runBatch(cmd.Context(), runParams{
				templatePath:   templatePath,
				recipientsPath: recipientsPath,
				outDir:         outDir,
				render:         cfg,
				noCache:        noCache,
				webhookURL:     webhookURL,
				jobID:          jobID,
			})
		},
	}

	cmd.Flags().StringVarP(&templatePath, "template", "t", "", "template JSON file (required)")
	cmd.Flags().StringVarP(&recipientsPath, "recipients", "r", "", "recipient list, .json or .csv (required)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "artifacts", "output directory for the archive")
	cmd.Flags().StringVar(&strategy, "strategy", render.StrategyCluster, "render strategy (oneshot, cluster, overlay)")
	cmd.Flags().StringVar(&surface, "surface", render.DefaultSurface, "template surface to render")
	cmd.Flags().Float64Var(&dpi, "dpi", render.DefaultDPI, "output resolution")
	cmd.Flags().IntVar(&concurrency, "concurrency", render.DefaultConcurrency, "parallel render workers")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "disable the base-document cache")
	cmd.Flags().StringVar(&webhookURL, "webhook", "", "URL notified when the batch finishes")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job identifier (default: generated)")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("recipients")

	return cmd
}

type runParams struct {
	templatePath   string
	recipientsPath string
	outDir         string
	render         RenderConfig
	noCache        bool
	webhookURL     string
	jobID          string
}

func (c *CLI) runBatch(ctx context.Context, p runParams) error {
	data, err := os.ReadFile(p.templatePath)
	if err != nil {
		return fmt.Errorf("read template %s: %w", p.templatePath, err)
	}
	tpl, err := template.Parse(data)
	if err != nil {
		return err
	}
	if tpl.ID == "" {
		tpl.ID = filepath.Base(p.templatePath)
	}

	recipients, err := loadRecipients(p.recipientsPath)
	if err != nil {
		return err
	}

	cch, err := newLocalCache(p.noCache)
	if err != nil {
		return err
	}
	renderer, err := c.newRenderer(ctx, p.render, cch)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := renderer.Close(); cerr != nil {
			c.Logger.Warn("renderer shutdown failed", "err", cerr)
		}
	}()

	jobs := store.NewMemoryStore()
	orch, err := batch.New(batch.Config{
		Store: jobs,
		Templates: batch.TemplateSourceFunc(func(context.Context, string) (*template.Template, error) {
			return tpl, nil
		}),
		Renderer:  renderer,
		Notifier:  batch.NewWebhookNotifier(nil, c.Logger),
		OutputDir: p.outDir,
		Logger:    c.Logger,
	})
	if err != nil {
		return err
	}

	task := &batch.Task{
		JobID:      p.jobID,
		TemplateID: tpl.ID,
		Strategy:   p.render.Strategy,
		Surface:    p.render.Surface,
		DPI:        p.render.DPI,
		Recipients: recipients,
		WebhookURL: p.webhookURL,
	}
	if task.JobID == "" {
		task.JobID = uuid.NewString()
	}

	printInfo("Rendering %d recipients with the %s strategy", len(recipients), p.render.Strategy)

	spinner := newSpinnerWithContext(ctx, fmt.Sprintf("Rendering 0/%d", len(recipients)))
	spinner.Start()
	stopPoll := c.pollProgress(ctx, jobs, task.JobID, spinner)

	prog := newProgress(c.Logger)
	runErr := orch.Run(ctx, task)
	stopPoll()

	job, jerr := jobs.GetJob(context.Background(), task.JobID)
	if jerr != nil {
		spinner.StopWithError("Batch did not start")
		return runErr
	}

	switch job.Status {
	case store.JobCompleted:
		spinner.StopWithSuccess(fmt.Sprintf("Batch %s complete", job.ID))
		prog.done(fmt.Sprintf("Rendered %d recipients", job.Succeeded))
		printBatchStats(job.Total, job.Succeeded, job.Failed)
		if job.ArtifactPath != "" {
			printFile(job.ArtifactPath)
		}
		if job.Failed > 0 {
			printWarning("%d recipients failed to render", job.Failed)
			c.printFailedRecipients(ctx, jobs, job.ID)
		}
		if job.ArtifactPath != "" {
			printNextStep("Extract the documents", "unzip "+job.ArtifactPath)
		}
		return nil
	case store.JobCancelled:
		spinner.StopWithError(fmt.Sprintf("Batch %s cancelled", job.ID))
		return runErr
	default:
		spinner.StopWithError(fmt.Sprintf("Batch %s failed: %s", job.ID, job.Error))
		return runErr
	}
}

// pollProgress feeds live store progress into the spinner message.
func (c *CLI) pollProgress(ctx context.Context, jobs store.Store, jobID string, spinner *Spinner) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				job, err := jobs.GetJob(ctx, jobID)
				if err != nil {
					continue
				}
				spinner.UpdateMessage(fmt.Sprintf("Rendering %d/%d", job.Processed, job.Total))
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// printFailedRecipients lists the recipients that did not render.
func (c *CLI) printFailedRecipients(ctx context.Context, jobs store.Store, jobID string) {
	rows, err := jobs.ListRecipients(ctx, jobID)
	if err != nil {
		return
	}
	for _, row := range rows {
		if row.Status != store.RecipientFailed {
			continue
		}
		name := row.Name
		if name == "" {
			name = fmt.Sprintf("recipient %d", row.Index)
		}
		printDetail("%s: %s", name, row.Error)
	}
}
