package batch

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/postalworks/batchpress/pkg/errors"
	"github.com/postalworks/batchpress/pkg/observability"
	"github.com/postalworks/batchpress/pkg/position"
	"github.com/postalworks/batchpress/pkg/render"
	"github.com/postalworks/batchpress/pkg/store"
	"github.com/postalworks/batchpress/pkg/template"
)

// DefaultCancelPoll is how often the orchestrator checks the job's
// cooperative cancellation flag while a batch is running.
const DefaultCancelPoll = 2 * time.Second

// Config wires an orchestrator's collaborators.
type Config struct {
	Store     store.Store
	Templates TemplateSource
	Renderer  render.BatchRenderer

	// Notifier receives the completion notification. Optional.
	Notifier Notifier

	// OutputDir is where finished archives land.
	OutputDir string

	// CancelPoll overrides the cancellation polling interval.
	CancelPoll time.Duration

	Logger *log.Logger
}

func (c *Config) validate() error {
	if c.Store == nil {
		return errors.New(errors.ErrCodeInvalidInput, "orchestrator requires a store")
	}
	if c.Templates == nil {
		return errors.New(errors.ErrCodeInvalidInput, "orchestrator requires a template source")
	}
	if c.Renderer == nil {
		return errors.New(errors.ErrCodeInvalidInput, "orchestrator requires a renderer")
	}
	if c.Notifier == nil {
		c.Notifier = NoopNotifier{}
	}
	if c.OutputDir == "" {
		c.OutputDir = "artifacts"
	}
	if c.CancelPoll <= 0 {
		c.CancelPoll = DefaultCancelPoll
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard)
	}
	return nil
}

// Orchestrator drives one job through its phases: persist recipient rows,
// render, assemble per-recipient documents, archive, notify. A failure in
// any phase marks the job failed with a user-readable reason; a raised
// cancellation flag marks it cancelled. Either way the orchestrator is the
// only writer of terminal job states.
type Orchestrator struct {
	cfg Config
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Run executes the task to completion. The returned error mirrors the
// job's terminal state; callers that run jobs in the background can ignore
// it and poll the store instead.
func (o *Orchestrator) Run(ctx context.Context, task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	job := &store.Job{
		ID:         task.JobID,
		CampaignID: task.CampaignID,
		TemplateID: task.TemplateID,
		Strategy:   task.Strategy,
		Surface:    task.Surface,
		Total:      len(task.Recipients),
		WebhookURL: task.WebhookURL,
	}
	if err := o.cfg.Store.CreateJob(ctx, job); err != nil {
		return err
	}
	observability.Batch().OnJobStart(ctx, job.ID, job.Total)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := o.watchCancel(runCtx, task.JobID, cancel)

	err := o.execute(runCtx, task)
	stopWatch()

	return o.finalize(ctx, task, err)
}

// execute runs the phases. A panic anywhere in a phase is converted into a
// failed job instead of taking the process down with the other jobs it may
// be running.
func (o *Orchestrator) execute(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.ErrCodeInternal, "job panicked: %v", r)
		}
	}()

	tpl, err := o.cfg.Templates.Template(ctx, task.TemplateID)
	if err != nil {
		return err
	}

	if err := o.phase(ctx, task.JobID, "recipients", func() error {
		return o.persistRecipients(ctx, task)
	}); err != nil {
		return err
	}

	if err := o.cfg.Store.UpdateJobStatus(ctx, task.JobID, store.JobProcessing, ""); err != nil {
		return err
	}

	var res *render.Result
	if err := o.phase(ctx, task.JobID, "render", func() error {
		var rerr error
		res, rerr = o.renderBatch(ctx, task, tpl)
		return rerr
	}); err != nil {
		return err
	}

	var entries []archiveEntry
	if err := o.phase(ctx, task.JobID, "assemble", func() error {
		entries = o.assembleDocuments(ctx, task, tpl, res)
		return nil
	}); err != nil {
		return err
	}

	return o.phase(ctx, task.JobID, "archive", func() error {
		path := filepath.Join(o.cfg.OutputDir, task.JobID+".zip")
		if err := writeArchive(path, entries); err != nil {
			return err
		}
		return o.cfg.Store.SetArtifact(ctx, task.JobID, path)
	})
}

// phase runs one orchestration phase with its hooks and debug logging.
func (o *Orchestrator) phase(ctx context.Context, jobID, name string, fn func() error) error {
	observability.Batch().OnPhaseStart(ctx, jobID, name)
	o.cfg.Logger.Debug("phase start", "job", jobID, "phase", name)

	start := time.Now()
	err := fn()
	observability.Batch().OnPhaseComplete(ctx, jobID, name, time.Since(start), err)

	if err != nil {
		o.cfg.Logger.Debug("phase failed", "job", jobID, "phase", name, "err", err)
		return err
	}
	o.cfg.Logger.Debug("phase complete", "job", jobID, "phase", name, "took", time.Since(start))
	return nil
}

func (o *Orchestrator) persistRecipients(ctx context.Context, task *Task) error {
	rows := make([]store.RecipientRow, len(task.Recipients))
	for i, r := range task.Recipients {
		rows[i] = store.RecipientRow{
			Index:      i,
			TrackingID: r.TrackingID,
			Name:       r.FullName(),
		}
	}
	return o.cfg.Store.CreateRecipients(ctx, task.JobID, rows)
}

// renderBatch runs the renderer, persisting progress after every completed
// recipient and recording per-recipient outcomes once the batch settles.
// The per-unit outcome comes from the callback itself; callbacks can arrive
// out of order, so it must never be inferred from counter deltas.
func (o *Orchestrator) renderBatch(ctx context.Context, task *Task, tpl *template.Template) (*render.Result, error) {
	progress := func(p render.Progress) {
		note := fmt.Sprintf("rendered %d/%d", p.Processed, p.Total)
		if err := o.cfg.Store.IncrementProgress(ctx, task.JobID, p.UnitOK, note); err != nil {
			o.cfg.Logger.Warn("progress write failed", "job", task.JobID, "err", err)
		}
	}

	res, err := o.cfg.Renderer.Render(ctx, tpl, task.Recipients, progress)

	// Persist whatever per-recipient outcomes exist, even on batch-level
	// failure; partial results are still diagnostic.
	if res != nil {
		for i := range task.Recipients {
			if rerr, failed := res.Errors[i]; failed {
				o.updateRecipient(ctx, task.JobID, i, store.RecipientFailed, errors.UserMessage(rerr))
			} else if _, ok := res.Images[i]; ok {
				o.updateRecipient(ctx, task.JobID, i, store.RecipientRendered, "")
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) updateRecipient(ctx context.Context, jobID string, index int, status store.RecipientStatus, errMsg string) {
	if err := o.cfg.Store.UpdateRecipient(ctx, jobID, index, status, errMsg); err != nil {
		o.cfg.Logger.Warn("recipient row update failed", "job", jobID, "index", index, "err", err)
	}
}

// assembleDocuments wraps every successful raster into its single-page PDF.
// A recipient that rendered but fails assembly is recorded as failed on its
// own row, moved from the succeeded to the failed count, and left out of
// the archive; it never blocks sibling documents. Render failures are
// simply absent from the archive.
func (o *Orchestrator) assembleDocuments(ctx context.Context, task *Task, tpl *template.Template, res *render.Result) []archiveEntry {
	f := position.FormatFor(tpl, task.DPI)

	indices := make([]int, 0, len(res.Images))
	for i := range res.Images {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	entries := make([]archiveEntry, 0, len(indices))
	for _, i := range indices {
		doc, err := assemblePDF(res.Images[i], f)
		if err != nil {
			aerr := errors.Wrap(errors.ErrCodeAssembly, err, "recipient %d", i)
			o.cfg.Logger.Warn("document assembly failed", "job", task.JobID, "index", i, "err", aerr)
			o.updateRecipient(ctx, task.JobID, i, store.RecipientFailed, errors.UserMessage(aerr))
			note := fmt.Sprintf("assembly failed for recipient %d", i)
			if merr := o.cfg.Store.MarkLateFailure(ctx, task.JobID, note); merr != nil {
				o.cfg.Logger.Warn("counter reconciliation failed", "job", task.JobID, "index", i, "err", merr)
			}
			continue
		}
		r := task.Recipients[i]
		entries = append(entries, archiveEntry{
			Name: documentName(i, r.FullName(), r.TrackingID),
			Data: doc,
		})
	}
	return entries
}

// finalize writes the terminal state and sends the completion
// notification. Notification failures are logged and swallowed.
func (o *Orchestrator) finalize(ctx context.Context, task *Task, runErr error) error {
	status := store.JobCompleted
	reason := ""
	if runErr != nil {
		status = store.JobFailed
		reason = errors.UserMessage(runErr)
		if o.wasCancelled(ctx, task.JobID, runErr) {
			status = store.JobCancelled
			reason = ""
		}
	}

	if err := o.cfg.Store.UpdateJobStatus(ctx, task.JobID, status, reason); err != nil {
		o.cfg.Logger.Error("terminal status write failed", "job", task.JobID, "err", err)
	}

	job, err := o.cfg.Store.GetJob(ctx, task.JobID)
	if err != nil {
		o.cfg.Logger.Error("job readback failed", "job", task.JobID, "err", err)
		return runErr
	}
	observability.Batch().OnJobComplete(ctx, job.ID, string(job.Status), job.Succeeded, job.Failed)
	o.cfg.Logger.Info("job finished", "job", job.ID, "status", job.Status,
		"succeeded", job.Succeeded, "failed", job.Failed)

	if task.WebhookURL != "" {
		n := Notification{
			JobID:     job.ID,
			Status:    string(job.Status),
			Total:     job.Total,
			Succeeded: job.Succeeded,
			Failed:    job.Failed,
			Artifact:  job.ArtifactPath,
			Error:     job.Error,
		}
		if err := o.cfg.Notifier.Notify(ctx, task.WebhookURL, n); err != nil {
			o.cfg.Logger.Warn("completion notification failed", "job", job.ID, "err", err)
		}
	}
	return runErr
}

// wasCancelled distinguishes an operator cancellation from a genuine
// failure: either the renderer surfaced the cancellation code, or the
// run context died while the job's cancel flag was raised.
func (o *Orchestrator) wasCancelled(ctx context.Context, jobID string, runErr error) bool {
	if errors.Is(runErr, errors.ErrCodeCancelled) {
		return true
	}
	flagged, err := o.cfg.Store.CancelRequested(ctx, jobID)
	return err == nil && flagged
}

// watchCancel polls the job's cancellation flag and cancels the run
// context when it is raised. Returns a stop function.
func (o *Orchestrator) watchCancel(ctx context.Context, jobID string, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(o.cfg.CancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				flagged, err := o.cfg.Store.CancelRequested(ctx, jobID)
				if err == nil && flagged {
					o.cfg.Logger.Info("cancellation requested", "job", jobID)
					cancel()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
