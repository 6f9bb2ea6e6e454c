// Package batch orchestrates one personalization job end to end: load the
// template, persist recipient rows, render the batch, assemble per-recipient
// documents, package the archive, and notify the requester.
package batch

import (
	"context"

	"github.com/postalworks/batchpress/pkg/errors"
	"github.com/postalworks/batchpress/pkg/render"
	"github.com/postalworks/batchpress/pkg/template"
)

// Task is one batch personalization request.
type Task struct {
	JobID      string               `json:"jobId"`
	CampaignID string               `json:"campaignId,omitempty"`
	TemplateID string               `json:"templateId"`
	Strategy   string               `json:"strategy,omitempty"`
	Surface    string               `json:"surface,omitempty"`
	DPI        float64              `json:"dpi,omitempty"`
	Recipients []template.Recipient `json:"recipients"`

	// WebhookURL, when set, receives the completion notification.
	WebhookURL string `json:"webhookUrl,omitempty"`
}

// Validate checks the task and applies defaults.
func (t *Task) Validate() error {
	if err := errors.ValidateJobID(t.JobID); err != nil {
		return err
	}
	if t.TemplateID == "" {
		return errors.New(errors.ErrCodeInvalidTask, "task %s has no template", t.JobID)
	}
	if len(t.Recipients) == 0 {
		return errors.New(errors.ErrCodeInvalidTask, "task %s has no recipients", t.JobID)
	}
	if t.Strategy == "" {
		t.Strategy = render.StrategyCluster
	}
	if err := render.ValidateStrategy(t.Strategy); err != nil {
		return err
	}
	if t.Surface == "" {
		t.Surface = render.DefaultSurface
	}
	if t.DPI <= 0 {
		t.DPI = render.DefaultDPI
	}
	return nil
}

// TemplateSource resolves template IDs to parsed templates. The server
// wires this to the design store; the CLI wires it to local files.
type TemplateSource interface {
	Template(ctx context.Context, id string) (*template.Template, error)
}

// TemplateSourceFunc adapts a function to the TemplateSource interface.
type TemplateSourceFunc func(ctx context.Context, id string) (*template.Template, error)

func (f TemplateSourceFunc) Template(ctx context.Context, id string) (*template.Template, error) {
	return f(ctx, id)
}
