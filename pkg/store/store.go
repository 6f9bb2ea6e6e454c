// Package store persists batch jobs and their per-recipient rows.
//
// Progress is written through the store after every completed unit of
// work, so an observer polling a job always sees live counters and a
// crashed process leaves an accurate high-water mark behind.
package store

import (
	"context"
	"time"
)

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// RecipientStatus is the outcome of one recipient within a job.
type RecipientStatus string

const (
	RecipientPending  RecipientStatus = "pending"
	RecipientRendered RecipientStatus = "rendered"
	RecipientFailed   RecipientStatus = "failed"
)

// Job is one batch personalization run.
type Job struct {
	ID         string `json:"id" bson:"_id"`
	CampaignID string `json:"campaignId,omitempty" bson:"campaignId,omitempty"`
	TemplateID string `json:"templateId" bson:"templateId"`
	Strategy   string `json:"strategy" bson:"strategy"`
	Surface    string `json:"surface" bson:"surface"`

	Status JobStatus `json:"status" bson:"status"`

	// Counters. Processed = Succeeded + Failed, maintained by
	// IncrementProgress.
	Total     int `json:"total" bson:"total"`
	Processed int `json:"processed" bson:"processed"`
	Succeeded int `json:"succeeded" bson:"succeeded"`
	Failed    int `json:"failed" bson:"failed"`

	// Note is the most recent human-readable progress note.
	Note string `json:"note,omitempty" bson:"note,omitempty"`

	// Error is the failure reason on failed jobs.
	Error string `json:"error,omitempty" bson:"error,omitempty"`

	// ArtifactPath is the finished archive, set on completion.
	ArtifactPath string `json:"artifactPath,omitempty" bson:"artifactPath,omitempty"`

	// WebhookURL, when set, receives the completion notification.
	WebhookURL string `json:"webhookUrl,omitempty" bson:"webhookUrl,omitempty"`

	// CancelRequested is the cooperative cancellation flag; the
	// orchestrator polls it between phases and chunks.
	CancelRequested bool `json:"cancelRequested" bson:"cancelRequested"`

	CreatedAt   time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt" bson:"updatedAt"`
	CompletedAt time.Time `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
}

// RecipientRow is the per-recipient status record of a job.
type RecipientRow struct {
	JobID      string          `json:"jobId" bson:"jobId"`
	Index      int             `json:"index" bson:"index"`
	TrackingID string          `json:"trackingId,omitempty" bson:"trackingId,omitempty"`
	Name       string          `json:"name,omitempty" bson:"name,omitempty"`
	Status     RecipientStatus `json:"status" bson:"status"`
	Error      string          `json:"error,omitempty" bson:"error,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt" bson:"updatedAt"`
}

// Store is the persistence contract for jobs and recipient rows.
// Implementations must be safe for concurrent use; IncrementProgress in
// particular is called from render workers in parallel.
type Store interface {
	// CreateJob persists a new job. The job's ID must be unique.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob returns the job or an error with code JOB_NOT_FOUND.
	GetJob(ctx context.Context, id string) (*Job, error)

	// UpdateJobStatus moves the job to status. errMsg is stored on the
	// job for failed states and ignored otherwise. Terminal states also
	// set CompletedAt. Terminal transitions are one-way: updating a job
	// that already reached a terminal state is a no-op.
	UpdateJobStatus(ctx context.Context, id string, status JobStatus, errMsg string) error

	// IncrementProgress records one completed unit of work and replaces
	// the job's progress note.
	IncrementProgress(ctx context.Context, id string, success bool, note string) error

	// MarkLateFailure moves one unit from the succeeded to the failed
	// count, for recipients that rendered but failed a later phase. The
	// job's counters then match the archive's contents.
	MarkLateFailure(ctx context.Context, id string, note string) error

	// SetArtifact records the finished archive location.
	SetArtifact(ctx context.Context, id, path string) error

	// RequestCancel raises the job's cooperative cancellation flag.
	// Raising it on a terminal job is a no-op.
	RequestCancel(ctx context.Context, id string) error

	// CancelRequested reads the cancellation flag.
	CancelRequested(ctx context.Context, id string) (bool, error)

	// CreateRecipients persists the job's recipient rows in bulk.
	CreateRecipients(ctx context.Context, jobID string, rows []RecipientRow) error

	// UpdateRecipient updates one recipient row's outcome.
	UpdateRecipient(ctx context.Context, jobID string, index int, status RecipientStatus, errMsg string) error

	// ListRecipients returns the job's rows ordered by index.
	ListRecipients(ctx context.Context, jobID string) ([]RecipientRow, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}
