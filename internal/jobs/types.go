package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/tier"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// IngestJob is one document queued for asynchronous ingestion.
type IngestJob struct {
	JobID string `json:"job_id"`

	// The document. FileBytes is dropped once the job reaches a final status.
	FileBytes       []byte           `json:"-"`
	Filename        string           `json:"filename"`
	DocType         domain.DocType   `json:"doc_type"`
	Currency        string           `json:"currency"`
	UserID          string           `json:"user_id"`
	UserTier        domain.UserTier  `json:"user_tier"`
	Preferences     tier.Preferences `json:"preferences"`
	EstimatedAmount *float64         `json:"estimated_amount,omitempty"`
	Reprocess       bool             `json:"reprocess"`

	// Outcome, filled by the handler.
	ImportID     string `json:"import_id,omitempty"`
	Tier         string `json:"tier,omitempty"`
	Transactions int    `json:"transactions"`
	ErrorKind    string `json:"error_kind,omitempty"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
}

// Publisher defines the interface for publishing jobs to a queue.
type Publisher interface {
	Publish(ctx context.Context, job *IngestJob) error
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs. The handler is called for each job.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error is retried only when the
// queue's retry predicate accepts it.
type JobHandler func(ctx context.Context, job *IngestJob) error

// JobStore stores and retrieves job status.
type JobStore interface {
	SaveJob(ctx context.Context, job *IngestJob) error
	GetJob(ctx context.Context, jobID string) (*IngestJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*IngestJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	UserID   string
	ImportID string
	Status   JobStatus
	Limit    int
	Offset   int
}

// ErrJobNotFound is returned by GetJob for unknown ids.
var ErrJobNotFound = errors.New("job not found")
