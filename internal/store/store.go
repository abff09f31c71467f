package store

import (
	"context"
	"time"

	"github.com/loykin/erpsync/internal/erp"
)

// CheckpointStatus is the durable state of one domain's sync progress.
type CheckpointStatus string

const (
	CheckpointIdle     CheckpointStatus = ""
	CheckpointRunning  CheckpointStatus = "running"
	CheckpointComplete CheckpointStatus = "complete"
	CheckpointPaused   CheckpointStatus = "paused"
	CheckpointFailed   CheckpointStatus = "failed"
)

// Checkpoint is the resume-point record for one domain's paginated sync.
// LastPage is the last fully committed page (0 = nothing committed); a run
// resumes at LastPage+1. It never regresses except through ResetCheckpoint.
type Checkpoint struct {
	Domain      erp.Domain       `json:"domain"`
	LastPage    int              `json:"last_page"`
	TotalPages  int              `json:"total_pages"`
	ItemsSynced int              `json:"items_synced"`
	Status      CheckpointStatus `json:"status"`
	LastError   string           `json:"last_error,omitempty"`
	CompletedAt time.Time        `json:"completed_at,omitzero"`
	UpdatedAt   time.Time        `json:"updated_at,omitzero"`
}

// Entity is the stored shadow of one ERP record: its content hash for change
// detection plus the field values needed to derive per-field change records.
type Entity struct {
	Domain    erp.Domain
	ID        string
	Hash      string
	Fields    map[string]string
	DeletedAt time.Time // zero = live
}

// ChangeType classifies one audit entry.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	// ChangeUpdated marks a whole-record change when the previous field values
	// are not available to diff (e.g. rows written before fields were stored).
	ChangeUpdated      ChangeType = "updated"
	ChangeFieldChanged ChangeType = "field-changed"
)

// Change is one append-only audit entry produced by delta sync.
// Field is empty for whole-record changes.
type Change struct {
	RunID    string     `json:"run_id"`
	Domain   erp.Domain `json:"domain"`
	EntityID string     `json:"entity_id"`
	Type     ChangeType `json:"type"`
	Field    string     `json:"field,omitempty"`
	OldValue string     `json:"old_value,omitempty"`
	NewValue string     `json:"new_value,omitempty"`
	At       time.Time  `json:"at"`
}

// RunResult summarizes one finished (or interrupted) sync run.
type RunResult struct {
	Pages   int    `json:"pages"`
	Items   int    `json:"items"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Deleted int    `json:"deleted"`
	Paused  bool   `json:"paused"`
	Error   string `json:"error,omitempty"`
}

// OrderJobStatus is the lifecycle phase of a queued order.
type OrderJobStatus string

const (
	OrderJobQueued    OrderJobStatus = "queued"
	OrderJobRunning   OrderJobStatus = "running"
	OrderJobCompleted OrderJobStatus = "completed"
	OrderJobFailed    OrderJobStatus = "failed"
	OrderJobCanceled  OrderJobStatus = "canceled"
)

// OrderJob is the persisted form of one order placement job.
type OrderJob struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Order      erp.Order      `json:"order"`
	Status     OrderJobStatus `json:"status"`
	Result     string         `json:"result,omitempty"` // ERP order id on success
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts"`
	RetryOf    string         `json:"retry_of,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
}

// Store is the persistence contract the core depends on. Schema and query
// language are the implementation's concern.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	GetCheckpoint(ctx context.Context, d erp.Domain) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	ResetCheckpoint(ctx context.Context, d erp.Domain) error
	Checkpoints(ctx context.Context) ([]Checkpoint, error)

	GetEntity(ctx context.Context, d erp.Domain, id string) (Entity, bool, error)
	UpsertEntity(ctx context.Context, e Entity) error
	LiveIDs(ctx context.Context, d erp.Domain) ([]string, error)
	MarkDeleted(ctx context.Context, d erp.Domain, ids []string, hard bool) (int, error)

	RecordChange(ctx context.Context, c Change) error
	ChangesForRun(ctx context.Context, runID string) ([]Change, error)

	CreateRun(ctx context.Context, d erp.Domain) (string, error)
	FinishRun(ctx context.Context, runID string, res RunResult) error

	SaveOrderJob(ctx context.Context, j OrderJob) error
	GetOrderJob(ctx context.Context, id string) (OrderJob, bool, error)
}
