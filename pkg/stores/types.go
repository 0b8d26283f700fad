package stores

import (
	"context"
	"time"

	"github.com/cloudferry/cloudferry/pkg/model"
)

// RunStatus represents the status of a migration run
type RunStatus string

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// FlowStatus is the terminal state of one entity sub-flow
type FlowStatus string

const (
	FlowStatusSucceeded FlowStatus = "succeeded"
	FlowStatusReverted  FlowStatus = "reverted"
	FlowStatusAborted   FlowStatus = "aborted"
	FlowStatusSkipped   FlowStatus = "skipped"
)

// Run represents one execution of a migration graph
type Run struct {
	ID          string     `json:"id"`
	Migration   string     `json:"migration"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// FlowResult records how a sub-flow of a run ended
type FlowResult struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	Flow        string     `json:"flow"`
	Status      FlowStatus `json:"status"`
	Error       *string    `json:"error,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}

// DestructorResult records the execution of a compensating action
type DestructorResult struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	Signature  string    `json:"signature"`
	Error      *string   `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// DeleteFilter selects rows for Session.Delete. At least one of Type, Cloud
// or ID must be set.
type DeleteFilter struct {
	Type  string
	Cloud string
	ID    string
	Table string
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	EnsureTables(ctx context.Context) error
	Registry() *model.Registry

	// Object sessions
	WithSession(ctx context.Context, fn func(ctx context.Context, sess *Session) error) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, err *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Run results
	RecordFlowResult(ctx context.Context, result *FlowResult) error
	ListFlowResults(ctx context.Context, runID string) ([]*FlowResult, error)
	RecordDestructorResult(ctx context.Context, result *DestructorResult) error
	ListDestructorResults(ctx context.Context, runID string) ([]*DestructorResult, error)

	// Link signatures
	SaveLinkSignature(ctx context.Context, migration string, signature []string) error
	GetLinkSignature(ctx context.Context, migration string) ([]string, bool, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
