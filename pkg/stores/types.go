package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/installmgr/pkg/engine"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ExecutionStatus represents the status of a plan execution
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution has finished.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSucceeded || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus represents the outcome of one plan step
type StepStatus string

const (
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// PlanSummary is a plan history row without its steps.
type PlanSummary struct {
	ID        string           `json:"id"`
	Operation engine.Operation `json:"operation"`
	Topology  engine.Topology  `json:"topology"`
	Version   string           `json:"version,omitempty"`
	StepCount int              `json:"step_count"`
	CreatedAt time.Time        `json:"created_at"`
}

// Execution is one run of a recorded plan.
type Execution struct {
	ID          string          `json:"id"`
	PlanID      string          `json:"plan_id"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Steps       []*StepResult   `json:"steps,omitempty"`
}

// StepResult is the recorded outcome of one step of an execution.
type StepResult struct {
	ExecutionID string          `json:"execution_id"`
	Index       int             `json:"index"`
	Kind        engine.StepKind `json:"kind"`
	Description string          `json:"description"`
	Node        string          `json:"node,omitempty"`
	Status      StepStatus      `json:"status"`
	Output      string          `json:"output,omitempty"`
	Error       *string         `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g. "plan.install", "execution.failed"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // plan or execution ID
	Details   *string   `json:"details,omitempty"`   // free-form summary
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Plan operations
	SavePlan(ctx context.Context, plan engine.Plan) error
	GetPlan(ctx context.Context, id string) (*engine.Plan, error)
	ListPlans(ctx context.Context, operation *engine.Operation, limit, offset int) ([]*PlanSummary, error)

	// Execution operations
	CreateExecution(ctx context.Context, exec *Execution) error
	RecordStepResult(ctx context.Context, result *StepResult) error
	CompleteExecution(ctx context.Context, id string, status ExecutionStatus, errMsg *string) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutionsByPlan(ctx context.Context, planID string) ([]*Execution, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
