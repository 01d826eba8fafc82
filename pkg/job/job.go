// Package job defines the unit of orchestrated work and its lifecycle.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/foreman/pkg/event"
)

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted (SQLite status column, file-queue
// directory names) and are part of the stable on-disk contract.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the state machine allows s → next.
// Status only moves forward: pending → processing → {completed, failed}.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Job is one unit of work derived from a single external trigger.
//
// JobID is immutable once created. WorkspacePath and BranchName are set
// exactly once, at workspace allocation time, and never mutated afterward.
// All mutation after enqueue happens inside the orchestrator pipeline.
type Job struct {
	JobID         string            `json:"job_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Status        Status            `json:"status"`
	Trigger       event.Event       `json:"trigger"`
	Skill         Skill             `json:"skill,omitempty"`
	WorkspacePath string            `json:"workspace_path,omitempty"`
	BranchName    string            `json:"branch_name,omitempty"`
	Autonomy      AutonomyLevel     `json:"autonomy_level,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Result        *WorkerResult     `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// New creates a pending job for the given trigger.
func New(trigger event.Event) (*Job, error) {
	if err := trigger.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trigger: %w", err)
	}
	now := time.Now().UTC()
	if trigger.ReceivedAt.IsZero() {
		trigger.ReceivedAt = now
	}
	return &Job{
		JobID:         uuid.New().String(),
		CorrelationID: trigger.DeliveryID,
		CreatedAt:     now,
		Status:        StatusPending,
		Trigger:       trigger,
		Metadata:      map[string]string{},
	}, nil
}

// SetMeta records a cross-cutting annotation on the job.
func (j *Job) SetMeta(key, value string) {
	if j.Metadata == nil {
		j.Metadata = map[string]string{}
	}
	j.Metadata[key] = value
}

// AssignWorkspace records the allocated workspace and branch. It errors if
// either was already set; the pair is write-once by contract.
func (j *Job) AssignWorkspace(path, branch string) error {
	if j.WorkspacePath != "" || j.BranchName != "" {
		return errors.New("workspace already assigned")
	}
	if path == "" || branch == "" {
		return errors.New("workspace path and branch are required")
	}
	j.WorkspacePath = path
	j.BranchName = branch
	return nil
}

// ErrorKind classifies a job failure for listeners and operators.
type ErrorKind string

const (
	ErrKindWorkspace ErrorKind = "workspace_allocation"
	ErrKindWorker    ErrorKind = "worker_execution"
	ErrKindTimeout   ErrorKind = "worker_timeout"
	ErrKindResult    ErrorKind = "malformed_result"
	ErrKindStore     ErrorKind = "store_io"
	ErrKindPublish   ErrorKind = "publish"
)

// Error is a structured job-fatal failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Fail wraps err as a structured job failure of the given kind.
func Fail(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the error kind from a job failure, or ErrKindWorker for
// untyped errors.
func KindOf(err error) ErrorKind {
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	return ErrKindWorker
}
