// Package workspace manages isolated per-job checkouts.
//
// Every job gets its own working directory and branch; no two jobs ever
// share one. Workspaces are never removed automatically: removal is an
// explicit operator (or scheduler) action that re-runs validation first.
package workspace

import (
	"errors"
	"time"
)

// Validation is the outcome of a non-destructive workspace check.
type Validation struct {
	SafeToRemove bool     `json:"safe_to_remove"`
	Reason       string   `json:"reason,omitempty"`
	StatusLines  []string `json:"status_summary,omitempty"`
}

// Snapshot is a lightweight before/after picture of a workspace, captured
// for comparison and audit.
type Snapshot struct {
	TakenAt   time.Time `json:"taken_at"`
	FileCount int       `json:"file_count"`
	LineCount int       `json:"line_count"`
	Dirty     bool      `json:"dirty"`
}

// Sentinel errors for workspace operations.
var (
	// ErrUnsafeRemoval indicates validation refused a removal.
	ErrUnsafeRemoval = errors.New("workspace is not safe to remove")

	// ErrOutsideRoot indicates a path that escapes the workspace root.
	ErrOutsideRoot = errors.New("path is outside the workspace root")
)
