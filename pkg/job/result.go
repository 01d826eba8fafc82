package job

import "time"

// ReasoningStep is one timestamped entry in a worker's reasoning trace.
type ReasoningStep struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// WorkerResult is the structured outcome a worker must emit as exactly one
// terminal JSON object on its output stream before exiting.
type WorkerResult struct {
	Success          bool            `json:"success"`
	ChangesMade      bool            `json:"changes_made"`
	FilesCreated     []string        `json:"files_created,omitempty"`
	FilesModified    []string        `json:"files_modified,omitempty"`
	FilesDeleted     []string        `json:"files_deleted,omitempty"`
	CommitHash       string          `json:"commit_hash,omitempty"`
	ReviewRequestURL string          `json:"review_request_url,omitempty"`
	Message          string          `json:"message,omitempty"`
	ReasoningTrace   []ReasoningStep `json:"reasoning_trace,omitempty"`
}

// TouchedFiles returns every path the worker created or modified. Deleted
// paths are excluded; they have no content left to validate.
func (r *WorkerResult) TouchedFiles() []string {
	out := make([]string, 0, len(r.FilesCreated)+len(r.FilesModified))
	out = append(out, r.FilesCreated...)
	out = append(out, r.FilesModified...)
	return out
}

// FilesChanged is the total count of paths the worker touched in any way.
func (r *WorkerResult) FilesChanged() int {
	return len(r.FilesCreated) + len(r.FilesModified) + len(r.FilesDeleted)
}

// SkippedResult is the terminal outcome for jobs whose event resolves to no
// skill. The job completes without ever reaching a worker.
func SkippedResult(reason string) *WorkerResult {
	return &WorkerResult{
		Success:     true,
		ChangesMade: false,
		Message:     "skipped: " + reason,
	}
}
