// Package artifact persists durable records of finished jobs: the terminal
// result, the reasoning trace, and the guardrail report. Archives outlive
// queue retention and workspace cleanup.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/3leaps/foreman/pkg/job"
)

// Archiver stores job artifacts in a durable backend.
type Archiver interface {
	// ArchiveJob writes the artifact bundle for a finished job and returns
	// the stored object keys.
	ArchiveJob(ctx context.Context, j *job.Job) ([]string, error)

	Close() error
}

// Sentinel errors for backend failures.
var (
	ErrAccessDenied = errors.New("artifact: access denied")
	ErrUnavailable  = errors.New("artifact: backend unavailable")
	ErrThrottled    = errors.New("artifact: throttled")
)

// Entry is one object in a job's artifact bundle.
type Entry struct {
	Name        string
	ContentType string
	Body        []byte
}

// bundle renders the artifact entries for a job. Only artifacts the job
// actually produced are included.
func bundle(j *job.Job) ([]Entry, error) {
	var entries []Entry

	jobDoc, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	entries = append(entries, Entry{Name: "job.json", ContentType: "application/json", Body: jobDoc})

	if j.Result != nil && len(j.Result.ReasoningTrace) > 0 {
		var sb strings.Builder
		for _, step := range j.Result.ReasoningTrace {
			line, err := json.Marshal(step)
			if err != nil {
				return nil, fmt.Errorf("encode trace step: %w", err)
			}
			sb.Write(line)
			sb.WriteByte('\n')
		}
		entries = append(entries, Entry{
			Name:        "trace.jsonl",
			ContentType: "application/x-ndjson",
			Body:        []byte(sb.String()),
		})
	}

	if report, ok := j.Metadata["guardrails"]; ok {
		entries = append(entries, Entry{
			Name:        "guardrails.json",
			ContentType: "application/json",
			Body:        []byte(report),
		})
	}

	return entries, nil
}

// objectKey builds the backend key for one bundle entry. Keys are grouped
// by day then job id so retention can prune by prefix.
func objectKey(prefix string, j *job.Job, name string) string {
	day := j.CreatedAt.UTC().Format("2006-01-02")
	return path.Join(prefix, day, j.JobID, name)
}

// validateJob rejects jobs that are not yet archivable.
func validateJob(j *job.Job) error {
	if j == nil || j.JobID == "" {
		return errors.New("artifact: job is nil or has no id")
	}
	if !j.Status.Terminal() {
		return fmt.Errorf("artifact: job %s is %s, not terminal", j.JobID, j.Status)
	}
	if j.CreatedAt.IsZero() {
		return fmt.Errorf("artifact: job %s has no creation time", j.JobID)
	}
	return nil
}
