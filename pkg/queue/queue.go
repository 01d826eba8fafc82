// Package queue provides durable, concurrency-safe job queues.
//
// Three variants share one contract:
//
//   - SQLite-backed Store for the normal single-node deployment
//   - directory-backed FileQueue for constrained installs without a database
//   - in-memory MemoryQueue for tests and demos
//
// The correctness property every variant must uphold is the atomic claim:
// for any number of concurrent claimers, each pending job is returned to
// exactly one of them.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/3leaps/foreman/pkg/job"
)

// Sentinel errors for queue operations.
var (
	// ErrNotFound indicates the job id does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateDelivery indicates a job already exists for the delivery id.
	ErrDuplicateDelivery = errors.New("delivery already processed")

	// ErrBadTransition indicates a status change the state machine forbids.
	ErrBadTransition = errors.New("invalid status transition")
)

// Metrics is an aggregate snapshot of queue state, surfaced verbatim by the
// metrics endpoint.
type Metrics struct {
	QueueSize       int     `json:"queue_size"`
	ProcessingCount int     `json:"processing_count"`
	CompletedCount  int     `json:"completed_count"`
	FailedCount     int     `json:"failed_count"`
	TotalEnqueued   int     `json:"total_enqueued"`
	SuccessRate     float64 `json:"success_rate"`
}

// Queue is the job queue contract shared by all variants.
//
// Enqueue and Claim failures are retryable storage I/O. Complete and Fail
// failures leave the job state ambiguous; callers log and move on, and the
// startup recovery sweep flags the orphaned row.
type Queue interface {
	// Enqueue persists a job in status pending and returns its id.
	// Enqueueing a second job for the same delivery id returns
	// ErrDuplicateDelivery.
	Enqueue(ctx context.Context, j *job.Job) (string, error)

	// Claim atomically takes ownership of the oldest pending job, moving it
	// to processing. It blocks up to timeout waiting for work and returns
	// (nil, nil) when none arrives.
	Claim(ctx context.Context, timeout time.Duration) (*job.Job, error)

	// Complete transitions processing → completed and persists the result.
	Complete(ctx context.Context, jobID string, result *job.WorkerResult) error

	// Fail transitions processing → failed and persists the error message.
	Fail(ctx context.Context, jobID string, jobErr error) error

	// Update persists in-flight mutations (workspace assignment, metadata)
	// for a job that is currently processing. Status is not changed.
	Update(ctx context.Context, j *job.Job) error

	// Get returns a job by id, or ErrNotFound.
	Get(ctx context.Context, jobID string) (*job.Job, error)

	// List returns all jobs, newest first.
	List(ctx context.Context) ([]job.Job, error)

	// ExistsByDelivery reports whether a job was already created for the
	// delivery id.
	ExistsByDelivery(ctx context.Context, deliveryID string) (bool, error)

	// MarkDeliveryProcessed records the delivery → job mapping.
	MarkDeliveryProcessed(ctx context.Context, deliveryID, jobID string) error

	// Metrics returns an aggregate snapshot.
	Metrics(ctx context.Context) (Metrics, error)

	// Cleanup removes terminal jobs older than the given age and expired
	// delivery records, returning the number of jobs removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Compact reclaims storage after deletions. A no-op where the backing
	// store has nothing to reclaim.
	Compact(ctx context.Context) error

	Close() error
}

// DefaultClaimPoll is the polling interval used by variants that implement
// the blocking Claim wait as poll-with-backoff.
const DefaultClaimPoll = 50 * time.Millisecond

// DeliveryRetention is how long delivery records are kept before Cleanup
// may remove them. Bounds table growth; senders stop redelivering long
// before this window closes.
const DeliveryRetention = 30 * 24 * time.Hour
