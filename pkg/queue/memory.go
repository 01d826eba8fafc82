package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/3leaps/foreman/pkg/event"
	"github.com/3leaps/foreman/pkg/job"
)

// MemoryQueue is the in-memory queue variant.
//
// A single mutex guards the pending deque, the job index, and the delivery
// set, which makes the claim trivially atomic. State does not survive a
// restart; use the SQLite store for anything that matters.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []string
	jobs       map[string]*job.Job
	deliveries map[string]event.DeliveryRecord
	enqueued   int
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:       map[string]*job.Job{},
		deliveries: map[string]event.DeliveryRecord{},
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, j *job.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.deliveries[j.Trigger.DeliveryID]; dup {
		return "", ErrDuplicateDelivery
	}

	stored := cloneJob(j)
	stored.Status = job.StatusPending
	q.jobs[stored.JobID] = stored

	// Keep pending ordered by creation time, not insertion order; enqueued
	// jobs may carry a backdated CreatedAt.
	idx := sort.Search(len(q.pending), func(i int) bool {
		return q.jobs[q.pending[i]].CreatedAt.After(stored.CreatedAt)
	})
	q.pending = append(q.pending, "")
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = stored.JobID
	q.deliveries[stored.Trigger.DeliveryID] = event.DeliveryRecord{
		DeliveryID:  stored.Trigger.DeliveryID,
		JobID:       stored.JobID,
		ProcessedAt: time.Now().UTC(),
	}
	q.enqueued++
	return stored.JobID, nil
}

func (q *MemoryQueue) Claim(ctx context.Context, timeout time.Duration) (*job.Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		if j := q.tryClaim(); j != nil {
			return j, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(DefaultClaimPoll):
		}
	}
}

func (q *MemoryQueue) tryClaim() *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	j := q.jobs[id]
	j.Status = job.StatusProcessing
	return cloneJob(j)
}

func (q *MemoryQueue) Complete(ctx context.Context, jobID string, result *job.WorkerResult) error {
	return q.finish(jobID, job.StatusCompleted, result, "")
}

func (q *MemoryQueue) Fail(ctx context.Context, jobID string, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return q.finish(jobID, job.StatusFailed, nil, msg)
}

func (q *MemoryQueue) finish(jobID string, status job.Status, result *job.WorkerResult, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if !j.Status.CanTransition(status) {
		return ErrBadTransition
	}
	j.Status = status
	j.Result = result
	j.Error = errMsg
	return nil
}

func (q *MemoryQueue) Update(ctx context.Context, in *job.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[in.JobID]
	if !ok {
		return ErrNotFound
	}
	// Status transitions go through Complete/Fail only.
	status := j.Status
	*j = *cloneJob(in)
	j.Status = status
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, jobID string) (*job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (q *MemoryQueue) List(ctx context.Context) ([]job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]job.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (q *MemoryQueue) ExistsByDelivery(ctx context.Context, deliveryID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.deliveries[deliveryID]
	return ok, nil
}

func (q *MemoryQueue) MarkDeliveryProcessed(ctx context.Context, deliveryID, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deliveries[deliveryID] = event.DeliveryRecord{
		DeliveryID:  deliveryID,
		JobID:       jobID,
		ProcessedAt: time.Now().UTC(),
	}
	return nil
}

func (q *MemoryQueue) Metrics(ctx context.Context) (Metrics, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := Metrics{TotalEnqueued: q.enqueued}
	for _, j := range q.jobs {
		switch j.Status {
		case job.StatusPending:
			m.QueueSize++
		case job.StatusProcessing:
			m.ProcessingCount++
		case job.StatusCompleted:
			m.CompletedCount++
		case job.StatusFailed:
			m.FailedCount++
		}
	}
	if done := m.CompletedCount + m.FailedCount; done > 0 {
		m.SuccessRate = float64(m.CompletedCount) / float64(done)
	}
	return m, nil
}

func (q *MemoryQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, j := range q.jobs {
		if j.Status.Terminal() && j.CreatedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}
	deliveryCutoff := time.Now().Add(-DeliveryRetention)
	for id, rec := range q.deliveries {
		if rec.ProcessedAt.Before(deliveryCutoff) {
			delete(q.deliveries, id)
		}
	}
	return removed, nil
}

func (q *MemoryQueue) Compact(ctx context.Context) error { return nil }

func (q *MemoryQueue) Close() error { return nil }

func cloneJob(j *job.Job) *job.Job {
	out := *j
	if j.Metadata != nil {
		out.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			out.Metadata[k] = v
		}
	}
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	return &out
}
