package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/foreman/pkg/event"
	"github.com/3leaps/foreman/pkg/job"
)

// FileQueue is the directory-backed queue variant.
//
// Layout:
//
//	<root>/pending/<job_id>.json
//	<root>/processing/<job_id>.json
//	<root>/completed/<job_id>.json
//	<root>/failed/<job_id>.json
//	<root>/deliveries/<delivery_id>.json
//	<root>/enqueue.log
//
// A job's status is the directory it lives in. Claiming renames the
// descriptor from pending/ to processing/; rename succeeds for exactly one
// claimant, which is the whole concurrency story. Writes go through a temp
// file plus rename so readers never observe a partial descriptor.
type FileQueue struct {
	root string
}

var _ Queue = (*FileQueue)(nil)

var statusDirs = []job.Status{
	job.StatusPending, job.StatusProcessing, job.StatusCompleted, job.StatusFailed,
}

// NewFileQueue creates a queue rooted at dir, creating the layout if needed.
func NewFileQueue(dir string) (*FileQueue, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("file queue root dir is empty")
	}
	for _, s := range statusDirs {
		if err := os.MkdirAll(filepath.Join(dir, string(s)), 0755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "deliveries"), 0755); err != nil {
		return nil, fmt.Errorf("create deliveries dir: %w", err)
	}
	return &FileQueue{root: dir}, nil
}

func (q *FileQueue) jobPath(status job.Status, jobID string) string {
	return filepath.Join(q.root, string(status), jobID+".json")
}

func (q *FileQueue) deliveryPath(deliveryID string) string {
	return filepath.Join(q.root, "deliveries", deliveryID+".json")
}

func (q *FileQueue) Enqueue(ctx context.Context, j *job.Job) (string, error) {
	stored := cloneJob(j)
	stored.Status = job.StatusPending

	// The exclusive create of the delivery marker is the dedup point:
	// exactly one concurrent enqueue for a delivery id can win it, so the
	// job descriptor is only ever written by the winner.
	if err := q.createDelivery(stored.Trigger.DeliveryID, stored.JobID); err != nil {
		return "", err
	}
	if err := q.writeJob(job.StatusPending, stored); err != nil {
		return "", err
	}

	// Append-only audit of everything ever enqueued; line count backs the
	// total_enqueued metric across cleanups.
	f, err := os.OpenFile(filepath.Join(q.root, "enqueue.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("open enqueue log: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := fmt.Fprintf(f, "%s %s\n", stored.CreatedAt.Format(time.RFC3339Nano), stored.JobID); err != nil {
		return "", fmt.Errorf("append enqueue log: %w", err)
	}
	return stored.JobID, nil
}

func (q *FileQueue) Claim(ctx context.Context, timeout time.Duration) (*job.Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		j, err := q.tryClaim()
		if err != nil {
			return nil, err
		}
		if j != nil {
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

// tryClaim renames the oldest pending descriptor into processing/. A lost
// race surfaces as a rename error on a vanished file; move on to the next
// candidate.
func (q *FileQueue) tryClaim() (*job.Job, error) {
	candidates, err := q.pendingOldestFirst()
	if err != nil {
		return nil, err
	}
	for _, jobID := range candidates {
		src := q.jobPath(job.StatusPending, jobID)
		dst := q.jobPath(job.StatusProcessing, jobID)
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // another claimant won
			}
			return nil, fmt.Errorf("claim rename: %w", err)
		}
		j, err := q.readJob(job.StatusProcessing, jobID)
		if err != nil {
			return nil, err
		}
		j.Status = job.StatusProcessing
		if err := q.writeJob(job.StatusProcessing, j); err != nil {
			return nil, err
		}
		return j, nil
	}
	return nil, nil
}

func (q *FileQueue) pendingOldestFirst() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(q.root, string(job.StatusPending)))
	if err != nil {
		return nil, fmt.Errorf("read pending dir: %w", err)
	}
	type cand struct {
		id string
		at time.Time
	}
	cands := make([]cand, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		j, err := q.readJob(job.StatusPending, id)
		if err != nil {
			continue // partially written or already claimed
		}
		cands = append(cands, cand{id: id, at: j.CreatedAt})
	}
	sort.Slice(cands, func(i, k int) bool { return cands[i].at.Before(cands[k].at) })
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out, nil
}

func (q *FileQueue) Complete(ctx context.Context, jobID string, result *job.WorkerResult) error {
	return q.finish(jobID, job.StatusCompleted, result, "")
}

func (q *FileQueue) Fail(ctx context.Context, jobID string, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return q.finish(jobID, job.StatusFailed, nil, msg)
}

func (q *FileQueue) finish(jobID string, status job.Status, result *job.WorkerResult, errMsg string) error {
	j, err := q.readJob(job.StatusProcessing, jobID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Not processing: either unknown or a forbidden transition.
			if _, s, lookupErr := q.locate(jobID); lookupErr == nil && s != "" {
				return ErrBadTransition
			}
			return ErrNotFound
		}
		return err
	}
	j.Status = status
	j.Result = result
	j.Error = errMsg
	if err := q.writeJob(status, j); err != nil {
		return err
	}
	return os.Remove(q.jobPath(job.StatusProcessing, jobID))
}

func (q *FileQueue) Update(ctx context.Context, in *job.Job) error {
	current, status, err := q.locate(in.JobID)
	if err != nil {
		return err
	}
	updated := cloneJob(in)
	updated.Status = current.Status
	return q.writeJob(status, updated)
}

func (q *FileQueue) Get(ctx context.Context, jobID string) (*job.Job, error) {
	j, _, err := q.locate(jobID)
	return j, err
}

func (q *FileQueue) locate(jobID string) (*job.Job, job.Status, error) {
	for _, s := range statusDirs {
		j, err := q.readJob(s, jobID)
		if err == nil {
			return j, s, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
	}
	return nil, "", ErrNotFound
}

func (q *FileQueue) List(ctx context.Context) ([]job.Job, error) {
	var out []job.Job
	for _, s := range statusDirs {
		entries, err := os.ReadDir(filepath.Join(q.root, string(s)))
		if err != nil {
			return nil, fmt.Errorf("read %s dir: %w", s, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			j, err := q.readJob(s, strings.TrimSuffix(e.Name(), ".json"))
			if err != nil {
				continue
			}
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (q *FileQueue) ExistsByDelivery(ctx context.Context, deliveryID string) (bool, error) {
	_, err := os.Stat(q.deliveryPath(deliveryID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (q *FileQueue) MarkDeliveryProcessed(ctx context.Context, deliveryID, jobID string) error {
	return q.writeDelivery(deliveryID, jobID)
}

func (q *FileQueue) Metrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	counts := map[job.Status]int{}
	for _, s := range statusDirs {
		entries, err := os.ReadDir(filepath.Join(q.root, string(s)))
		if err != nil {
			return Metrics{}, fmt.Errorf("read %s dir: %w", s, err)
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
				counts[s]++
			}
		}
	}
	m.QueueSize = counts[job.StatusPending]
	m.ProcessingCount = counts[job.StatusProcessing]
	m.CompletedCount = counts[job.StatusCompleted]
	m.FailedCount = counts[job.StatusFailed]

	if data, err := os.ReadFile(filepath.Join(q.root, "enqueue.log")); err == nil {
		m.TotalEnqueued = strings.Count(string(data), "\n")
	} else if errors.Is(err, fs.ErrNotExist) {
		m.TotalEnqueued = 0
	} else {
		return Metrics{}, fmt.Errorf("read enqueue log: %w", err)
	}

	if done := m.CompletedCount + m.FailedCount; done > 0 {
		m.SuccessRate = float64(m.CompletedCount) / float64(done)
	}
	return m, nil
}

func (q *FileQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, s := range []job.Status{job.StatusCompleted, job.StatusFailed} {
		entries, err := os.ReadDir(filepath.Join(q.root, string(s)))
		if err != nil {
			return removed, fmt.Errorf("read %s dir: %w", s, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			id := strings.TrimSuffix(e.Name(), ".json")
			j, err := q.readJob(s, id)
			if err != nil {
				continue
			}
			if j.CreatedAt.Before(cutoff) {
				if err := os.Remove(q.jobPath(s, id)); err == nil {
					removed++
				}
			}
		}
	}

	deliveryCutoff := time.Now().Add(-DeliveryRetention)
	entries, err := os.ReadDir(filepath.Join(q.root, "deliveries"))
	if err != nil {
		return removed, fmt.Errorf("read deliveries dir: %w", err)
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(deliveryCutoff) {
			_ = os.Remove(filepath.Join(q.root, "deliveries", e.Name()))
		}
	}
	return removed, nil
}

func (q *FileQueue) Compact(ctx context.Context) error { return nil }

func (q *FileQueue) Close() error { return nil }

func (q *FileQueue) readJob(status job.Status, jobID string) (*job.Job, error) {
	data, err := os.ReadFile(q.jobPath(status, jobID))
	if err != nil {
		return nil, err
	}
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse job descriptor %s: %w", jobID, err)
	}
	return &j, nil
}

func (q *FileQueue) writeJob(status job.Status, j *job.Job) error {
	b, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job descriptor: %w", err)
	}
	b = append(b, '\n')
	return atomicWrite(q.jobPath(status, j.JobID), b)
}

func (q *FileQueue) writeDelivery(deliveryID, jobID string) error {
	b, err := encodeDelivery(deliveryID, jobID)
	if err != nil {
		return err
	}
	return atomicWrite(q.deliveryPath(deliveryID), b)
}

// createDelivery writes the delivery marker with O_EXCL; fs.ErrExist maps
// to ErrDuplicateDelivery.
func (q *FileQueue) createDelivery(deliveryID, jobID string) error {
	b, err := encodeDelivery(deliveryID, jobID)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(q.deliveryPath(deliveryID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrDuplicateDelivery
		}
		return fmt.Errorf("create delivery record: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("write delivery record: %w", err)
	}
	return f.Close()
}

func encodeDelivery(deliveryID, jobID string) ([]byte, error) {
	rec := event.DeliveryRecord{
		DeliveryID:  deliveryID,
		JobID:       jobID,
		ProcessedAt: time.Now().UTC(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal delivery record: %w", err)
	}
	return b, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
