package orchestrator

import (
	"sync"
	"time"

	"github.com/3leaps/foreman/pkg/job"
)

// JobCompleted is published when a job reaches completed status.
type JobCompleted struct {
	JobID        string        `json:"job_id"`
	TriggerRef   string        `json:"trigger_ref"`
	Duration     time.Duration `json:"duration"`
	FilesChanged int           `json:"files_changed"`
}

// JobFailed is published when a job reaches failed status.
type JobFailed struct {
	JobID        string        `json:"job_id"`
	TriggerRef   string        `json:"trigger_ref"`
	ErrorKind    job.ErrorKind `json:"error_kind"`
	ErrorMessage string        `json:"error_message"`
}

// Listener receives terminal-status notifications. Implementations must not
// block; slow consumers should hand off to their own queue.
type Listener interface {
	JobCompleted(n JobCompleted)
	JobFailed(n JobFailed)
}

// ListenerFuncs adapts plain functions to the Listener interface. Nil
// fields are skipped.
type ListenerFuncs struct {
	Completed func(JobCompleted)
	Failed    func(JobFailed)
}

func (l ListenerFuncs) JobCompleted(n JobCompleted) {
	if l.Completed != nil {
		l.Completed(n)
	}
}

func (l ListenerFuncs) JobFailed(n JobFailed) {
	if l.Failed != nil {
		l.Failed(n)
	}
}

// Notifier fans terminal-status notifications out to decoupled listeners
// (status-board updates, alerting).
type Notifier struct {
	mu        sync.RWMutex
	listeners []Listener
}

// Subscribe registers a listener for all future notifications.
func (n *Notifier) Subscribe(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *Notifier) completed(ev JobCompleted) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, l := range n.listeners {
		l.JobCompleted(ev)
	}
}

func (n *Notifier) failed(ev JobFailed) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, l := range n.listeners {
		l.JobFailed(ev)
	}
}
