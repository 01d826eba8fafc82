package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/foreman/pkg/job"
	"github.com/3leaps/foreman/pkg/queue"
)

// Run starts the fixed-size claim pool and blocks until ctx is canceled
// and all in-flight jobs have finished. Each pool member loops: claim one
// pending job, process it to a terminal state, repeat.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.RecoverySweep(ctx)

	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			o.claimLoop(ctx, slot)
		}(i)
	}
	o.logger.Info("orchestrator pool started", zap.Int("workers", o.cfg.Workers))
	wg.Wait()
	o.logger.Info("orchestrator pool stopped")
	return nil
}

func (o *Orchestrator) claimLoop(ctx context.Context, slot int) {
	log := o.logger.With(zap.Int("slot", slot))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		j, err := o.queue.Claim(ctx, o.cfg.ClaimTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Warn("claim failed", zap.Error(err))
			// Back off so a persistent store error does not spin the loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if j == nil {
			continue // queue empty, loop and wait again
		}

		log.Info("job claimed", zap.String("job_id", j.JobID), zap.String("trigger", j.Trigger.Ref()))
		o.Process(ctx, j)
	}
}

// RecoverySweep flags jobs stranded in processing by a previous crash.
// They are logged and marked, never silently re-queued: the worker may
// have partially mutated its workspace, so re-running is an operator call.
func (o *Orchestrator) RecoverySweep(ctx context.Context) {
	jobs, err := o.queue.List(ctx)
	if err != nil {
		o.logger.Warn("recovery sweep failed", zap.Error(err))
		return
	}
	orphaned := 0
	for i := range jobs {
		j := &jobs[i]
		if j.Status != job.StatusProcessing {
			continue
		}
		orphaned++
		o.logger.Warn("orphaned job found in processing",
			zap.String("job_id", j.JobID),
			zap.String("trigger", j.Trigger.Ref()),
			zap.String("workspace", j.WorkspacePath),
			zap.Time("created_at", j.CreatedAt))
		j.SetMeta("orphaned", "true")
		j.SetMeta("orphaned_at", time.Now().UTC().Format(time.RFC3339))
		if err := o.queue.Update(ctx, j); err != nil && !errors.Is(err, queue.ErrNotFound) {
			o.logger.Warn("could not mark orphaned job", zap.String("job_id", j.JobID), zap.Error(err))
		}
	}
	if orphaned > 0 {
		o.logger.Warn("recovery sweep complete", zap.Int("orphaned", orphaned))
	}
}
