// Package orchestrator drives claimed jobs through the full execution
// pipeline: skill resolution, workspace allocation, worker execution,
// guardrail validation, gated publication, and finalization.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/foreman/pkg/guardrail"
	"github.com/3leaps/foreman/pkg/job"
	"github.com/3leaps/foreman/pkg/queue"
	"github.com/3leaps/foreman/pkg/review"
	"github.com/3leaps/foreman/pkg/worker"
	"github.com/3leaps/foreman/pkg/workspace"
)

// WorkspaceManager is the workspace-lifecycle collaborator. Satisfied by
// workspace.Git.
type WorkspaceManager interface {
	Allocate(ctx context.Context, j *job.Job) (path, branch string, err error)
	Validate(ctx context.Context, path string) (workspace.Validation, error)
	Snapshot(ctx context.Context, path string) (workspace.Snapshot, error)
	CommitAll(ctx context.Context, path, message string) (hash string, err error)
	Push(ctx context.Context, path, branch string) error
}

// WorkerRunner executes one worker process per job. Satisfied by
// worker.Runner.
type WorkerRunner interface {
	Run(ctx context.Context, j *job.Job) (*worker.Execution, error)
}

// Validator runs the guardrail pipeline. Satisfied by guardrail.Pipeline.
type Validator interface {
	Validate(ctx context.Context, in guardrail.Input) *guardrail.Report
}

// Config configures orchestration behavior.
type Config struct {
	// Workers is the fixed size of the claim pool. Default: 2.
	Workers int

	// ClaimTimeout is how long each loop iteration waits for work.
	// Default: 5s.
	ClaimTimeout time.Duration

	// AutoCommit stages and commits worker changes when guardrails pass.
	AutoCommit bool

	// AutoPublish pushes the branch and opens a review request after a
	// successful commit. Requires AutoCommit.
	AutoPublish bool

	// ReviewRepo is the hosting-API repo slug review requests target.
	ReviewRepo string

	// ReviewBase is the base branch for review requests. Default: main.
	ReviewBase string
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Second
	}
	if c.ReviewBase == "" {
		c.ReviewBase = "main"
	}
}

// Orchestrator conducts the per-job pipeline and owns the claim pool.
type Orchestrator struct {
	cfg        Config
	queue      queue.Queue
	router     *job.Router
	workspaces WorkspaceManager
	runner     WorkerRunner
	guardrails Validator
	reviews    review.Opener // optional; nil disables review requests
	notifier   *Notifier
	logger     *zap.Logger
}

// New wires an orchestrator. reviews may be nil.
func New(cfg Config, q queue.Queue, router *job.Router, ws WorkspaceManager,
	runner WorkerRunner, guards Validator, reviews review.Opener, logger *zap.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:        cfg,
		queue:      q,
		router:     router,
		workspaces: ws,
		runner:     runner,
		guardrails: guards,
		reviews:    reviews,
		notifier:   &Notifier{},
		logger:     logger,
	}
}

// Notifier exposes the completion/failure pub-sub hub for listeners.
func (o *Orchestrator) Notifier() *Notifier {
	return o.notifier
}

// Process drives one claimed job end to end. The job must be in processing
// status; Process decides its terminal status.
func (o *Orchestrator) Process(ctx context.Context, j *job.Job) {
	started := time.Now()
	log := o.logger.With(zap.String("job_id", j.JobID), zap.String("trigger", j.Trigger.Ref()))

	// Step 1: resolve the skill. "none" is a legitimate terminal outcome.
	j.Skill = o.router.Resolve(j.Trigger.Type, j.Autonomy)
	if j.Skill == job.SkillNone {
		log.Info("no skill for event, completing as skipped", zap.String("event_type", j.Trigger.Type))
		o.complete(ctx, j, job.SkippedResult("no action required for "+j.Trigger.Type), started)
		return
	}
	log = log.With(zap.String("skill", string(j.Skill)))
	o.persist(ctx, j, log)

	// Step 2: allocate the isolated workspace. Failure is job-fatal.
	path, branch, err := o.workspaces.Allocate(ctx, j)
	if err != nil {
		o.fail(ctx, j, job.Fail(job.ErrKindWorkspace, "workspace allocation failed", err), started)
		return
	}
	if err := j.AssignWorkspace(path, branch); err != nil {
		o.fail(ctx, j, job.Fail(job.ErrKindWorkspace, "workspace assignment failed", err), started)
		return
	}
	log = log.With(zap.String("workspace", path), zap.String("branch", branch))
	o.persist(ctx, j, log)

	// Step 3: before snapshot for audit and diff comparison.
	before, err := o.workspaces.Snapshot(ctx, path)
	if err != nil {
		log.Warn("before snapshot failed", zap.Error(err))
	}

	// Step 4: run the worker. Any facade failure is job-fatal.
	exec, err := o.runner.Run(ctx, j)
	if err != nil {
		o.fail(ctx, j, classifyWorkerError(err), started)
		return
	}
	result := exec.Result

	// Step 5: guardrails. Blocking failures refuse publication but do not
	// retroactively fail the job.
	after, err := o.workspaces.Snapshot(ctx, path)
	if err != nil {
		log.Warn("after snapshot failed", zap.Error(err))
	}
	report := o.guardrails.Validate(ctx, guardrail.Input{
		WorkspacePath: path,
		Result:        result,
		Before:        before,
		After:         after,
	})
	o.recordReport(j, report)
	o.persist(ctx, j, log)

	// Step 6: gated publication.
	if o.cfg.AutoCommit && !report.Blocking() && result.ChangesMade {
		if err := o.publish(ctx, j, result, log); err != nil {
			o.fail(ctx, j, job.Fail(job.ErrKindPublish, "publication failed", err), started)
			return
		}
	} else if report.Blocking() {
		log.Info("publication refused by guardrails", zap.Int("blocking_findings", len(report.Failed)))
	}

	// Step 7: revalidate, non-destructively. The workspace is never removed
	// here; cleanup is an explicit separate action.
	if validation, err := o.workspaces.Validate(ctx, path); err != nil {
		log.Warn("workspace revalidation failed", zap.Error(err))
	} else {
		j.SetMeta("workspace_safe_to_remove", strconv.FormatBool(validation.SafeToRemove))
		j.SetMeta("workspace_status", validation.Reason)
	}
	o.persist(ctx, j, log)

	// Step 8: finalize.
	o.complete(ctx, j, result, started)
}

// publish stages, commits, and (when enabled) pushes and opens a review
// request, recording commit hash and review URL on the result.
func (o *Orchestrator) publish(ctx context.Context, j *job.Job, result *job.WorkerResult, log *zap.Logger) error {
	message := commitMessage(j, result)
	hash, err := o.workspaces.CommitAll(ctx, j.WorkspacePath, message)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	result.CommitHash = hash
	log.Info("changes committed", zap.String("commit", hash))

	if !o.cfg.AutoPublish {
		return nil
	}
	if err := o.workspaces.Push(ctx, j.WorkspacePath, j.BranchName); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if o.reviews == nil || o.cfg.ReviewRepo == "" {
		log.Info("branch pushed, review requests not configured", zap.String("branch", j.BranchName))
		return nil
	}

	ref, err := o.reviews.OpenReviewRequest(ctx, review.Request{
		Repo:  o.cfg.ReviewRepo,
		Head:  j.BranchName,
		Base:  o.cfg.ReviewBase,
		Title: fmt.Sprintf("[%s] %s", j.Skill, j.Trigger.Ref()),
		Body:  result.Message,
	})
	if err != nil {
		return fmt.Errorf("open review request: %w", err)
	}
	result.ReviewRequestURL = ref.URL
	j.SetMeta("review_request_id", ref.ID)
	log.Info("review request opened", zap.String("url", ref.URL))
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, j *job.Job, result *job.WorkerResult, started time.Time) {
	if err := o.queue.Complete(ctx, j.JobID, result); err != nil {
		// Job state is now ambiguous; the startup recovery sweep flags it.
		o.logger.Error("complete failed, job state ambiguous",
			zap.String("job_id", j.JobID), zap.Error(err))
		return
	}
	o.notifier.completed(JobCompleted{
		JobID:        j.JobID,
		TriggerRef:   j.Trigger.Ref(),
		Duration:     time.Since(started),
		FilesChanged: result.FilesChanged(),
	})
}

func (o *Orchestrator) fail(ctx context.Context, j *job.Job, jobErr *job.Error, started time.Time) {
	o.logger.Warn("job failed",
		zap.String("job_id", j.JobID),
		zap.String("kind", string(jobErr.Kind)),
		zap.Error(jobErr))
	if err := o.queue.Fail(ctx, j.JobID, jobErr); err != nil {
		o.logger.Error("fail transition failed, job state ambiguous",
			zap.String("job_id", j.JobID), zap.Error(err))
		return
	}
	o.notifier.failed(JobFailed{
		JobID:        j.JobID,
		TriggerRef:   j.Trigger.Ref(),
		ErrorKind:    jobErr.Kind,
		ErrorMessage: jobErr.Error(),
	})
}

// persist saves in-flight job mutations. Persistence failures here are
// transient I/O: logged and tolerated, the terminal write is what matters.
func (o *Orchestrator) persist(ctx context.Context, j *job.Job, log *zap.Logger) {
	if err := o.queue.Update(ctx, j); err != nil {
		log.Warn("job update failed", zap.Error(err))
	}
}

func (o *Orchestrator) recordReport(j *job.Job, report *guardrail.Report) {
	b, err := json.Marshal(report)
	if err != nil {
		b = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	j.SetMeta("guardrails", string(b))
	j.SetMeta("guardrails_blocking", strconv.FormatBool(report.Blocking()))
}

func classifyWorkerError(err error) *job.Error {
	switch {
	case errors.Is(err, worker.ErrTimeout):
		return job.Fail(job.ErrKindTimeout, "worker timed out", err)
	case errors.Is(err, worker.ErrNoResult):
		return job.Fail(job.ErrKindResult, "worker produced no terminal result", err)
	case errors.Is(err, worker.ErrWorkerFailed):
		return job.Fail(job.ErrKindWorker, "worker reported failure", err)
	case errors.Is(err, worker.ErrSpawn):
		return job.Fail(job.ErrKindWorker, "worker could not be started", err)
	default:
		return job.Fail(job.ErrKindWorker, "worker execution failed", err)
	}
}

func commitMessage(j *job.Job, result *job.WorkerResult) string {
	summary := result.Message
	if summary == "" {
		summary = fmt.Sprintf("apply %s changes", j.Skill)
	}
	return fmt.Sprintf("%s\n\nTrigger: %s\nJob: %s\n", summary, j.Trigger.Ref(), j.JobID)
}
