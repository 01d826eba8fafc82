package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/foreman/pkg/job"
	"github.com/3leaps/foreman/pkg/protocol"
)

// ExecState is the lifecycle state of one worker process run.
type ExecState string

const (
	ExecStarted   ExecState = "STARTED"
	ExecStreaming ExecState = "STREAMING"
	ExecCompleted ExecState = "COMPLETED"
	ExecFailed    ExecState = "FAILED"
	ExecTimedOut  ExecState = "TIMED_OUT"
)

// Sentinel errors surfaced to the orchestrator.
var (
	// ErrSpawn indicates the worker process could not be started.
	ErrSpawn = errors.New("worker spawn failed")

	// ErrTimeout indicates the per-skill timeout fired.
	ErrTimeout = errors.New("worker timed out")

	// ErrNoResult indicates the worker exited without a terminal result.
	ErrNoResult = errors.New("worker exited without producing a result")

	// ErrWorkerFailed indicates the worker's result reported success=false.
	ErrWorkerFailed = errors.New("worker reported failure")
)

// Execution is one worker process run. Only its Result outlives the run;
// the orchestrator copies it onto the job and discards the Execution.
type Execution struct {
	JobID         string
	Skill         job.Skill
	WorkspacePath string
	State         ExecState
	Result        *job.WorkerResult
	StartedAt     time.Time
	EndedAt       time.Time
}

// Observer receives protocol events as they arrive, before the process
// exits. Used for live-console broadcast; implementations must not block.
type Observer func(jobID string, ev *protocol.Event)

// skillTimeouts is the per-skill wall-clock budget for a worker run.
var skillTimeouts = map[job.Skill]time.Duration{
	job.SkillAnalyze:   10 * time.Minute,
	job.SkillResolve:   30 * time.Minute,
	job.SkillTest:      20 * time.Minute,
	job.SkillChallenge: 15 * time.Minute,
}

// DefaultTimeout applies to skills without a table entry.
const DefaultTimeout = 15 * time.Minute

// TimeoutFor returns the wall-clock budget for a skill.
func TimeoutFor(skill job.Skill, defaultTimeout time.Duration) time.Duration {
	if t, ok := skillTimeouts[skill]; ok {
		return t
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return DefaultTimeout
}

// Config configures the worker runner.
type Config struct {
	// Command is the worker executable. Required.
	Command string

	// Args are fixed arguments passed on every invocation.
	Args []string

	// DefaultTimeout overrides DefaultTimeout for skills without a
	// table entry. Zero keeps the built-in default.
	DefaultTimeout time.Duration
}

// Runner owns worker executions end to end: it renders the brief, spawns
// the process rooted at the job's workspace, streams protocol events to
// observers as they arrive, enforces the per-skill timeout, and extracts
// the terminal result.
type Runner struct {
	cfg       Config
	logger    *zap.Logger
	observers []Observer
}

// NewRunner creates a runner. logger must not be nil.
func NewRunner(cfg Config, logger *zap.Logger) (*Runner, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("worker command is required")
	}
	return &Runner{cfg: cfg, logger: logger}, nil
}

// Subscribe registers an observer for protocol events. Not safe to call
// concurrently with Run.
func (r *Runner) Subscribe(obs Observer) {
	r.observers = append(r.observers, obs)
}

// Run executes the worker for a claimed job and blocks until the process
// exits or the timeout fires.
//
// The returned error classifies the failure (ErrSpawn, ErrTimeout,
// ErrNoResult, ErrWorkerFailed); the Execution is returned even on error so
// callers can inspect partial state.
func (r *Runner) Run(ctx context.Context, j *job.Job) (*Execution, error) {
	exe := &Execution{
		JobID:         j.JobID,
		Skill:         j.Skill,
		WorkspacePath: j.WorkspacePath,
		State:         ExecStarted,
		StartedAt:     time.Now().UTC(),
	}

	brief, err := RenderBrief(j)
	if err != nil {
		exe.State = ExecFailed
		return exe, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	timeout := TimeoutFor(j.Skill, r.cfg.DefaultTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = j.WorkspacePath
	cmd.Stdin = strings.NewReader(brief)
	// Give the kill signal time to reap pipes before Wait force-closes them.
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		exe.State = ExecFailed
		return exe, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	var stderrTail tailBuffer
	cmd.Stderr = &stderrTail

	if err := cmd.Start(); err != nil {
		exe.State = ExecFailed
		return exe, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	r.logger.Debug("worker started",
		zap.String("job_id", j.JobID),
		zap.String("skill", string(j.Skill)),
		zap.Duration("timeout", timeout))

	result := r.stream(stdout, exe)

	waitErr := cmd.Wait()
	exe.EndedAt = time.Now().UTC()

	if runCtx.Err() == context.DeadlineExceeded {
		// The effective deadline may be the caller's, not the skill budget,
		// so report the time that actually elapsed.
		elapsed := exe.EndedAt.Sub(exe.StartedAt).Round(time.Millisecond)
		exe.State = ExecTimedOut
		exe.Result = &job.WorkerResult{
			Success: false,
			Message: fmt.Sprintf("worker killed on timeout after %s", elapsed),
		}
		return exe, fmt.Errorf("%w after %s", ErrTimeout, elapsed)
	}

	if waitErr != nil {
		exe.State = ExecFailed
		exe.Result = result
		return exe, fmt.Errorf("worker exited abnormally: %v (stderr: %s)", waitErr, stderrTail.String())
	}

	if result == nil {
		exe.State = ExecFailed
		return exe, ErrNoResult
	}

	exe.Result = result
	if !result.Success {
		exe.State = ExecCompleted
		return exe, fmt.Errorf("%w: %s", ErrWorkerFailed, result.Message)
	}

	exe.State = ExecCompleted
	return exe, nil
}

// stream dispatches worker output line by line through the protocol decoder,
// relaying events to observers in real time. It returns the last terminal
// result observed, or nil.
func (r *Runner) stream(stdout io.Reader, exe *Execution) *job.WorkerResult {
	dec := protocol.NewDecoder(func(msg string) {
		r.logger.Warn("protocol warning", zap.String("job_id", exe.JobID), zap.String("detail", msg))
	})

	var result *job.WorkerResult
	resultCount := 0

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), protocol.MaxCommandBytes*2)
	for scanner.Scan() {
		exe.State = ExecStreaming
		ev := dec.Feed(scanner.Text())
		if ev == nil {
			continue
		}
		if ev.Kind == protocol.EventResult {
			resultCount++
			result = ev.Result
			if resultCount > 1 {
				r.logger.Warn("multiple terminal results, keeping last", zap.String("job_id", exe.JobID))
			}
			continue
		}
		for _, obs := range r.observers {
			obs(exe.JobID, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("worker stream read error", zap.String("job_id", exe.JobID), zap.Error(err))
	}
	if dec.InCommand() {
		r.logger.Warn("worker stream ended mid-command", zap.String("job_id", exe.JobID))
	}
	return result
}

// tailBuffer retains the last chunk of stderr for diagnostics without
// letting a noisy worker grow it unboundedly.
type tailBuffer struct {
	buf []byte
}

const tailLimit = 4 << 10

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailLimit {
		t.buf = t.buf[len(t.buf)-tailLimit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}
