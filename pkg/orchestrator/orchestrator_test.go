package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/foreman/pkg/event"
	"github.com/3leaps/foreman/pkg/guardrail"
	"github.com/3leaps/foreman/pkg/job"
	"github.com/3leaps/foreman/pkg/queue"
	"github.com/3leaps/foreman/pkg/review"
	"github.com/3leaps/foreman/pkg/worker"
	"github.com/3leaps/foreman/pkg/workspace"
)

type stubWorkspaces struct {
	mu          sync.Mutex
	allocateErr error
	commitErr   error
	pushErr     error
	commits     []string
	pushes      []string
	dirtyAfter  bool
	snapshots   int
}

func (s *stubWorkspaces) Allocate(_ context.Context, j *job.Job) (string, string, error) {
	if s.allocateErr != nil {
		return "", "", s.allocateErr
	}
	return "/ws/" + j.JobID[:8], "foreman/" + string(j.Skill) + "/" + j.JobID[:8], nil
}

func (s *stubWorkspaces) Validate(context.Context, string) (workspace.Validation, error) {
	return workspace.Validation{SafeToRemove: true, Reason: "clean working tree"}, nil
}

func (s *stubWorkspaces) Snapshot(context.Context, string) (workspace.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots++
	// The first call is the before snapshot; later calls see worker changes.
	return workspace.Snapshot{TakenAt: time.Now(), Dirty: s.dirtyAfter && s.snapshots > 1}, nil
}

func (s *stubWorkspaces) CommitAll(_ context.Context, path, message string) (string, error) {
	if s.commitErr != nil {
		return "", s.commitErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, message)
	return "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", nil
}

func (s *stubWorkspaces) Push(_ context.Context, path, branch string) error {
	if s.pushErr != nil {
		return s.pushErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, branch)
	return nil
}

type stubRunner struct {
	result *job.WorkerResult
	err    error
	runs   int
}

func (s *stubRunner) Run(_ context.Context, j *job.Job) (*worker.Execution, error) {
	s.runs++
	if s.err != nil {
		return &worker.Execution{JobID: j.JobID, State: worker.ExecFailed}, s.err
	}
	return &worker.Execution{JobID: j.JobID, State: worker.ExecCompleted, Result: s.result}, nil
}

type stubValidator struct {
	report *guardrail.Report
}

func (s *stubValidator) Validate(context.Context, guardrail.Input) *guardrail.Report {
	if s.report != nil {
		return s.report
	}
	return &guardrail.Report{Passed: []string{guardrail.CheckDiff}}
}

type stubReviews struct {
	err   error
	calls []review.Request
}

func (s *stubReviews) OpenReviewRequest(_ context.Context, req review.Request) (review.Ref, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return review.Ref{}, s.err
	}
	return review.Ref{ID: "7", URL: "https://forge.example.com/pulls/7"}, nil
}

type fixture struct {
	queue   queue.Queue
	ws      *stubWorkspaces
	runner  *stubRunner
	guards  *stubValidator
	reviews *stubReviews
	orch    *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		queue:   queue.NewMemoryQueue(),
		ws:      &stubWorkspaces{},
		runner:  &stubRunner{result: &job.WorkerResult{Success: true, ChangesMade: true, FilesModified: []string{"main.go"}, Message: "fixed"}},
		guards:  &stubValidator{},
		reviews: &stubReviews{},
	}
	f.orch = New(cfg, f.queue, job.DefaultRouter(), f.ws, f.runner, f.guards, f.reviews, zap.NewNop())
	return f
}

// claimJob enqueues a job for eventType and claims it into processing.
func (f *fixture) claimJob(t *testing.T, eventType string) *job.Job {
	t.Helper()
	ctx := context.Background()
	j, err := job.New(event.Event{Source: event.SourceRepo, Type: eventType, DeliveryID: "d-" + eventType})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, j)
	require.NoError(t, err)
	claimed, err := f.queue.Claim(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed
}

func (f *fixture) stored(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestProcessSkipsWhenNoSkill(t *testing.T) {
	f := newFixture(t, Config{})
	j := f.claimJob(t, "issue.closed")

	f.orch.Process(context.Background(), j)

	got := f.stored(t, j.JobID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Success)
	assert.Contains(t, got.Result.Message, "skipped")
	assert.Zero(t, f.runner.runs)
	assert.Empty(t, got.WorkspacePath)
}

func TestProcessWorkspaceFailureIsFatal(t *testing.T) {
	f := newFixture(t, Config{})
	f.ws.allocateErr = errors.New("disk full")
	j := f.claimJob(t, "issue.assigned")

	f.orch.Process(context.Background(), j)

	got := f.stored(t, j.JobID)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.Error, string(job.ErrKindWorkspace))
	assert.Contains(t, got.Error, "disk full")
	assert.Zero(t, f.runner.runs)
}

func TestProcessClassifiesWorkerErrors(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantKind job.ErrorKind
	}{
		{"timeout", worker.ErrTimeout, job.ErrKindTimeout},
		{"no result", worker.ErrNoResult, job.ErrKindResult},
		{"reported failure", worker.ErrWorkerFailed, job.ErrKindWorker},
		{"spawn", worker.ErrSpawn, job.ErrKindWorker},
		{"other", errors.New("mystery"), job.ErrKindWorker},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.runner.err = tc.err
			j := f.claimJob(t, "issue.assigned")

			f.orch.Process(context.Background(), j)

			got := f.stored(t, j.JobID)
			assert.Equal(t, job.StatusFailed, got.Status)
			assert.Contains(t, got.Error, string(tc.wantKind))
		})
	}
}

func TestProcessBlockedGuardrailsRefusePublication(t *testing.T) {
	f := newFixture(t, Config{AutoCommit: true, AutoPublish: true, ReviewRepo: "acme/widgets"})
	f.guards.report = &guardrail.Report{
		Failed: []guardrail.Finding{{Check: guardrail.CheckDiff, Detail: "worker made no file changes"}},
	}
	j := f.claimJob(t, "issue.assigned")

	f.orch.Process(context.Background(), j)

	got := f.stored(t, j.JobID)
	// Blocked publication still completes the job.
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Empty(t, f.ws.commits)
	assert.Empty(t, f.ws.pushes)
	assert.Empty(t, f.reviews.calls)
	assert.Equal(t, "true", got.Metadata["guardrails_blocking"])
	assert.Contains(t, got.Metadata["guardrails"], "worker made no file changes")
}

func TestProcessFullPublication(t *testing.T) {
	f := newFixture(t, Config{AutoCommit: true, AutoPublish: true, ReviewRepo: "acme/widgets"})
	j := f.claimJob(t, "issue.assigned")

	var completed []JobCompleted
	f.orch.Notifier().Subscribe(ListenerFuncs{
		Completed: func(n JobCompleted) { completed = append(completed, n) },
	})

	f.orch.Process(context.Background(), j)

	got := f.stored(t, j.JobID)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", got.Result.CommitHash)
	assert.Equal(t, "https://forge.example.com/pulls/7", got.Result.ReviewRequestURL)
	assert.Equal(t, "7", got.Metadata["review_request_id"])
	assert.Equal(t, "true", got.Metadata["workspace_safe_to_remove"])

	require.Len(t, f.ws.commits, 1)
	assert.Contains(t, f.ws.commits[0], "fixed")
	assert.Contains(t, f.ws.commits[0], "Trigger: "+j.Trigger.Ref())
	require.Len(t, f.ws.pushes, 1)

	require.Len(t, f.reviews.calls, 1)
	req := f.reviews.calls[0]
	assert.Equal(t, "acme/widgets", req.Repo)
	assert.Equal(t, "main", req.Base)
	assert.Equal(t, "[resolve] "+j.Trigger.Ref(), req.Title)

	require.Len(t, completed, 1)
	assert.Equal(t, j.JobID, completed[0].JobID)
	assert.Equal(t, 1, completed[0].FilesChanged)
}

func TestProcessCommitOnlyWithoutAutoPublish(t *testing.T) {
	f := newFixture(t, Config{AutoCommit: true})
	j := f.claimJob(t, "issue.assigned")

	f.orch.Process(context.Background(), j)

	got := f.stored(t, j.JobID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	require.Len(t, f.ws.commits, 1)
	assert.Empty(t, f.ws.pushes)
	assert.Empty(t, f.reviews.calls)
}

func TestProcessNoCommitWhenWorkerMadeNoChanges(t *testing.T) {
	f := newFixture(t, Config{AutoCommit: true})
	f.runner.result = &job.WorkerResult{Success: true, ChangesMade: false, Message: "analysis only"}
	j := f.claimJob(t, "issue.opened")

	f.orch.Process(context.Background(), j)

	got := f.stored(t, j.JobID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Empty(t, f.ws.commits)
}

func TestProcessPublishFailureFailsJob(t *testing.T) {
	f := newFixture(t, Config{AutoCommit: true, AutoPublish: true, ReviewRepo: "acme/widgets"})
	f.ws.pushErr = errors.New("remote rejected")
	j := f.claimJob(t, "issue.assigned")

	var failed []JobFailed
	f.orch.Notifier().Subscribe(ListenerFuncs{
		Failed: func(n JobFailed) { failed = append(failed, n) },
	})

	f.orch.Process(context.Background(), j)

	got := f.stored(t, j.JobID)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.Error, string(job.ErrKindPublish))
	assert.Contains(t, got.Error, "remote rejected")

	require.Len(t, failed, 1)
	assert.Equal(t, job.ErrKindPublish, failed[0].ErrorKind)
}

func TestProcessReviewFailureFailsJob(t *testing.T) {
	f := newFixture(t, Config{AutoCommit: true, AutoPublish: true, ReviewRepo: "acme/widgets"})
	f.reviews.err = errors.New("api unavailable")
	j := f.claimJob(t, "issue.assigned")

	f.orch.Process(context.Background(), j)

	got := f.stored(t, j.JobID)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.Error, string(job.ErrKindPublish))
}

func TestProcessNilReviewsPushesWithoutRequest(t *testing.T) {
	f := newFixture(t, Config{AutoCommit: true, AutoPublish: true, ReviewRepo: "acme/widgets"})
	f.orch.reviews = nil
	j := f.claimJob(t, "issue.assigned")

	f.orch.Process(context.Background(), j)

	got := f.stored(t, j.JobID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	require.Len(t, f.ws.pushes, 1)
	assert.Empty(t, got.Metadata["review_request_id"])
}

func TestRunProcessesUntilCanceled(t *testing.T) {
	f := newFixture(t, Config{Workers: 2, ClaimTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		j, err := job.New(event.Event{Source: event.SourceRepo, Type: "issue.assigned", DeliveryID: "run-" + string(rune('a'+i))})
		require.NoError(t, err)
		_, err = f.queue.Enqueue(ctx, j)
		require.NoError(t, err)
		ids = append(ids, j.JobID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = f.orch.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			j, err := f.queue.Get(ctx, id)
			if err != nil || !j.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestRecoverySweepMarksOrphans(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	j, err := job.New(event.Event{Source: event.SourceRepo, Type: "issue.assigned", DeliveryID: "orphan-1"})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, j)
	require.NoError(t, err)
	claimed, err := f.queue.Claim(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	f.orch.RecoverySweep(ctx)

	got := f.stored(t, j.JobID)
	// Still processing: orphans are flagged, never re-queued.
	assert.Equal(t, job.StatusProcessing, got.Status)
	assert.Equal(t, "true", got.Metadata["orphaned"])
	assert.NotEmpty(t, got.Metadata["orphaned_at"])
}

func TestNotifierFansOutToAllListeners(t *testing.T) {
	n := &Notifier{}
	var a, b int
	n.Subscribe(ListenerFuncs{Completed: func(JobCompleted) { a++ }})
	n.Subscribe(ListenerFuncs{Completed: func(JobCompleted) { b++ }})

	n.completed(JobCompleted{JobID: "x"})
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}
