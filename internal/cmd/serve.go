package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/foreman/internal/config"
	"github.com/3leaps/foreman/internal/server"
	"github.com/3leaps/foreman/internal/server/handlers"
	"github.com/3leaps/foreman/pkg/artifact"
	"github.com/3leaps/foreman/pkg/guardrail"
	"github.com/3leaps/foreman/pkg/orchestrator"
	"github.com/3leaps/foreman/pkg/queue"
	"github.com/3leaps/foreman/pkg/review"
	"github.com/3leaps/foreman/pkg/worker"
	"github.com/3leaps/foreman/pkg/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingress server and orchestration pool",
	Long: `Start the HTTP ingress server and the orchestration pool.

The server accepts events on POST /events/{source}, deduplicates them by
delivery id, and enqueues jobs. The pool claims pending jobs and drives
each through workspace allocation, worker execution, guardrail validation,
and gated publication.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	q, err := buildQueue(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open job queue", err)
	}
	defer func() { _ = q.Close() }()

	router, err := buildRouter(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid skill routing overrides", err)
	}

	if cfg.Workspace.SourceRepo == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing workspace.source_repo",
			fmt.Errorf("serve requires a source repository to clone workspaces from"))
	}
	ws, err := workspace.NewGit(workspace.GitConfig{
		Root:         cfg.Workspace.Root,
		SourceRepo:   cfg.Workspace.SourceRepo,
		BaseBranch:   cfg.Workspace.BaseBranch,
		BranchPrefix: cfg.Workspace.BranchPrefix,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid workspace configuration", err)
	}

	runner, err := worker.NewRunner(worker.Config{
		Command:        cfg.Worker.Command,
		Args:           cfg.Worker.Args,
		DefaultTimeout: cfg.Worker.DefaultTimeout,
	}, logger.Named("worker"))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid worker configuration", err)
	}

	guards := guardrail.New(guardrail.Config{
		SyntaxGlobs: cfg.Guardrail.SyntaxGlobs,
		TestCommand: cfg.Guardrail.TestCommand,
		TestGlobs:   cfg.Guardrail.TestGlobs,
		TestTimeout: cfg.Guardrail.TestTimeout,
	}, logger.Named("guardrail"))

	var reviews review.Opener
	if cfg.Review.BaseURL != "" {
		client, err := review.NewClient(review.Config{
			BaseURL: cfg.Review.BaseURL,
			Token:   cfg.Review.Token,
			Timeout: cfg.Review.Timeout,
		})
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid review API configuration", err)
		}
		reviews = client
	}

	orch := orchestrator.New(orchestrator.Config{
		Workers:      cfg.Orchestrator.Workers,
		ClaimTimeout: cfg.Orchestrator.ClaimTimeout,
		AutoCommit:   cfg.Orchestrator.AutoCommit,
		AutoPublish:  cfg.Orchestrator.AutoPublish,
		ReviewRepo:   cfg.Orchestrator.ReviewRepo,
		ReviewBase:   cfg.Orchestrator.ReviewBase,
	}, q, router, ws, runner, guards, reviews, logger.Named("orchestrator"))

	archiver, err := buildArchiver(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize artifact archiver", err)
	}
	if archiver != nil {
		defer func() { _ = archiver.Close() }()
		subscribeArchiver(orch, q, archiver, logger.Named("artifact"))
	}

	health := handlers.NewHealthManager(versionInfo.Version)
	health.RegisterChecker("queue", handlers.CheckerFunc(func(ctx context.Context) error {
		_, err := q.Metrics(ctx)
		return err
	}))
	health.RegisterChecker("workspace_root", handlers.CheckerFunc(func(ctx context.Context) error {
		_, err := os.Stat(cfg.Workspace.Root)
		return err
	}))

	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
	}, server.Deps{
		Queue:     q,
		Health:    health,
		Logger:    logger.Named("server"),
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
	})

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Start()
	}()
	go func() {
		errCh <- orch.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			stop()
			_ = srv.Shutdown(context.Background())
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
	}

	stop()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warn("server shutdown incomplete", zap.Error(err))
	}
	// Wait for the pool to finish in-flight jobs.
	<-errCh
	logger.Info("shutdown complete")
	return nil
}

// buildArchiver constructs the configured artifact backend, or nil when
// archiving is disabled.
func buildArchiver(ctx context.Context, cfg *config.Config) (artifact.Archiver, error) {
	switch cfg.Artifact.Backend {
	case "none", "":
		return nil, nil
	case "fs":
		return artifact.NewFS(cfg.Artifact.Root, cfg.Artifact.Prefix)
	case "s3":
		return artifact.NewS3(ctx, artifact.S3Config{
			Bucket:         cfg.Artifact.Bucket,
			Prefix:         cfg.Artifact.Prefix,
			Region:         cfg.Artifact.Region,
			Endpoint:       cfg.Artifact.Endpoint,
			Profile:        cfg.Artifact.Profile,
			ForcePathStyle: cfg.Artifact.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Artifact.Backend)
	}
}

// subscribeArchiver archives every finished job. Archive failures are logged,
// never propagated: archiving is best-effort and must not affect job state.
func subscribeArchiver(orch *orchestrator.Orchestrator, q queue.Queue, arch artifact.Archiver, logger *zap.Logger) {
	archive := func(jobID string) {
		ctx := context.Background()
		j, err := q.Get(ctx, jobID)
		if err != nil {
			logger.Warn("archive skipped, job not found", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		keys, err := arch.ArchiveJob(ctx, j)
		if err != nil {
			logger.Warn("archive failed", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		logger.Info("job archived", zap.String("job_id", jobID), zap.Int("objects", len(keys)))
	}
	orch.Notifier().Subscribe(orchestrator.ListenerFuncs{
		Completed: func(n orchestrator.JobCompleted) { archive(n.JobID) },
		Failed:    func(n orchestrator.JobFailed) { archive(n.JobID) },
	})
}
