// Package cmd implements the foreman CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/foreman/internal/config"
	"github.com/3leaps/foreman/internal/logging"
	"github.com/3leaps/foreman/pkg/job"
	"github.com/3leaps/foreman/pkg/queue"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build-time version metadata (set via ldflags).
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Autonomous job orchestration for repository and board events",
	Long: `Foreman turns external triggers (issue events, board card moves) into
queued jobs, executes each one in an isolated git workspace via a spawned
worker process, validates the outcome with guardrails, and publishes
approved changes as review requests.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: foreman.yaml in cwd or app data dir)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override log level: debug, info, warn, error")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var coded *codedError
		if errors.As(err, &coded) {
			return coded.code
		}
		return 1
	}
	return 0
}

// codedError carries a foundry exit code up to Execute.
type codedError struct {
	code    int
	message string
	err     error
}

func (e *codedError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *codedError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &codedError{code: code, message: message, err: err}
}

// loadConfig loads configuration honoring the --config and --log-level flags.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx, flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	return cfg, nil
}

// buildLogger constructs the process logger from config.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Logging.Level, cfg.Logging.Profile)
}

// buildQueue constructs the configured queue backend.
func buildQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "sqlite":
		return queue.OpenStore(ctx, queue.SQLiteConfig{Path: cfg.Queue.Path})
	case "file":
		return queue.NewFileQueue(cfg.Queue.Path)
	case "memory":
		return queue.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// buildRouter constructs the skill router with any configured overrides.
func buildRouter(cfg *config.Config) (*job.Router, error) {
	router := job.DefaultRouter()
	if cfg.Skills.OverridesPath != "" {
		if err := router.LoadOverrides(cfg.Skills.OverridesPath); err != nil {
			return nil, err
		}
	}
	return router, nil
}
