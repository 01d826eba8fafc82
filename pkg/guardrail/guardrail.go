// Package guardrail runs the post-execution validation pipeline that gates
// publication (commit, push, review request).
//
// Three checks run in fixed order: diff presence (blocking), syntax
// validity (blocking), and the project test suite (non-blocking). A check
// with no applicable input is a skip, not a failure.
package guardrail

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/foreman/pkg/job"
	"github.com/3leaps/foreman/pkg/workspace"
)

// Finding is one blocking failure from a check.
type Finding struct {
	Check  string `json:"check"`
	Detail string `json:"detail"`
}

// Report is the outcome of one pipeline run. A non-empty Failed list means
// publication is refused; the job itself still completes.
type Report struct {
	Passed   []string       `json:"passed,omitempty"`
	Skipped  []string       `json:"skipped,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Failed   []Finding      `json:"failed,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Blocking reports whether any blocking check failed.
func (r *Report) Blocking() bool {
	return len(r.Failed) > 0
}

func (r *Report) pass(check string) {
	r.Passed = append(r.Passed, check)
}

func (r *Report) skip(check, reason string) {
	r.Skipped = append(r.Skipped, check)
	r.meta(check+"_skipped", reason)
}

func (r *Report) fail(check, detail string) {
	r.Failed = append(r.Failed, Finding{Check: check, Detail: detail})
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Report) meta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = value
}

// Input is everything a pipeline run may inspect.
type Input struct {
	WorkspacePath string
	Result        *job.WorkerResult
	Before        workspace.Snapshot
	After         workspace.Snapshot
}

// Config configures the pipeline.
type Config struct {
	// SyntaxGlobs selects which touched files the syntax check parses,
	// keyed to known languages. Defaults cover Go, JSON, and YAML.
	SyntaxGlobs []string

	// TestCommand is the project test invocation, run from the workspace
	// root when test files are present. Empty disables the test check.
	TestCommand []string

	// TestTimeout bounds the test subprocess. Default: 5m.
	TestTimeout time.Duration

	// TestGlobs detect whether the project has tests at all.
	TestGlobs []string
}

func (c *Config) applyDefaults() {
	if len(c.SyntaxGlobs) == 0 {
		c.SyntaxGlobs = []string{"**/*.go", "**/*.json", "**/*.yaml", "**/*.yml"}
	}
	if c.TestTimeout <= 0 {
		c.TestTimeout = 5 * time.Minute
	}
	if len(c.TestGlobs) == 0 {
		c.TestGlobs = []string{"**/*_test.go", "tests/**", "test/**"}
	}
}

// Pipeline runs the checks in fixed order.
type Pipeline struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a pipeline.
func New(cfg Config, logger *zap.Logger) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{cfg: cfg, logger: logger}
}

// Validate runs all checks and returns the combined report. Checks never
// abort each other; a diff failure still lets the syntax check run so the
// report carries every diagnostic at once.
func (p *Pipeline) Validate(ctx context.Context, in Input) *Report {
	report := &Report{}

	p.checkDiff(in, report)
	p.checkSyntax(in, report)
	p.checkTests(ctx, in, report)

	p.logger.Info("guardrail validation finished",
		zap.Strings("passed", report.Passed),
		zap.Strings("skipped", report.Skipped),
		zap.Int("failed", len(report.Failed)),
		zap.Int("warnings", len(report.Warnings)))
	return report
}
