package guardrail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Check names as they appear in reports and job metadata.
const (
	CheckDiff   = "diff"
	CheckSyntax = "syntax"
	CheckTest   = "test"
)

// checkDiff (blocking) fails when the worker made no file changes at all.
func (p *Pipeline) checkDiff(in Input, report *Report) {
	changed := in.After.Dirty || (in.Result != nil && in.Result.FilesChanged() > 0)
	if !changed {
		report.fail(CheckDiff, "worker made no file changes")
		return
	}
	// A dirty tree alone can carry the check; the result may be absent.
	if in.Result != nil {
		report.meta("files_changed", in.Result.FilesChanged())
	}
	report.meta("line_delta", in.After.LineCount-in.Before.LineCount)
	report.pass(CheckDiff)
}

// checkSyntax (blocking) parses every touched file of a known language.
// One parse failure fails the whole check with file:line diagnostics.
func (p *Pipeline) checkSyntax(in Input, report *Report) {
	if in.Result == nil {
		report.skip(CheckSyntax, "no worker result")
		return
	}

	var candidates []string
	for _, rel := range in.Result.TouchedFiles() {
		for _, pattern := range p.cfg.SyntaxGlobs {
			ok, err := doublestar.Match(pattern, rel)
			if err != nil {
				report.warnf("syntax glob %q: %v", pattern, err)
				continue
			}
			if ok {
				candidates = append(candidates, rel)
				break
			}
		}
	}
	if len(candidates) == 0 {
		report.skip(CheckSyntax, "no source files of a known language changed")
		return
	}

	var diagnostics []string
	for _, rel := range candidates {
		path := filepath.Join(in.WorkspacePath, rel)
		if diag := parseFile(path, rel); diag != "" {
			diagnostics = append(diagnostics, diag)
		}
	}
	if len(diagnostics) > 0 {
		report.fail(CheckSyntax, strings.Join(diagnostics, "; "))
		report.meta("syntax_diagnostics", diagnostics)
		return
	}
	report.meta("files_parsed", len(candidates))
	report.pass(CheckSyntax)
}

// parseFile validates one file by extension, returning a file:line
// diagnostic or "" when the file parses.
func parseFile(path, rel string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("%s: unreadable: %v", rel, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		fset := token.NewFileSet()
		if _, err := parser.ParseFile(fset, rel, data, parser.AllErrors); err != nil {
			return firstLine(err.Error())
		}
	case ".json":
		if !json.Valid(data) {
			// json.Valid has no position info; re-decode for the offset.
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				return fmt.Sprintf("%s: %v", rel, err)
			}
		}
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return fmt.Sprintf("%s: %v", rel, firstLine(err.Error()))
		}
	}
	return ""
}

// checkTests (non-blocking) runs the project test suite when the workspace
// has test files. Failures are recorded in metadata, never block.
func (p *Pipeline) checkTests(ctx context.Context, in Input, report *Report) {
	if len(p.cfg.TestCommand) == 0 {
		report.skip(CheckTest, "no test command configured")
		return
	}

	hasTests := false
	for _, pattern := range p.cfg.TestGlobs {
		matches, err := doublestar.Glob(os.DirFS(in.WorkspacePath), pattern)
		if err != nil {
			report.warnf("test glob %q: %v", pattern, err)
			continue
		}
		if len(matches) > 0 {
			hasTests = true
			break
		}
	}
	if !hasTests {
		report.skip(CheckTest, "no test files present")
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.TestTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.cfg.TestCommand[0], p.cfg.TestCommand[1:]...)
	cmd.Dir = in.WorkspacePath
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	passed, failed, failing := summarizeTestOutput(out.String())
	report.meta("tests_passed", passed)
	report.meta("tests_failed", failed)
	if len(failing) > 0 {
		report.meta("failing_tests", failing)
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		report.warnf("test run timed out after %s", p.cfg.TestTimeout)
	case err != nil:
		report.warnf("test run failed: %v", err)
	default:
		report.pass(CheckTest)
		return
	}
	// Non-blocking: a failed or timed-out run is advisory only.
	report.meta("test_check_advisory", true)
}

// summarizeTestOutput extracts pass/fail counts and failing test names from
// `go test`-style output. Best effort; unknown formats yield zero counts.
func summarizeTestOutput(out string) (passed, failed int, failing []string) {
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "--- PASS: "):
			passed++
		case strings.HasPrefix(trimmed, "--- FAIL: "):
			failed++
			fields := strings.Fields(trimmed)
			if len(fields) >= 3 {
				failing = append(failing, fields[2])
			}
		}
	}
	return passed, failed, failing
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
