package workspace

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/foreman/pkg/job"
)

// GitConfig configures the git-backed workspace manager.
type GitConfig struct {
	// Root is the directory workspaces are allocated under.
	Root string

	// SourceRepo is the repository cloned into each workspace. Local paths
	// clone cheaply via hardlinks; remote URLs work but are slower.
	SourceRepo string

	// BaseBranch is the branch new job branches fork from. Default: main.
	BaseBranch string

	// BranchPrefix namespaces job branches. Default: foreman.
	BranchPrefix string
}

// Git allocates, inspects, and removes per-job git checkouts by shelling
// out to the git CLI.
type Git struct {
	cfg GitConfig
}

// NewGit creates a git workspace manager, creating the root if needed.
func NewGit(cfg GitConfig) (*Git, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if strings.TrimSpace(cfg.SourceRepo) == "" {
		return nil, fmt.Errorf("source repo is required")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "foreman"
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Git{cfg: cfg}, nil
}

// Allocate clones the source repo into a fresh directory and creates the
// job's branch. The (path, branch) pair is assigned to a job exactly once.
func (g *Git) Allocate(ctx context.Context, j *job.Job) (string, string, error) {
	short := j.JobID
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("%s-%s", short, j.Skill)
	path := filepath.Join(g.cfg.Root, name)
	branch := fmt.Sprintf("%s/%s/%s", g.cfg.BranchPrefix, j.Skill, short)

	if _, err := os.Stat(path); err == nil {
		return "", "", fmt.Errorf("workspace %s already exists", path)
	}

	if _, err := g.git(ctx, g.cfg.Root, "clone", "--branch", g.cfg.BaseBranch, g.cfg.SourceRepo, path); err != nil {
		return "", "", fmt.Errorf("clone source repo: %w", err)
	}
	if _, err := g.git(ctx, path, "checkout", "-b", branch); err != nil {
		_ = os.RemoveAll(path)
		return "", "", fmt.Errorf("create job branch: %w", err)
	}
	return path, branch, nil
}

// Validate runs a non-destructive check of a workspace. A clean tree is
// safe to remove; uncommitted changes or unresolved conflicts are not.
func (g *Git) Validate(ctx context.Context, path string) (Validation, error) {
	if err := g.inRoot(path); err != nil {
		return Validation{}, err
	}

	out, err := g.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return Validation{}, fmt.Errorf("git status: %w", err)
	}

	lines := splitLines(out)
	for _, line := range lines {
		if strings.HasPrefix(line, "UU ") || strings.HasPrefix(line, "AA ") {
			return Validation{
				SafeToRemove: false,
				Reason:       "unresolved merge conflicts",
				StatusLines:  lines,
			}, nil
		}
	}
	if len(lines) > 0 {
		return Validation{
			SafeToRemove: false,
			Reason:       fmt.Sprintf("%d uncommitted changes", len(lines)),
			StatusLines:  lines,
		}, nil
	}
	return Validation{SafeToRemove: true, Reason: "clean working tree"}, nil
}

// Remove deletes a workspace after revalidating it. It refuses removal when
// validation reports the tree unsafe.
func (g *Git) Remove(ctx context.Context, path string) error {
	v, err := g.Validate(ctx, path)
	if err != nil {
		return err
	}
	if !v.SafeToRemove {
		return fmt.Errorf("%w: %s", ErrUnsafeRemoval, v.Reason)
	}
	return os.RemoveAll(path)
}

// ForceRemove deletes a workspace without the safety validation. Uncommitted
// work is discarded. The root containment check still applies.
func (g *Git) ForceRemove(ctx context.Context, path string) error {
	if err := g.inRoot(path); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// Snapshot captures file/line counts and tree dirtiness for audit.
// The .git directory is excluded.
func (g *Git) Snapshot(ctx context.Context, path string) (Snapshot, error) {
	snap := Snapshot{TakenAt: time.Now().UTC()}

	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		snap.FileCount++
		n, err := countLines(p)
		if err != nil {
			return nil // unreadable file is not fatal to a snapshot
		}
		snap.LineCount += n
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("walk workspace: %w", err)
	}

	out, err := g.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return Snapshot{}, fmt.Errorf("git status: %w", err)
	}
	snap.Dirty = len(splitLines(out)) > 0
	return snap, nil
}

// CommitAll stages everything and commits, returning the new commit hash.
func (g *Git) CommitAll(ctx context.Context, path, message string) (string, error) {
	if _, err := g.git(ctx, path, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add: %w", err)
	}
	if _, err := g.git(ctx, path, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit: %w", err)
	}
	hash, err := g.git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return strings.TrimSpace(hash), nil
}

// Push publishes the job branch to the origin remote.
func (g *Git) Push(ctx context.Context, path, branch string) error {
	if _, err := g.git(ctx, path, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("git push: %w", err)
	}
	return nil
}

func (g *Git) inRoot(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	root, err := filepath.Abs(g.cfg.Root)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return nil
}

func (g *Git) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %v: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		n++
	}
	return n, scanner.Err()
}
