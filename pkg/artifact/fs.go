package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3leaps/foreman/pkg/job"
)

// FSArchiver stores artifact bundles as files under a local root directory.
// It is the default backend when no object store is configured.
type FSArchiver struct {
	root   string
	prefix string
}

var _ Archiver = (*FSArchiver)(nil)

// NewFS creates a filesystem archiver rooted at root.
func NewFS(root, prefix string) (*FSArchiver, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact: filesystem root is required")
	}
	if prefix == "" {
		prefix = "foreman"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("artifact: create root: %w", err)
	}
	return &FSArchiver{root: root, prefix: prefix}, nil
}

// ArchiveJob writes the bundle under <root>/<prefix>/<day>/<job-id>/. Each
// file is written to a temp name and renamed so readers never see partial
// content.
func (a *FSArchiver) ArchiveJob(ctx context.Context, j *job.Job) ([]string, error) {
	if err := validateJob(j); err != nil {
		return nil, err
	}
	entries, err := bundle(j)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return keys, err
		}
		key := objectKey(a.prefix, j, e.Name)
		dest := filepath.Join(a.root, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			return keys, fmt.Errorf("artifact: create dir: %w", err)
		}
		tmp := dest + ".tmp"
		if err := os.WriteFile(tmp, e.Body, 0o600); err != nil {
			return keys, fmt.Errorf("artifact: write %s: %w", key, err)
		}
		if err := os.Rename(tmp, dest); err != nil {
			_ = os.Remove(tmp)
			return keys, fmt.Errorf("artifact: finalize %s: %w", key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Close satisfies Archiver.
func (a *FSArchiver) Close() error {
	return nil
}
