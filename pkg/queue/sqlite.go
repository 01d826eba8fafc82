package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/foreman/pkg/job"
)

// SQLiteConfig configures the SQLite-backed job store.
type SQLiteConfig struct {
	// Path is a local filesystem path to the queue database.
	// If set, it is converted into a libsql-compatible DSN (file:<path>).
	Path string

	// URL is a libsql/Turso URL, e.g. libsql://your-db.turso.io.
	// Remote URLs require a cgo-enabled build.
	URL string

	// AuthToken is appended to URL-based DSNs as authToken=... when not
	// already present.
	AuthToken string
}

// Store is the SQLite-backed queue variant.
//
// The claim uses the optimistic claim-and-verify pattern: select the oldest
// pending row, then conditionally update it to processing and check the
// affected-row count. A zero count means another claimant won the race and
// selection retries. This holds across processes sharing one database file;
// no lock manager is involved.
type Store struct {
	db *sql.DB
}

var _ Queue = (*Store)(nil)

const schemaVersion = 1

// timeLayout is fixed-width (nine fractional digits) so lexicographic
// ordering of the TEXT columns matches chronological order. RFC3339Nano
// trims trailing zeros, which makes "…05.12Z" sort after "…05.123Z".
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// OpenStore opens (and creates if needed) the queue database and applies
// the schema.
func OpenStore(ctx context.Context, cfg SQLiteConfig) (*Store, error) {
	db, err := openQueueDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			total_enqueued INTEGER NOT NULL DEFAULT 0
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			correlation_id TEXT,
			created_at TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending','processing','completed','failed')),
			trigger TEXT NOT NULL,
			skill TEXT,
			workspace_path TEXT,
			branch_name TEXT,
			autonomy TEXT,
			metadata TEXT,
			result TEXT,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs(status, created_at);`,

		`CREATE TABLE IF NOT EXISTS deliveries (
			delivery_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			processed_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_processed_at ON deliveries(processed_at);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current != schemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, schemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (s *Store) Enqueue(ctx context.Context, j *job.Job) (string, error) {
	stored := cloneJob(j)
	stored.Status = job.StatusPending

	cols, err := encodeJob(stored)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM deliveries WHERE delivery_id = ?`, stored.Trigger.DeliveryID).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("check delivery: %w", err)
	}
	if exists > 0 {
		return "", ErrDuplicateDelivery
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO jobs
		(job_id, correlation_id, created_at, status, trigger, skill, workspace_path, branch_name, autonomy, metadata, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.JobID, stored.CorrelationID, cols.createdAt, string(stored.Status),
		cols.trigger, string(stored.Skill), stored.WorkspacePath, stored.BranchName,
		string(stored.Autonomy), cols.metadata, cols.result, stored.Error)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO deliveries (delivery_id, job_id, processed_at) VALUES (?, ?, ?)`,
		stored.Trigger.DeliveryID, stored.JobID, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("insert delivery record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET total_enqueued = total_enqueued + 1 WHERE id=1`); err != nil {
		return "", fmt.Errorf("bump enqueue counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit enqueue tx: %w", err)
	}
	return stored.JobID, nil
}

func (s *Store) Claim(ctx context.Context, timeout time.Duration) (*job.Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		j, err := s.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if j != nil {
			return j, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(DefaultClaimPoll):
		}
	}
}

func (s *Store) tryClaim(ctx context.Context) (*job.Job, error) {
	for {
		var jobID string
		err := s.db.QueryRowContext(ctx,
			`SELECT job_id FROM jobs WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1`).Scan(&jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select pending job: %w", err)
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'processing' WHERE job_id = ? AND status = 'pending'`, jobID)
		if err != nil {
			return nil, fmt.Errorf("claim update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim rows affected: %w", err)
		}
		if affected == 0 {
			continue // another claimant won; reselect
		}
		return s.Get(ctx, jobID)
	}
}

func (s *Store) Complete(ctx context.Context, jobID string, result *job.WorkerResult) error {
	resultJSON := []byte("null")
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = b
	}
	return s.finish(ctx, jobID, job.StatusCompleted,
		`UPDATE jobs SET status = 'completed', result = ? WHERE job_id = ? AND status = 'processing'`,
		string(resultJSON), jobID)
}

func (s *Store) Fail(ctx context.Context, jobID string, jobErr error) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return s.finish(ctx, jobID, job.StatusFailed,
		`UPDATE jobs SET status = 'failed', error = ? WHERE job_id = ? AND status = 'processing'`,
		msg, jobID)
}

func (s *Store) finish(ctx context.Context, jobID string, _ job.Status, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish rows affected: %w", err)
	}
	if affected == 0 {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE job_id = ?`, jobID).Scan(&count); err != nil {
			return fmt.Errorf("check job existence: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrBadTransition
	}
	return nil
}

func (s *Store) Update(ctx context.Context, j *job.Job) error {
	cols, err := encodeJob(j)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
		skill = ?, workspace_path = ?, branch_name = ?, autonomy = ?, metadata = ?
		WHERE job_id = ?`,
		string(j.Skill), j.WorkspacePath, j.BranchName, string(j.Autonomy), cols.metadata, j.JobID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		job_id, correlation_id, created_at, status, trigger, skill,
		workspace_path, branch_name, autonomy, metadata, result, error
		FROM jobs WHERE job_id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *Store) List(ctx context.Context) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		job_id, correlation_id, created_at, status, trigger, skill,
		workspace_path, branch_name, autonomy, metadata, result, error
		FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) ExistsByDelivery(ctx context.Context, deliveryID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM deliveries WHERE delivery_id = ?`, deliveryID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return count > 0, nil
}

func (s *Store) MarkDeliveryProcessed(ctx context.Context, deliveryID, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (delivery_id, job_id, processed_at) VALUES (?, ?, ?)
		 ON CONFLICT(delivery_id) DO NOTHING`,
		deliveryID, jobID, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("mark delivery processed: %w", err)
	}
	return nil
}

func (s *Store) Metrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return Metrics{}, fmt.Errorf("count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Metrics{}, err
		}
		switch job.Status(status) {
		case job.StatusPending:
			m.QueueSize = count
		case job.StatusProcessing:
			m.ProcessingCount = count
		case job.StatusCompleted:
			m.CompletedCount = count
		case job.StatusFailed:
			m.FailedCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return Metrics{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT total_enqueued FROM schema_meta WHERE id=1`).Scan(&m.TotalEnqueued); err != nil {
		return Metrics{}, fmt.Errorf("read enqueue counter: %w", err)
	}
	if done := m.CompletedCount + m.FailedCount; done > 0 {
		m.SuccessRate = float64(m.CompletedCount) / float64(done)
	}
	return m, nil
}

func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ('completed','failed') AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}

	deliveryCutoff := time.Now().Add(-DeliveryRetention).UTC().Format(timeLayout)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE processed_at < ?`, deliveryCutoff); err != nil {
		return int(removed), fmt.Errorf("cleanup deliveries: %w", err)
	}
	return int(removed), nil
}

func (s *Store) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum queue db: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Orphaned returns the processing jobs left behind by a previous process.
// The startup recovery sweep logs each; nothing is reclaimed automatically.
func (s *Store) Orphaned(ctx context.Context) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		job_id, correlation_id, created_at, status, trigger, skill,
		workspace_path, branch_name, autonomy, metadata, result, error
		FROM jobs WHERE status = 'processing' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

type encodedJob struct {
	createdAt string
	trigger   string
	metadata  string
	result    string
}

func encodeJob(j *job.Job) (encodedJob, error) {
	trigger, err := json.Marshal(j.Trigger)
	if err != nil {
		return encodedJob{}, fmt.Errorf("marshal trigger: %w", err)
	}
	metadata, err := json.Marshal(j.Metadata)
	if err != nil {
		return encodedJob{}, fmt.Errorf("marshal metadata: %w", err)
	}
	result := []byte("null")
	if j.Result != nil {
		if result, err = json.Marshal(j.Result); err != nil {
			return encodedJob{}, fmt.Errorf("marshal result: %w", err)
		}
	}
	return encodedJob{
		createdAt: j.CreatedAt.UTC().Format(timeLayout),
		trigger:   string(trigger),
		metadata:  string(metadata),
		result:    string(result),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var j job.Job
	var createdAt, status, skill, autonomy string
	var correlation, workspacePath, branchName, metadata, trigger, result, jobErr sql.NullString

	err := row.Scan(&j.JobID, &correlation, &createdAt, &status, &trigger, &skill,
		&workspacePath, &branchName, &autonomy, &metadata, &result, &jobErr)
	if err != nil {
		return nil, err
	}

	j.CorrelationID = correlation.String
	j.Status = job.Status(status)
	j.Skill = job.Skill(skill)
	j.WorkspacePath = workspacePath.String
	j.BranchName = branchName.String
	j.Autonomy = job.AutonomyLevel(autonomy)
	j.Error = jobErr.String

	// RFC3339Nano parsing accepts any fractional width, covering both the
	// fixed-width layout and rows written before it.
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if trigger.Valid && trigger.String != "" {
		if err := json.Unmarshal([]byte(trigger.String), &j.Trigger); err != nil {
			return nil, fmt.Errorf("parse trigger: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &j.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	if result.Valid && result.String != "" && result.String != "null" {
		j.Result = &job.WorkerResult{}
		if err := json.Unmarshal([]byte(result.String), j.Result); err != nil {
			return nil, fmt.Errorf("parse result: %w", err)
		}
	}
	return &j, nil
}

func buildQueueDSN(cfg SQLiteConfig) (string, error) {
	if u := strings.TrimSpace(cfg.URL); u != "" {
		if strings.TrimSpace(cfg.AuthToken) != "" && !strings.Contains(u, "authToken=") {
			sep := "?"
			if strings.Contains(u, "?") {
				sep = "&"
			}
			u = u + sep + "authToken=" + cfg.AuthToken
		}
		return u, nil
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("queue store path or url is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "file:") || strings.HasPrefix(path, "libsql:") {
		return path, nil
	}
	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	if dsn == ":memory:" || !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	// Keep a single connection and use WAL to reduce lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}
