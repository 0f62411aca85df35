package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/shotfolio/internal/common"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS screenshot_jobs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		start_time TEXT NOT NULL,
		end_time TEXT,
		error_message TEXT,
		callback_url TEXT
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// CreateJob writes job as pending with zero progress, replacing a previous
// terminal record with the same id. An active record yields ErrJobActive.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if job.RunID == "" {
		return errors.New("job.RunID is required")
	}
	if job.Total < 0 {
		return fmt.Errorf("job.Total must not be negative: %d", job.Total)
	}
	if job.StartTime.IsZero() {
		job.StartTime = time.Now().UTC()
	}
	job.Status = StatusPending
	job.Progress = 0
	job.EndTime = nil
	job.Error = nil
	var cb *string
	if job.CallbackURL != nil && *job.CallbackURL != "" {
		cb = job.CallbackURL
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO screenshot_jobs (id, run_id, status, progress, total, start_time, end_time, error_message, callback_url)
		 VALUES (?, ?, ?, 0, ?, ?, NULL, NULL, ?)
		 ON CONFLICT(id) DO UPDATE SET
			run_id = excluded.run_id, status = excluded.status, progress = 0, total = excluded.total,
			start_time = excluded.start_time, end_time = NULL, error_message = NULL, callback_url = excluded.callback_url
		 WHERE screenshot_jobs.status IN (?, ?)`,
		job.ID, job.RunID, string(StatusPending), job.Total, formatTime(job.StartTime), cb,
		string(StatusCompleted), string(StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrJobActive, job.ID)
	}
	return nil
}

// UpdateStatus advances the job to status; terminal statuses stamp the end time.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status, at time.Time) error {
	from := predecessors[status]
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing advances to %s", ErrInvalidTransition, status)
	}
	var end *string
	if status.Terminal() {
		ts := formatTime(at)
		end = &ts
	}
	args := []any{string(status), end, id}
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE screenshot_jobs SET status = ?, end_time = COALESCE(?, end_time)
		 WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return s.checkAffected(ctx, res, id, "advance to "+string(status))
}

// UpdateProgress sets progress on a processing job. Progress never decreases
// and never exceeds total.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE screenshot_jobs SET progress = ?
		 WHERE id = ? AND status = ? AND progress <= ? AND ? <= total`,
		progress, id, string(StatusProcessing), progress, progress,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return s.checkAffected(ctx, res, id, fmt.Sprintf("set progress %d", progress))
}

// SaveError marks an active job failed with errMsg.
func (s *SQLiteStore) SaveError(ctx context.Context, id string, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE screenshot_jobs
		SET error_message = ?, status = ?, end_time = ?
		WHERE id = ? AND status IN (?, ?)`,
		errMsg, string(StatusFailed), formatTime(at), id, string(StatusPending), string(StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("save error: %w", err)
	}
	return s.checkAffected(ctx, res, id, "fail")
}

// FailInterrupted marks every pending or processing job failed. It is run at
// startup, when no worker can still own those records.
func (s *SQLiteStore) FailInterrupted(ctx context.Context, errMsg string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE screenshot_jobs
		SET error_message = ?, status = ?, end_time = ?
		WHERE status IN (?, ?)`,
		errMsg, string(StatusFailed), formatTime(at), string(StatusPending), string(StatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail interrupted jobs: %w", err)
	}
	return int(n), nil
}

// checkAffected tells a missing job apart from a rejected transition.
func (s *SQLiteStore) checkAffected(ctx context.Context, res sql.Result, id, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s from %s (progress %d/%d)", ErrInvalidTransition, op, job.Status, job.Progress, job.Total)
}

const selectColumns = `SELECT id, run_id, status, progress, total, start_time, end_time, error_message, callback_url
	FROM screenshot_jobs`

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns all job records, most recently started first.
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY start_time DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var status, start string
	var end, errMsg, cb sql.NullString
	if err := row.Scan(
		&job.ID,
		&job.RunID,
		&status,
		&job.Progress,
		&job.Total,
		&start,
		&end,
		&errMsg,
		&cb,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Status = Status(status)
	if t, err := time.Parse(time.RFC3339Nano, start); err == nil {
		job.StartTime = t
	}
	if end.Valid {
		if t, err := time.Parse(time.RFC3339Nano, end.String); err == nil {
			job.EndTime = &t
		}
	}
	if errMsg.Valid {
		v := errMsg.String
		job.Error = &v
	}
	if cb.Valid {
		v := cb.String
		job.CallbackURL = &v
	}
	return &job, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
