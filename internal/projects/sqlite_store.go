package projects

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/shotfolio/internal/common"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY when the job store shares the file.
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
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		tags_json TEXT NOT NULL DEFAULT '[]',
		partner TEXT,
		completion_date TEXT,
		is_private INTEGER NOT NULL DEFAULT 0,
		screenshot_locked INTEGER NOT NULL DEFAULT 0,
		screenshot_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, p *Project) error {
	if p == nil {
		return errors.New("project is nil")
	}
	if p.ID == "" {
		return errors.New("project.ID is required")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	tags, err := marshalTags(p.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, title, url, tags_json, partner, completion_date, is_private,
			screenshot_locked, screenshot_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.URL, tags, p.Partner, p.CompletionDate, p.IsPrivate,
		p.ScreenshotLocked, p.ScreenshotError,
		p.CreatedAt.UTC().Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateScreenshotState(ctx context.Context, id string, st ScreenshotState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects
		SET screenshot_locked = COALESCE(?, screenshot_locked), screenshot_error = ?,
			title = CASE WHEN title = '' AND ? <> '' THEN ? ELSE title END,
			updated_at = ?
		WHERE id = ?`,
		st.Locked, st.Error, st.Title, st.Title, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("update screenshot state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectColumns = `SELECT id, title, url, tags_json, partner, completion_date, is_private,
	screenshot_locked, screenshot_error, created_at, updated_at FROM projects`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// List returns projects ordered by creation time, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*Project, error) {
	var p Project
	var tags, created, updated string
	var partner, completion, shotErr sql.NullString
	if err := row.Scan(
		&p.ID,
		&p.Title,
		&p.URL,
		&tags,
		&partner,
		&completion,
		&p.IsPrivate,
		&p.ScreenshotLocked,
		&shotErr,
		&created,
		&updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	if tags != "" {
		// Leave Tags nil on malformed data; do not fail retrieval.
		_ = json.Unmarshal([]byte(tags), &p.Tags)
	}
	if partner.Valid {
		v := partner.String
		p.Partner = &v
	}
	if completion.Valid {
		v := completion.String
		p.CompletionDate = &v
	}
	if shotErr.Valid {
		v := shotErr.String
		p.ScreenshotError = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		p.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		p.UpdatedAt = t
	}
	return &p, nil
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(b), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
