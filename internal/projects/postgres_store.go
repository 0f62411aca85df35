package projects

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps projects in PostgreSQL through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects, pings and migrates. dialTimeout bounds each new connection.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int, dialTimeout time.Duration) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	if dialTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = dialTimeout
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		tags TEXT[] NOT NULL DEFAULT '{}',
		partner TEXT,
		completion_date TEXT,
		is_private BOOLEAN NOT NULL DEFAULT FALSE,
		screenshot_locked BOOLEAN NOT NULL DEFAULT FALSE,
		screenshot_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, p *Project) error {
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
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, title, url, tags, partner, completion_date, is_private,
			screenshot_locked, screenshot_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.Title, p.URL, tags, p.Partner, p.CompletionDate, p.IsPrivate,
		p.ScreenshotLocked, p.ScreenshotError, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateScreenshotState(ctx context.Context, id string, st ScreenshotState) error {
	tag, err := s.pool.Exec(ctx, `UPDATE projects
		SET screenshot_locked = COALESCE($1, screenshot_locked), screenshot_error = $2,
			title = CASE WHEN title = '' AND $3 <> '' THEN $3 ELSE title END,
			updated_at = now()
		WHERE id = $4`,
		st.Locked, st.Error, st.Title, id,
	)
	if err != nil {
		return fmt.Errorf("update screenshot state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const pgSelectColumns = `SELECT id, title, url, tags, partner, completion_date, is_private,
	screenshot_locked, screenshot_error, created_at, updated_at FROM projects`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Project, error) {
	rows, err := s.pool.Query(ctx, pgSelectColumns+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPgProject)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Project, error) {
	rows, err := s.pool.Query(ctx, pgSelectColumns+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanPgProject)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

func scanPgProject(row pgx.CollectableRow) (Project, error) {
	var p Project
	err := row.Scan(
		&p.ID,
		&p.Title,
		&p.URL,
		&p.Tags,
		&p.Partner,
		&p.CompletionDate,
		&p.IsPrivate,
		&p.ScreenshotLocked,
		&p.ScreenshotError,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
