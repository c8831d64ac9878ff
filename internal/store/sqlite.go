package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pushdeploy/internal/domain"
)

const timeLayout = time.RFC3339Nano

// SQLite stores deployments and logs in a SQLite database
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dbPath
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS deployments (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			service TEXT NOT NULL,
			ref TEXT NOT NULL,
			branch TEXT NOT NULL,
			commit_sha TEXT NOT NULL DEFAULT '',
			commit_message TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			pusher TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			exit_code INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_service
			ON deployments(service, seq DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_status
			ON deployments(status)`,
		`CREATE TABLE IF NOT EXISTS deployment_logs (
			deployment_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			stream TEXT NOT NULL,
			text TEXT NOT NULL,
			logged_at TEXT NOT NULL,
			PRIMARY KEY (deployment_id, seq)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Create(ctx context.Context, d *domain.Deployment) error {
	var exitCode *int64
	if d.ExitCode != nil {
		v := int64(*d.ExitCode)
		exitCode = &v
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments
		(id, service, ref, branch, commit_sha, commit_message, source, pusher,
		 status, created_at, started_at, finished_at, exit_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID,
		d.Service,
		d.Trigger.Ref,
		d.Trigger.Branch,
		d.Trigger.CommitSHA,
		d.Trigger.CommitMessage,
		d.Trigger.Source,
		d.Trigger.Pusher,
		string(d.Status),
		formatTime(d.CreatedAt),
		formatTimePtr(d.StartedAt),
		formatTimePtr(d.FinishedAt),
		exitCode,
	)
	if err != nil {
		return fmt.Errorf("failed to insert deployment: %w", err)
	}

	for _, entry := range d.Logs {
		if err := s.AppendLog(ctx, d.ID, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate) error {
	var exitCode *int64
	if u.ExitCode != nil {
		v := int64(*u.ExitCode)
		exitCode = &v
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = ?,
		    started_at = COALESCE(?, started_at),
		    finished_at = COALESCE(?, finished_at),
		    exit_code = COALESCE(?, exit_code)
		WHERE id = ?
	`, string(u.Status), formatTimePtr(u.StartedAt), formatTimePtr(u.FinishedAt), exitCode, id)
	if err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) AppendLog(ctx context.Context, id string, entry domain.LogEntry) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_logs (deployment_id, seq, stream, text, logged_at)
		SELECT ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM deployments WHERE id = ?)
	`, id, entry.Seq, string(entry.Stream), entry.Text, formatTime(entry.Time), id)
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const deploymentColumns = `id, service, ref, branch, commit_sha, commit_message, source,
	pusher, status, created_at, started_at, finished_at, exit_code`

func (s *SQLite) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)

	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment: %w", err)
	}

	logs, err := s.logs(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Logs = logs

	return d, nil
}

func (s *SQLite) logs(ctx context.Context, id string) ([]domain.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, stream, text, logged_at
		FROM deployment_logs
		WHERE deployment_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment logs: %w", err)
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var entry domain.LogEntry
		var stream, loggedAt string
		if err := rows.Scan(&entry.Seq, &stream, &entry.Text, &loggedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entry.Stream = domain.Stream(stream)
		if entry.Time, err = time.Parse(timeLayout, loggedAt); err != nil {
			return nil, fmt.Errorf("failed to parse log timestamp: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log rows: %w", err)
	}
	return entries, nil
}

func (s *SQLite) List(ctx context.Context, f domain.Filter) ([]*domain.Deployment, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Service != "" {
		where = append(where, "service = ?")
		args = append(args, f.Service)
	}

	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq DESC LIMIT ?`

	limit := f.Limit
	if limit <= 0 {
		limit = domain.DefaultListLimit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}
	defer rows.Close()

	var result []*domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		result = append(result, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

func (s *SQLite) DeleteFinished(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	terminal := []any{string(domain.StatusSucceeded), string(domain.StatusFailed)}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM deployment_logs
		WHERE deployment_id IN (SELECT id FROM deployments WHERE status IN (?, ?))
	`, terminal...); err != nil {
		return 0, fmt.Errorf("failed to delete deployment logs: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM deployments WHERE status IN (?, ?)`, terminal...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete deployments: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return n, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(s scanner) (*domain.Deployment, error) {
	var (
		d          domain.Deployment
		status     string
		createdAt  string
		startedAt  sql.NullString
		finishedAt sql.NullString
		exitCode   sql.NullInt64
	)

	err := s.Scan(
		&d.ID,
		&d.Service,
		&d.Trigger.Ref,
		&d.Trigger.Branch,
		&d.Trigger.CommitSHA,
		&d.Trigger.CommitMessage,
		&d.Trigger.Source,
		&d.Trigger.Pusher,
		&status,
		&createdAt,
		&startedAt,
		&finishedAt,
		&exitCode,
	)
	if err != nil {
		return nil, err
	}

	d.Status = domain.Status(status)

	if d.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at timestamp: %w", err)
	}
	if d.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	if d.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, fmt.Errorf("failed to parse finished_at timestamp: %w", err)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		d.ExitCode = &code
	}

	return &d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
