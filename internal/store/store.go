package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed catalog of projects the relay has ever seen, plus
// an append-only audit log of commands and responses. Connection liveness is
// deliberately NOT stored here; that state is rebuilt from heartbeats after
// a restart.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// ProjectRecord is one row of the project catalog.
type ProjectRecord struct {
	ProjectID     string    `json:"project_id"`
	ProjectName   string    `json:"project_name"`
	EngineVersion string    `json:"engine_version,omitempty"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// EventRecord is one audit log entry.
type EventRecord struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	RequestID string    `json:"request_id,omitempty"`
	Kind      string    `json:"kind"`
	Action    string    `json:"action,omitempty"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit event kinds.
const (
	EventCommand  = "command"
	EventResponse = "response"
	EventTimeout  = "timeout"
)

// Open opens (or creates) the store at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc.org/sqlite returns SQLITE_BUSY on concurrent connections to
	// the same file; a single pooled connection serializes access.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// UpsertProject inserts or refreshes a catalog entry.
func (s *Store) UpsertProject(ctx context.Context, projectID, projectName, engineVersion string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (project_id, project_name, engine_version, first_seen, last_seen)
		VALUES (?, ?, ?, datetime('now'), datetime('now'))
		ON CONFLICT(project_id) DO UPDATE SET
			project_name = excluded.project_name,
			engine_version = excluded.engine_version,
			last_seen = datetime('now')
	`, projectID, projectName, engineVersion)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

// TouchProject refreshes last_seen for a known project; unknown ids are a
// no-op.
func (s *Store) TouchProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET last_seen = datetime('now') WHERE project_id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}

// ListProjects returns the full catalog ordered by last_seen descending.
func (s *Store) ListProjects(ctx context.Context) ([]ProjectRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, project_name, engine_version, first_seen, last_seen
		FROM projects ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []ProjectRecord
	for rows.Next() {
		var rec ProjectRecord
		var first, last string
		if err := rows.Scan(&rec.ProjectID, &rec.ProjectName, &rec.EngineVersion, &first, &last); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		if rec.FirstSeen, err = time.Parse("2006-01-02 15:04:05", first); err != nil {
			return nil, fmt.Errorf("parse first_seen for %s: %w", rec.ProjectID, err)
		}
		if rec.LastSeen, err = time.Parse("2006-01-02 15:04:05", last); err != nil {
			return nil, fmt.Errorf("parse last_seen for %s: %w", rec.ProjectID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteProject removes a project and its audit entries.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return tx.Commit()
}

// AppendEvent records one audit log entry.
func (s *Store) AppendEvent(ctx context.Context, rec EventRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (project_id, request_id, kind, action, success, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
	`, rec.ProjectID, rec.RequestID, rec.Kind, rec.Action, rec.Success, rec.Detail)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit newest audit entries for a project, or for
// all projects when projectID is empty.
func (s *Store) RecentEvents(ctx context.Context, projectID string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, project_id, request_id, kind, action, success, detail, created_at
		FROM events`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var created string
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.RequestID, &rec.Kind, &rec.Action, &rec.Success, &rec.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if rec.CreatedAt, err = time.Parse("2006-01-02 15:04:05", created); err != nil {
			return nil, fmt.Errorf("parse created_at for event %d: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping verifies the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
