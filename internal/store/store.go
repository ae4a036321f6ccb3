package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrRunNotFound is returned when a run ID matches no ledger row.
var ErrRunNotFound = errors.New("run not found")

// Store manages the PostgreSQL connection for the run ledger.
type Store struct {
	conn *pgx.Conn
}

// BakeRun records one published sidecar bundle.
type BakeRun struct {
	ID         string
	BundlePath string
	Modules    []string
	FrameStart int
	FrameEnd   int
	FrameCount int
	Width      int
	Height     int
	Label      string
	CreatedAt  time.Time
}

// ApplyRun records one corrected output.
type ApplyRun struct {
	ID         string
	VideoID    string
	InputPath  string
	BundlePath string
	OutputPath string
	Frames     int
	Label      string
	CreatedAt  time.Time
}

// Run is a row of the combined run listing.
type Run struct {
	ID        string
	Kind      string // "bake" or "apply"
	Bundle    string
	Output    string // empty for bakes
	Frames    int
	Label     string
	CreatedAt time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the ledger tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS bake_runs (
			id TEXT PRIMARY KEY,
			bundle_path TEXT NOT NULL,
			modules TEXT[] NOT NULL DEFAULT '{}',
			frame_start INT NOT NULL,
			frame_end INT NOT NULL,
			frame_count INT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS apply_runs (
			id TEXT PRIMARY KEY,
			video_id TEXT NOT NULL,
			input_path TEXT NOT NULL,
			bundle_path TEXT NOT NULL,
			output_path TEXT NOT NULL,
			frames INT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS apply_runs_bundle_path_idx ON apply_runs (bundle_path);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// RecordBake inserts a bake run and returns its ID. An empty ID gets a new UUID.
func (s *Store) RecordBake(ctx context.Context, r BakeRun) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Modules == nil {
		r.Modules = []string{}
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO bake_runs (id, bundle_path, modules, frame_start, frame_end, frame_count, width, height, label)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.BundlePath, r.Modules, r.FrameStart, r.FrameEnd, r.FrameCount, r.Width, r.Height, r.Label)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// RecordApply inserts an apply run and returns its ID. An empty ID gets a new UUID.
func (s *Store) RecordApply(ctx context.Context, r ApplyRun) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO apply_runs (id, video_id, input_path, bundle_path, output_path, frames, label)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.VideoID, r.InputPath, r.BundlePath, r.OutputPath, r.Frames, r.Label)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// GetBake fetches one bake run by ID.
func (s *Store) GetBake(ctx context.Context, id string) (BakeRun, error) {
	var r BakeRun
	err := s.conn.QueryRow(ctx, `
		SELECT id, bundle_path, modules, frame_start, frame_end, frame_count, width, height, label, created_at
		FROM bake_runs WHERE id = $1
	`, id).Scan(&r.ID, &r.BundlePath, &r.Modules, &r.FrameStart, &r.FrameEnd, &r.FrameCount, &r.Width, &r.Height, &r.Label, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// ListRuns returns bake and apply runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, 'bake' AS kind, bundle_path, '' AS output, frame_count AS frames, label, created_at FROM bake_runs
		UNION ALL
		SELECT id, 'apply' AS kind, bundle_path, output_path, frames, label, created_at FROM apply_runs
		ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Kind, &r.Bundle, &r.Output, &r.Frames, &r.Label, &r.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LabelRun sets the label of the bake or apply run with the given ID.
func (s *Store) LabelRun(ctx context.Context, id, label string) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var affected int64
	for _, table := range []string{"bake_runs", "apply_runs"} {
		tag, err := tx.Exec(ctx, "UPDATE "+table+" SET label = $1 WHERE id = $2", label, id)
		if err != nil {
			return err
		}
		affected += tag.RowsAffected()
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return tx.Commit(ctx)
}

// Reset drops all ledger tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS apply_runs CASCADE;
		DROP TABLE IF EXISTS bake_runs CASCADE;
	`)
	return err
}
