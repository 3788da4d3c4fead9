// SPDX-License-Identifier: MIT

// Package store provides SQLite persistence for jobs and the
// predictor's training state.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// Store is the durable job repository. A single process owns the
// database; writes serialize through wmu, reads stay concurrent
// thanks to WAL.
type Store struct {
	db  *sql.DB
	wmu sync.Mutex
}

// New opens (or creates) the database at dbPath and runs migrations.
// busy_timeout avoids "database locked" errors under concurrent access.
func New(dbPath string) (*Store, error) {
	// modernc.org/sqlite takes pragmas in the DSN as _pragma=name(value).
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK(status IN ('uploading', 'queued', 'processing', 'completed', 'failed')),
		progress INTEGER NOT NULL DEFAULT 0,
		original_filename TEXT NOT NULL,
		original_size INTEGER NOT NULL,
		original_path TEXT NOT NULL,
		original_width INTEGER NOT NULL DEFAULT 0,
		original_height INTEGER NOT NULL DEFAULT 0,
		options TEXT NOT NULL,
		compressed_path TEXT,
		compressed_size INTEGER,
		compressed_width INTEGER,
		compressed_height INTEGER,
		reduction_percent REAL,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		expires_at TEXT,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_jobs_expires ON jobs(expires_at);

	CREATE TABLE IF NOT EXISTS prediction_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		frames INTEGER NOT NULL,
		total_pixels INTEGER NOT NULL,
		file_size_bytes INTEGER NOT NULL,
		target_width INTEGER NOT NULL,
		target_height INTEGER NOT NULL,
		number_of_colors INTEGER NOT NULL,
		compression_level INTEGER NOT NULL,
		drop_frames TEXT NOT NULL,
		reduce_colors INTEGER NOT NULL,
		optimize_transparency INTEGER NOT NULL,
		undo_optimizations INTEGER NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS prediction_residuals (
		key TEXT PRIMARY KEY,
		ema REAL NOT NULL,
		sample_count INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}
