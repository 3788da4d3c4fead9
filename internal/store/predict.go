// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/gifpress/gifpress/internal/jobs"
)

// Sample is one append-only training observation recorded at job
// completion. Column names match the profiling CSV the baseline model
// was trained on.
type Sample struct {
	JobID                string
	Filename             string
	Width                int
	Height               int
	Frames               int
	TotalPixels          int64
	FileSizeBytes        int64
	TargetWidth          int
	TargetHeight         int
	NumberOfColors       int
	CompressionLevel     int
	DropFrames           jobs.DropFrames
	ReduceColors         bool
	OptimizeTransparency bool
	UndoOptimizations    bool
	ElapsedMS            int64
}

// Residual is a learned per-bucket EMA correction in log-seconds.
type Residual struct {
	Key         string
	EMA         float64
	SampleCount int
	UpdatedAt   time.Time
}

// InsertSample appends a training sample.
func (s *Store) InsertSample(ctx context.Context, smp Sample) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO prediction_samples (
		job_id, filename, width, height, frames, total_pixels, file_size_bytes,
		target_width, target_height, number_of_colors, compression_level,
		drop_frames, reduce_colors, optimize_transparency, undo_optimizations,
		elapsed_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		smp.JobID, smp.Filename, smp.Width, smp.Height, smp.Frames,
		smp.TotalPixels, smp.FileSizeBytes, smp.TargetWidth, smp.TargetHeight,
		smp.NumberOfColors, smp.CompressionLevel, string(smp.DropFrames),
		boolInt(smp.ReduceColors), boolInt(smp.OptimizeTransparency), boolInt(smp.UndoOptimizations),
		smp.ElapsedMS, time.Now().UTC().Format(timeLayout))
	return err
}

// SampleCount returns the number of recorded training samples.
func (s *Store) SampleCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM prediction_samples`).Scan(&n)
	return n, err
}

// GetResidual returns the residual for a bucket key, or (nil, nil) when
// the bucket has never been observed.
func (s *Store) GetResidual(ctx context.Context, key string) (*Residual, error) {
	var r Residual
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, ema, sample_count, updated_at FROM prediction_residuals WHERE key = ?`, key).
		Scan(&r.Key, &r.EMA, &r.SampleCount, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}

// UpsertResidual stores the new EMA and count for a bucket key.
func (s *Store) UpsertResidual(ctx context.Context, key string, ema float64, count int) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO prediction_residuals (key, ema, sample_count, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		ema = excluded.ema,
		sample_count = excluded.sample_count,
		updated_at = excluded.updated_at`,
		key, ema, count, time.Now().UTC().Format(timeLayout))
	return err
}

// AllResiduals returns every learned bucket keyed by bucket string.
func (s *Store) AllResiduals(ctx context.Context) (map[string]Residual, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, ema, sample_count, updated_at FROM prediction_residuals`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]Residual)
	for rows.Next() {
		var r Residual
		var updatedAt string
		if err := rows.Scan(&r.Key, &r.EMA, &r.SampleCount, &updatedAt); err != nil {
			return nil, err
		}
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out[r.Key] = r
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
