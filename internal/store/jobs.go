// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gifpress/gifpress/internal/jobs"
)

// timeLayout is RFC3339 with a fixed-width fraction. RFC3339Nano trims
// trailing zeros, which breaks lexicographic ordering of the stored
// strings ("...00Z" sorts after "...00.5Z"); a fixed width keeps
// ORDER BY and range comparisons chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Filter narrows ListJobs results. Zero values mean "no constraint";
// an empty Statuses slice matches every status.
type Filter struct {
	Statuses      []jobs.Status
	SessionID     string
	Filename      string // substring match on original_filename
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// Counts holds per-status job totals.
type Counts struct {
	All        int `json:"all"`
	Uploading  int `json:"uploading"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// JobPatch is a partial update. Nil fields are left untouched.
type JobPatch struct {
	Status           *jobs.Status
	Progress         *int
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ExpiresAt        *time.Time
	CompressedPath   *string
	CompressedSize   *int64
	CompressedWidth  *int
	CompressedHeight *int
	ReductionPercent *float64
	ErrorMessage     *string
	OriginalPath     *string
	OriginalSize     *int64
	OriginalWidth    *int
	OriginalHeight   *int
	ClearCompressed  bool // NULL all compressed_* columns
	ClearError       bool
	ClearExpiresAt   bool
}

const jobColumns = `id, session_id, status, progress, original_filename, original_size, original_path,
	original_width, original_height, options, compressed_path, compressed_size, compressed_width,
	compressed_height, reduction_percent, created_at, started_at, completed_at, expires_at, error_message`

// CreateJob inserts a new job. A duplicate ID fails.
func (s *Store) CreateJob(ctx context.Context, j *jobs.Job) error {
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	query := `INSERT INTO jobs (` + jobColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		j.ID, j.SessionID, string(j.Status), j.Progress,
		j.OriginalFilename, j.OriginalSize, j.OriginalPath,
		j.OriginalWidth, j.OriginalHeight, string(opts),
		nullString(j.CompressedPath), j.CompressedSize, j.CompressedWidth, j.CompressedHeight,
		j.ReductionPercent,
		j.CreatedAt.UTC().Format(timeLayout),
		nullTime(j.StartedAt), nullTime(j.CompletedAt), nullTime(j.ExpiresAt),
		nullString(j.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID. Returns (nil, nil) when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// UpdateJob applies a partial update. Updating an absent ID is a no-op.
func (s *Store) UpdateJob(ctx context.Context, id string, p JobPatch) error {
	var sets []string
	var args []any

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.Progress != nil {
		add("progress", *p.Progress)
	}
	if p.StartedAt != nil {
		add("started_at", p.StartedAt.UTC().Format(timeLayout))
	}
	if p.CompletedAt != nil {
		add("completed_at", p.CompletedAt.UTC().Format(timeLayout))
	}
	if p.ExpiresAt != nil {
		add("expires_at", p.ExpiresAt.UTC().Format(timeLayout))
	} else if p.ClearExpiresAt {
		sets = append(sets, "expires_at = NULL")
	}
	if p.CompressedPath != nil {
		add("compressed_path", *p.CompressedPath)
	}
	if p.CompressedSize != nil {
		add("compressed_size", *p.CompressedSize)
	}
	if p.CompressedWidth != nil {
		add("compressed_width", *p.CompressedWidth)
	}
	if p.CompressedHeight != nil {
		add("compressed_height", *p.CompressedHeight)
	}
	if p.ReductionPercent != nil {
		add("reduction_percent", *p.ReductionPercent)
	}
	if p.ErrorMessage != nil {
		add("error_message", *p.ErrorMessage)
	} else if p.ClearError {
		sets = append(sets, "error_message = NULL")
	}
	if p.OriginalPath != nil {
		add("original_path", *p.OriginalPath)
	}
	if p.OriginalSize != nil {
		add("original_size", *p.OriginalSize)
	}
	if p.OriginalWidth != nil {
		add("original_width", *p.OriginalWidth)
	}
	if p.OriginalHeight != nil {
		add("original_height", *p.OriginalHeight)
	}
	if p.ClearCompressed {
		sets = append(sets,
			"compressed_path = NULL", "compressed_size = NULL",
			"compressed_width = NULL", "compressed_height = NULL",
			"reduction_percent = NULL")
	}

	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.ExecContext(ctx, "UPDATE jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	return err
}

// ResetForRetry moves a failed job back to queued, clearing lifecycle
// fields while preserving options, original_* and created_at.
func (s *Store) ResetForRetry(ctx context.Context, id string) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	res, err := s.db.ExecContext(ctx, `
	UPDATE jobs SET
		status = 'queued', progress = 0,
		started_at = NULL, completed_at = NULL, expires_at = NULL,
		error_message = NULL,
		compressed_path = NULL, compressed_size = NULL,
		compressed_width = NULL, compressed_height = NULL,
		reduction_percent = NULL
	WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteJob removes a job record. Returns whether a row was deleted.
func (s *Store) DeleteJob(ctx context.Context, id string) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListJobs returns jobs matching the filter ordered by created_at DESC,
// along with the unpaged total.
func (s *Store) ListJobs(ctx context.Context, f Filter) ([]jobs.Job, int, error) {
	var conds []string
	var args []any

	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Filename != "" {
		conds = append(conds, `original_filename LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(f.Filename)+"%")
	}
	if f.CreatedAfter != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.CreatedAfter.UTC().Format(timeLayout))
	}
	if f.CreatedBefore != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.CreatedBefore.UTC().Format(timeLayout))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + jobColumns + " FROM jobs" + where + " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *j)
	}
	return out, total, rows.Err()
}

// CountJobs returns per-status totals.
func (s *Store) CountJobs(ctx context.Context) (Counts, error) {
	var c Counts
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return c, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		c.All += n
		switch jobs.Status(status) {
		case jobs.StatusUploading:
			c.Uploading = n
		case jobs.StatusQueued:
			c.Queued = n
		case jobs.StatusProcessing:
			c.Processing = n
		case jobs.StatusCompleted:
			c.Completed = n
		case jobs.StatusFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// ExpiredJobs returns jobs whose expires_at lies before now.
func (s *Store) ExpiredJobs(ctx context.Context, now time.Time) ([]jobs.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE expires_at IS NOT NULL AND expires_at < ?`,
		now.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// MarkInterrupted fails every job left in a non-terminal state. Called
// once at startup: nothing in uploading, queued or processing can
// survive a restart of the single owning process.
func (s *Store) MarkInterrupted(ctx context.Context) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	res, err := s.db.ExecContext(ctx, `
	UPDATE jobs SET
		status = 'failed', progress = 0, error_message = 'interrupted',
		completed_at = ?,
		compressed_path = NULL, compressed_size = NULL,
		compressed_width = NULL, compressed_height = NULL,
		reduction_percent = NULL
	WHERE status IN ('uploading', 'queued', 'processing')`,
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*jobs.Job, error) {
	var j jobs.Job
	var status, optsJSON, createdAt string
	var sessionID sql.NullString
	var compressedPath, errorMessage sql.NullString
	var compressedSize sql.NullInt64
	var compressedWidth, compressedHeight sql.NullInt64
	var reduction sql.NullFloat64
	var startedAt, completedAt, expiresAt sql.NullString

	err := row.Scan(
		&j.ID, &sessionID, &status, &j.Progress,
		&j.OriginalFilename, &j.OriginalSize, &j.OriginalPath,
		&j.OriginalWidth, &j.OriginalHeight, &optsJSON,
		&compressedPath, &compressedSize, &compressedWidth, &compressedHeight,
		&reduction, &createdAt, &startedAt, &completedAt, &expiresAt, &errorMessage,
	)
	if err != nil {
		return nil, err
	}

	j.SessionID = sessionID.String
	j.Status = jobs.Status(status)
	if err := json.Unmarshal([]byte(optsJSON), &j.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options for job %s: %w", j.ID, err)
	}
	j.CompressedPath = compressedPath.String
	if compressedSize.Valid {
		j.CompressedSize = &compressedSize.Int64
	}
	if compressedWidth.Valid {
		w := int(compressedWidth.Int64)
		j.CompressedWidth = &w
	}
	if compressedHeight.Valid {
		h := int(compressedHeight.Int64)
		j.CompressedHeight = &h
	}
	if reduction.Valid {
		j.ReductionPercent = &reduction.Float64
	}
	j.ErrorMessage = errorMessage.String

	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.StartedAt = parseNullTime(startedAt)
	j.CompletedAt = parseNullTime(completedAt)
	j.ExpiresAt = parseNullTime(expiresAt)

	return &j, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
