// SPDX-License-Identifier: MIT

// Package jobs defines the compression job domain model shared by the
// store, the worker pool and the HTTP surface.
package jobs

import (
	"fmt"
	"math"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusUploading, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DropFrames selects which frames of the source animation are kept.
type DropFrames string

const (
	DropNone DropFrames = "none"
	DropN2   DropFrames = "n2" // keep every 2nd frame
	DropN3   DropFrames = "n3" // keep every 3rd frame
	DropN4   DropFrames = "n4" // keep every 4th frame
)

// Interval returns the keep-every-Nth interval, or 0 for none.
func (d DropFrames) Interval() int {
	switch d {
	case DropN2:
		return 2
	case DropN3:
		return 3
	case DropN4:
		return 4
	}
	return 0
}

// Valid reports whether d is a known drop-frames value.
func (d DropFrames) Valid() bool {
	switch d {
	case DropNone, DropN2, DropN3, DropN4:
		return true
	}
	return false
}

// Options is the frozen per-job compression configuration. It is
// immutable after admission; retry re-uses it verbatim.
type Options struct {
	CompressionLevel     int        `json:"compression_level"`
	DropFrames           DropFrames `json:"drop_frames"`
	ReduceColors         bool       `json:"reduce_colors"`
	NumberOfColors       int        `json:"number_of_colors"`
	OptimizeTransparency bool       `json:"optimize_transparency"`
	UndoOptimizations    bool       `json:"undo_optimizations"`
	ResizeEnabled        bool       `json:"resize_enabled"`
	TargetWidth          *int       `json:"target_width,omitempty"`
	TargetHeight         *int       `json:"target_height,omitempty"`
}

// DefaultOptions returns the server-side defaults applied when the
// client omits an option set.
func DefaultOptions() Options {
	return Options{
		CompressionLevel:     80,
		DropFrames:           DropNone,
		NumberOfColors:       256,
		OptimizeTransparency: true,
	}
}

// Validate checks option ranges. Zero-valued DropFrames is normalised
// to "none" by the caller before validation.
func (o Options) Validate() error {
	if o.CompressionLevel < 1 || o.CompressionLevel > 200 {
		return fmt.Errorf("compression_level %d out of range [1,200]", o.CompressionLevel)
	}
	if !o.DropFrames.Valid() {
		return fmt.Errorf("invalid drop_frames %q", o.DropFrames)
	}
	if o.ReduceColors && (o.NumberOfColors < 2 || o.NumberOfColors > 256) {
		return fmt.Errorf("number_of_colors %d out of range [2,256]", o.NumberOfColors)
	}
	if o.ResizeEnabled {
		if o.TargetWidth != nil && *o.TargetWidth <= 0 {
			return fmt.Errorf("target_width must be positive")
		}
		if o.TargetHeight != nil && *o.TargetHeight <= 0 {
			return fmt.Errorf("target_height must be positive")
		}
	}
	return nil
}

// Job is the primary entity. The repository row is the authority;
// in-memory copies are transient reflections.
type Job struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id,omitempty"`
	Status           Status     `json:"status"`
	Progress         int        `json:"progress"`
	OriginalFilename string     `json:"original_filename"`
	OriginalSize     int64      `json:"original_size"`
	OriginalPath     string     `json:"-"`
	OriginalWidth    int        `json:"original_width,omitempty"`
	OriginalHeight   int        `json:"original_height,omitempty"`
	Options          Options    `json:"options"`
	CompressedPath   string     `json:"-"`
	CompressedSize   *int64     `json:"compressed_size,omitempty"`
	CompressedWidth  *int       `json:"compressed_width,omitempty"`
	CompressedHeight *int       `json:"compressed_height,omitempty"`
	ReductionPercent *float64   `json:"reduction_percent,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// ReductionPercent computes the size reduction for a completed job,
// rounded to one decimal place.
func ReductionPercent(originalSize, compressedSize int64) float64 {
	if originalSize <= 0 {
		return 0
	}
	pct := 100 * float64(originalSize-compressedSize) / float64(originalSize)
	return math.Round(pct*10) / 10
}
