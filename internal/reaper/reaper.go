// SPDX-License-Identifier: MIT

// Package reaper removes expired jobs and their artifacts, and
// reconciles jobs orphaned by a crash.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/gifpress/gifpress/internal/artifact"
	"github.com/gifpress/gifpress/internal/log"
	"github.com/gifpress/gifpress/internal/metrics"
	"github.com/gifpress/gifpress/internal/store"
)

// Reaper periodically sweeps the repository for expired jobs.
type Reaper struct {
	store     *store.Store
	artifacts *artifact.Store
	interval  time.Duration
	log       zerolog.Logger
}

// New creates a reaper sweeping at the given interval.
func New(st *store.Store, artifacts *artifact.Store, interval time.Duration) *Reaper {
	return &Reaper{
		store:     st,
		artifacts: artifacts,
		interval:  interval,
		log:       log.WithComponent("reaper"),
	}
}

// RecoverInterrupted fails every job left non-terminal by a previous
// process. Called once before the pool starts accepting work.
func (r *Reaper) RecoverInterrupted(ctx context.Context) error {
	n, err := r.store.MarkInterrupted(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.Warn().Int("jobs", n).Msg("failed jobs interrupted by restart")
	}
	return nil
}

// Run sweeps until ctx is cancelled. Sweep failures are logged and
// retried on the next tick; nothing here is time-critical.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep deletes every expired job and its artifacts. File removal is
// best-effort: a concurrently completing writer or an already-missing
// file must not stall the sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	expired, err := r.store.ExpiredJobs(ctx, time.Now())
	if err != nil {
		r.log.Error().Err(err).Msg("expired query failed")
		return
	}

	for _, j := range expired {
		if err := r.artifacts.Delete(j.CompressedPath); err != nil {
			r.log.Warn().Err(err).Str("job_id", j.ID).Msg("delete compressed artifact failed")
		}
		if err := r.artifacts.Delete(j.OriginalPath); err != nil {
			r.log.Warn().Err(err).Str("job_id", j.ID).Msg("delete original artifact failed")
		}
		deleted, err := r.store.DeleteJob(ctx, j.ID)
		if err != nil {
			r.log.Error().Err(err).Str("job_id", j.ID).Msg("delete job record failed")
			continue
		}
		if deleted {
			metrics.JobsReaped.Inc()
			r.log.Info().Str("job_id", j.ID).Time("expired_at", *j.ExpiresAt).Msg("reaped expired job")
		}
	}
}
