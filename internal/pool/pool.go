// SPDX-License-Identifier: MIT

// Package pool runs queued compression jobs on a bounded number of
// workers with runtime-adjustable concurrency.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gifpress/gifpress/internal/artifact"
	"github.com/gifpress/gifpress/internal/bus"
	"github.com/gifpress/gifpress/internal/gifsicle"
	"github.com/gifpress/gifpress/internal/jobs"
	"github.com/gifpress/gifpress/internal/log"
	"github.com/gifpress/gifpress/internal/metrics"
	"github.com/gifpress/gifpress/internal/predict"
	"github.com/gifpress/gifpress/internal/store"
)

// queueCapacity bounds admitted-but-unstarted jobs.
const queueCapacity = 1024

// ErrQueueFull is returned by Submit when admission would block.
var ErrQueueFull = errors.New("job queue is full")

// Status is a snapshot of the pool.
type Status struct {
	Concurrency int `json:"concurrency"`
	Active      int `json:"active"`
	Pending     int `json:"pending"`
}

// Pool executes jobs FIFO. In-flight jobs are never cancelled by a
// concurrency change; shrinking takes effect by not dispatching new
// work until active falls below the new limit.
type Pool struct {
	store     *store.Store
	artifacts *artifact.Store
	runner    *gifsicle.Runner
	predictor *predict.Predictor
	bus       *bus.Bus
	retention time.Duration

	queue chan string

	mu          sync.Mutex
	cond        *sync.Cond
	concurrency int
	max         int
	active      int
	pending     int

	wg  sync.WaitGroup
	log zerolog.Logger
}

// Deps wires the pool's collaborators.
type Deps struct {
	Store     *store.Store
	Artifacts *artifact.Store
	Runner    *gifsicle.Runner
	Predictor *predict.Predictor
	Bus       *bus.Bus
	Retention time.Duration // 0 = artifacts never expire
}

// New creates a pool with the given starting and maximum concurrency.
func New(deps Deps, concurrency, maxConcurrency int) *Pool {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > maxConcurrency {
		concurrency = maxConcurrency
	}
	p := &Pool{
		store:       deps.Store,
		artifacts:   deps.Artifacts,
		runner:      deps.Runner,
		predictor:   deps.Predictor,
		bus:         deps.Bus,
		retention:   deps.Retention,
		queue:       make(chan string, queueCapacity),
		concurrency: concurrency,
		max:         maxConcurrency,
		log:         log.WithComponent("pool"),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Submit admits a job ID. It returns once the job is accepted, not
// when it starts.
func (p *Pool) Submit(jobID string) error {
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()

	select {
	case p.queue <- jobID:
		metrics.QueuePending.Inc()
		p.publishQueue()
		return nil
	default:
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
		return ErrQueueFull
	}
}

// SetConcurrency adjusts the worker count, clamped to [1, max].
// Returns the applied value.
func (p *Pool) SetConcurrency(n int) int {
	if n < 1 {
		n = 1
	}
	if n > p.max {
		n = p.max
	}

	p.mu.Lock()
	p.concurrency = n
	p.cond.Broadcast()
	p.mu.Unlock()

	p.log.Info().Int("concurrency", n).Msg("concurrency adjusted")
	p.publishQueue()
	return n
}

// MaxConcurrency returns the configured upper bound.
func (p *Pool) MaxConcurrency() int {
	return p.max
}

// Status reports concurrency, active and pending counts.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{Concurrency: p.concurrency, Active: p.active, Pending: p.pending}
}

// Run dispatches queued jobs until ctx is cancelled, then waits for
// in-flight work to drain.
func (p *Pool) Run(ctx context.Context) error {
	// Wake the dispatcher when shutting down.
	go func() {
		<-ctx.Done()
		p.cond.Broadcast()
	}()

	for {
		var jobID string
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return ctx.Err()
		case jobID = <-p.queue:
		}

		p.mu.Lock()
		for p.active >= p.concurrency && ctx.Err() == nil {
			p.cond.Wait()
		}
		if ctx.Err() != nil {
			p.mu.Unlock()
			p.wg.Wait()
			return ctx.Err()
		}
		p.active++
		p.pending--
		p.mu.Unlock()

		metrics.WorkersActive.Inc()
		metrics.QueuePending.Dec()
		p.publishQueue()

		p.wg.Add(1)
		go func(id string) {
			defer p.wg.Done()
			defer func() {
				p.mu.Lock()
				p.active--
				p.cond.Signal()
				p.mu.Unlock()
				metrics.WorkersActive.Dec()
				p.publishQueue()
			}()
			p.process(ctx, id)
		}(jobID)
	}
}

func (p *Pool) publishQueue() {
	st := p.Status()
	p.bus.PublishQueue(bus.QueueStatus{
		Concurrency: st.Concurrency,
		Active:      st.Active,
		Pending:     st.Pending,
	})
}

// process runs one job end to end. The repository row is the
// authority: if it vanishes mid-run (client-driven delete), updates
// no-op and the orphaned output is removed.
func (p *Pool) process(ctx context.Context, jobID string) {
	logger := p.log.With().Str("job_id", jobID).Logger()

	j, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		logger.Error().Err(err).Msg("load job failed")
		return
	}
	if j == nil {
		logger.Info().Msg("job deleted while queued, skipping")
		return
	}

	started := time.Now()
	processing := jobs.StatusProcessing
	startProgress := 25
	if err := p.store.UpdateJob(ctx, jobID, store.JobPatch{
		Status:    &processing,
		Progress:  &startProgress,
		StartedAt: &started,
	}); err != nil {
		logger.Error().Err(err).Msg("mark processing failed")
	}
	p.bus.PublishJob(jobID, bus.JobStatus{Status: jobs.StatusProcessing, Progress: startProgress})

	src := p.runner.Probe(ctx, j.OriginalPath)
	estimate := p.predictor.Predict(ctx, src, j.Options)
	logger.Debug().
		Dur("estimate", estimate).
		Int("frames", src.Frames).
		Int("width", src.Width).
		Int("height", src.Height).
		Msg("starting compression")

	stopAnimator := startAnimator(estimate, src, j.Options, func(internal int) {
		progress := displayProgress(internal)
		_ = p.store.UpdateJob(ctx, jobID, store.JobPatch{Progress: &progress})
		p.bus.PublishJob(jobID, bus.JobStatus{Status: jobs.StatusProcessing, Progress: progress})
	})

	outputPath := p.artifacts.AllocateOutput()
	res, runErr := p.runner.Compress(ctx, j.Options, src, j.OriginalPath, outputPath)
	stopAnimator()
	elapsed := time.Since(started)

	if runErr != nil {
		p.fail(ctx, logger, jobID, runErr)
		_ = p.artifacts.Delete(outputPath)
		return
	}

	p.complete(ctx, logger, j, src, res, elapsed)
}

func (p *Pool) fail(ctx context.Context, logger zerolog.Logger, jobID string, runErr error) {
	logger.Warn().Err(runErr).Msg("compression failed")
	metrics.JobsTotal.WithLabelValues(string(jobs.StatusFailed)).Inc()

	failed := jobs.StatusFailed
	zero := 0
	msg := runErr.Error()
	now := time.Now()
	if err := p.store.UpdateJob(ctx, jobID, store.JobPatch{
		Status:          &failed,
		Progress:        &zero,
		CompletedAt:     &now,
		ErrorMessage:    &msg,
		ClearCompressed: true,
	}); err != nil {
		logger.Error().Err(err).Msg("mark failed failed")
	}
	p.bus.PublishJob(jobID, bus.JobStatus{
		Status:       jobs.StatusFailed,
		Progress:     0,
		ErrorMessage: msg,
	})
}

func (p *Pool) complete(ctx context.Context, logger zerolog.Logger, j *jobs.Job, src gifsicle.Probe, res gifsicle.Result, elapsed time.Duration) {
	reduction := jobs.ReductionPercent(j.OriginalSize, res.Size)
	now := time.Now()

	patch := store.JobPatch{
		CompletedAt:      &now,
		CompressedPath:   &res.Path,
		CompressedSize:   &res.Size,
		CompressedWidth:  &res.Width,
		CompressedHeight: &res.Height,
		ReductionPercent: &reduction,
	}
	completed := jobs.StatusCompleted
	full := 100
	patch.Status = &completed
	patch.Progress = &full
	if p.retention > 0 {
		expires := now.Add(p.retention)
		patch.ExpiresAt = &expires
	}

	if err := p.store.UpdateJob(ctx, j.ID, patch); err != nil {
		logger.Error().Err(err).Msg("mark completed failed")
	}

	// A delete racing the run must not leave an orphan on disk.
	if cur, err := p.store.GetJob(ctx, j.ID); err == nil && cur == nil {
		logger.Info().Msg("job deleted during processing, discarding output")
		_ = p.artifacts.Delete(res.Path)
		return
	}

	metrics.JobsTotal.WithLabelValues(string(jobs.StatusCompleted)).Inc()
	metrics.JobDuration.Observe(elapsed.Seconds())
	metrics.BytesOutput.Add(float64(res.Size))

	p.bus.PublishJob(j.ID, bus.JobStatus{
		Status:           jobs.StatusCompleted,
		Progress:         100,
		CompressedSize:   &res.Size,
		CompressedWidth:  &res.Width,
		CompressedHeight: &res.Height,
		ReductionPercent: &reduction,
	})

	logger.Info().
		Int64("original_size", j.OriginalSize).
		Int64("compressed_size", res.Size).
		Float64("reduction_percent", reduction).
		Dur("elapsed", elapsed).
		Msg("job completed")

	p.predictor.Observe(ctx, j, src, elapsed)
}
