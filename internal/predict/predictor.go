// SPDX-License-Identifier: MIT

// Package predict estimates per-job processing time: a frozen ridge
// baseline plus residual corrections learned per coarse bucket.
package predict

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/gifpress/gifpress/internal/gifsicle"
	"github.com/gifpress/gifpress/internal/jobs"
	"github.com/gifpress/gifpress/internal/log"
	"github.com/gifpress/gifpress/internal/metrics"
	"github.com/gifpress/gifpress/internal/store"
)

const (
	// emaAlpha weights new residual observations.
	emaAlpha = 0.3
	// minBucketSamples gates a bucket into predictions.
	minBucketSamples = 3
	// residualClamp bounds the total correction in log-seconds.
	residualClamp = 0.5
	// floorMS is the minimum estimate returned.
	floorMS = 100
)

// Predictor is process-scoped: the baseline is loaded once at startup,
// residual state lives in the repository.
type Predictor struct {
	baseline *Baseline // nil when no artifact could be loaded
	store    *store.Store
	log      zerolog.Logger
}

// New builds a Predictor. baseline may be nil, in which case a
// pixel-count heuristic replaces the model.
func New(baseline *Baseline, st *store.Store) *Predictor {
	return &Predictor{baseline: baseline, store: st, log: log.WithComponent("predict")}
}

// Predict estimates wall-clock processing time for a (file, options)
// pair. The result is always at least floorMS.
func (p *Predictor) Predict(ctx context.Context, src gifsicle.Probe, opts jobs.Options) time.Duration {
	base := p.baselineLog(src, opts)
	correction := p.residualCorrection(ctx, src, opts)

	ms := math.Round(1000 * math.Expm1(base+correction))
	if ms < floorMS {
		ms = floorMS
	}
	return time.Duration(ms) * time.Millisecond
}

func (p *Predictor) baselineLog(src gifsicle.Probe, opts jobs.Options) float64 {
	if p.baseline == nil {
		return math.Log1p(float64(src.TotalPixels())*1e-7 + 0.5)
	}
	return p.baseline.Predict(featureVector(src, opts))
}

// residualCorrection averages the learned EMAs of the job's buckets.
// Buckets with fewer than minBucketSamples observations are ignored,
// and the result is clamped so a skewed bucket cannot dominate.
func (p *Predictor) residualCorrection(ctx context.Context, src gifsicle.Probe, opts jobs.Options) float64 {
	var sum float64
	var active int
	for _, key := range bucketKeys(src, opts) {
		r, err := p.store.GetResidual(ctx, key)
		if err != nil {
			p.log.Warn().Err(err).Str("key", key).Msg("residual lookup failed")
			continue
		}
		if r == nil || r.SampleCount < minBucketSamples {
			continue
		}
		sum += r.EMA
		active++
	}
	if active == 0 {
		return 0
	}
	avg := sum / float64(active)
	return math.Max(-residualClamp, math.Min(residualClamp, avg))
}

// Observe records a completed job: it stores a training sample and
// folds the prediction residual into every bucket the job belongs to.
// Residual updates are not transactional with the sample insert; a
// concurrent reader may see a stale EMA, which the clamp absorbs.
func (p *Predictor) Observe(ctx context.Context, j *jobs.Job, src gifsicle.Probe, elapsed time.Duration) {
	base := p.baselineLog(src, j.Options)
	residual := math.Log1p(elapsed.Seconds()) - base
	metrics.PredictionError.Observe(math.Abs(residual))

	for _, key := range bucketKeys(src, j.Options) {
		prev, err := p.store.GetResidual(ctx, key)
		if err != nil {
			p.log.Warn().Err(err).Str("key", key).Msg("residual read failed, skipping update")
			continue
		}
		ema := residual
		count := 1
		if prev != nil {
			ema = emaAlpha*residual + (1-emaAlpha)*prev.EMA
			count = prev.SampleCount + 1
		}
		if err := p.store.UpsertResidual(ctx, key, ema, count); err != nil {
			p.log.Warn().Err(err).Str("key", key).Msg("residual upsert failed")
		}
	}

	tw, th := gifsicle.TargetDims(j.Options, src)
	colors := 256
	if j.Options.ReduceColors {
		colors = j.Options.NumberOfColors
	}
	sample := store.Sample{
		JobID:                j.ID,
		Filename:             j.OriginalFilename,
		Width:                src.Width,
		Height:               src.Height,
		Frames:               src.Frames,
		TotalPixels:          src.TotalPixels(),
		FileSizeBytes:        src.Size,
		TargetWidth:          tw,
		TargetHeight:         th,
		NumberOfColors:       colors,
		CompressionLevel:     j.Options.CompressionLevel,
		DropFrames:           j.Options.DropFrames,
		ReduceColors:         j.Options.ReduceColors,
		OptimizeTransparency: j.Options.OptimizeTransparency,
		UndoOptimizations:    j.Options.UndoOptimizations,
		ElapsedMS:            elapsed.Milliseconds(),
	}
	if err := p.store.InsertSample(ctx, sample); err != nil {
		p.log.Warn().Err(err).Str("job_id", j.ID).Msg("sample insert failed")
	}
}
