// SPDX-License-Identifier: MIT

package pool

import (
	"math"
	"time"

	"github.com/gifpress/gifpress/internal/gifsicle"
	"github.com/gifpress/gifpress/internal/jobs"
)

// The tool emits no progress, so processing progress is synthesized:
// an internal counter climbs from animatorStart toward animatorCeil on
// a timer whose expected completion matches the predictor's estimate.
const (
	animatorStart = 10
	animatorCeil  = 99

	minTick = 50 * time.Millisecond
	maxTick = 2 * time.Second
)

// animatorParams derives tick size and interval from a work estimate:
// small jobs tick fast with large increments, large jobs tick slowly
// with small increments.
func animatorParams(estimate time.Duration, src gifsicle.Probe, opts jobs.Options) (step int, interval time.Duration) {
	work := float64(src.TotalPixels())
	if work < 1 {
		work = 1
	}

	mult := 1 + float64(opts.CompressionLevel)/200
	if opts.OptimizeTransparency {
		mult *= 1.15
	}
	if opts.UndoOptimizations {
		mult *= 1.25
	}
	if opts.ReduceColors {
		mult *= 1.2
	}

	step = int(math.Round(40 / math.Log10(work*mult+10)))
	if step < 1 {
		step = 1
	}
	if step > 12 {
		step = 12
	}

	ticks := int(math.Ceil(float64(animatorCeil-animatorStart) / float64(step)))
	interval = estimate / time.Duration(ticks)
	if interval < minTick {
		interval = minTick
	}
	if interval > maxTick {
		interval = maxTick
	}
	return step, interval
}

// startAnimator runs the progress loop in a goroutine, invoking tick
// with the internal progress value. The returned stop function must be
// called when the tool exits; it waits for the loop to finish so no
// tick can land after a terminal update.
func startAnimator(estimate time.Duration, src gifsicle.Probe, opts jobs.Options, tick func(internal int)) (stop func()) {
	step, interval := animatorParams(estimate, src, opts)

	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)

		internal := animatorStart
		tick(internal)

		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-done:
				return
			case <-t.C:
				if internal >= animatorCeil {
					continue
				}
				internal += step
				if internal > animatorCeil {
					internal = animatorCeil
				}
				tick(internal)
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

// displayProgress maps internal processing progress (0..100) into the
// client-visible range: upload owns 0..25, processing 25..99.
func displayProgress(internal int) int {
	p := 25 + internal*74/100
	if p > animatorCeil {
		p = animatorCeil
	}
	return p
}
