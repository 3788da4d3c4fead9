// SPDX-License-Identifier: MIT

package predict

import (
	"fmt"

	"github.com/gifpress/gifpress/internal/gifsicle"
	"github.com/gifpress/gifpress/internal/jobs"
)

// featureVector builds the runtime feature map. Names match the
// training extractor exactly; the baseline applies only the features it
// carries coefficients for.
func featureVector(src gifsicle.Probe, opts jobs.Options) map[string]float64 {
	tw, th := gifsicle.TargetDims(opts, src)

	colors := 256
	if opts.ReduceColors {
		colors = opts.NumberOfColors
	}

	m := map[string]float64{
		"total_pixels":      float64(src.TotalPixels()),
		"target_pixels":     float64(src.Frames) * float64(tw) * float64(th),
		"frames":            float64(src.Frames),
		"file_size_bytes":   float64(src.Size),
		"target_width":      float64(tw),
		"target_height":     float64(th),
		"number_of_colors":  float64(colors),
		"compression_level": float64(opts.CompressionLevel),

		"reduce_colors":         boolFeature(opts.ReduceColors),
		"optimize_transparency": boolFeature(opts.OptimizeTransparency),
		"undo_optimizations":    boolFeature(opts.UndoOptimizations),
	}

	for _, d := range []jobs.DropFrames{jobs.DropNone, jobs.DropN2, jobs.DropN3, jobs.DropN4} {
		m["drop_frames_"+string(d)] = boolFeature(opts.DropFrames == d)
	}
	return m
}

// bucketKeys produces the coarse residual-learning keys for a job.
func bucketKeys(src gifsicle.Probe, opts jobs.Options) []string {
	tw, th := gifsicle.TargetDims(opts, src)
	targetPixels := int64(src.Frames) * int64(tw) * int64(th)

	var sizeGroup string
	switch {
	case targetPixels < 200_000:
		sizeGroup = "xs"
	case targetPixels < 1_000_000:
		sizeGroup = "s"
	case targetPixels < 4_000_000:
		sizeGroup = "m"
	default:
		sizeGroup = "l"
	}

	var compressionBucket string
	switch {
	case opts.CompressionLevel <= 0:
		compressionBucket = "none"
	case opts.CompressionLevel <= 50:
		compressionBucket = "low"
	case opts.CompressionLevel <= 100:
		compressionBucket = "medium"
	default:
		compressionBucket = "high"
	}

	return []string{
		"size_group=" + sizeGroup,
		fmt.Sprintf("optimize_transparency=%d", boolInt(opts.OptimizeTransparency)),
		fmt.Sprintf("reduce_colors=%d", boolInt(opts.ReduceColors)),
		fmt.Sprintf("undo_optimizations=%d", boolInt(opts.UndoOptimizations)),
		"drop_frames=" + string(opts.DropFrames),
		"compression_bucket=" + compressionBucket,
	}
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
