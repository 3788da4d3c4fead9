// SPDX-License-Identifier: MIT

package gifsicle

import (
	"fmt"
	"math"

	"github.com/gifpress/gifpress/internal/jobs"
)

// TargetDims resolves the effective output dimensions for a source and
// option set. Upscaling never happens: when resize is disabled, no
// target dimension is given, or the targets do not shrink the image,
// the source dimensions are returned unchanged.
func TargetDims(opts jobs.Options, src Probe) (int, int) {
	if !opts.ResizeEnabled || src.Width <= 0 || src.Height <= 0 {
		return src.Width, src.Height
	}

	tw, th := 0, 0
	if opts.TargetWidth != nil {
		tw = *opts.TargetWidth
	}
	if opts.TargetHeight != nil {
		th = *opts.TargetHeight
	}

	switch {
	case tw > 0 && th > 0:
		// Best-fit: scale so both targets are honored, never upscale.
		scale := math.Min(float64(tw)/float64(src.Width), float64(th)/float64(src.Height))
		if scale >= 1 {
			return src.Width, src.Height
		}
		return int(math.Round(float64(src.Width) * scale)), int(math.Round(float64(src.Height) * scale))
	case tw > 0 && tw < src.Width:
		return tw, int(math.Round(float64(src.Height) * float64(tw) / float64(src.Width)))
	case th > 0 && th < src.Height:
		return int(math.Round(float64(src.Width) * float64(th) / float64(src.Height))), th
	}
	return src.Width, src.Height
}

// BuildArgs produces the gifsicle argument list for one compression
// run. Order matters to the tool: options first, then the input path,
// then frame selectors, then the output.
func BuildArgs(opts jobs.Options, src Probe, inputPath, outputPath string) []string {
	args := []string{
		fmt.Sprintf("--lossy=%d", opts.CompressionLevel),
		"-O3",
	}

	if opts.UndoOptimizations {
		args = append(args, "--unoptimize")
	}

	if opts.ReduceColors && opts.NumberOfColors < 256 {
		args = append(args, "--colors", fmt.Sprintf("%d", opts.NumberOfColors))
	}

	if w, h := TargetDims(opts, src); w != src.Width || h != src.Height {
		switch {
		case opts.TargetWidth != nil && opts.TargetHeight != nil:
			args = append(args, "--resize", fmt.Sprintf("%dx%d", w, h))
		case opts.TargetWidth != nil:
			args = append(args, "--resize-width", fmt.Sprintf("%d", w))
		default:
			args = append(args, "--resize-height", fmt.Sprintf("%d", h))
		}
	}

	args = append(args, inputPath)

	// Keep every Nth frame starting at N: zero-indexed selectors
	// N-1, 2N-1, ... up to the source frame count.
	if n := opts.DropFrames.Interval(); n > 0 && src.Frames > 0 {
		for i := n - 1; i < src.Frames; i += n {
			args = append(args, fmt.Sprintf("#%d", i))
		}
	}

	args = append(args, "-o", outputPath)
	return args
}
