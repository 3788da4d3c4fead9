// SPDX-License-Identifier: MIT

package gifsicle

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"strconv"
)

// Probe describes a GIF as reported by the tool's info mode.
type Probe struct {
	Width  int
	Height int
	Frames int
	Size   int64
}

// TotalPixels is frames times logical-screen area.
func (p Probe) TotalPixels() int64 {
	return int64(p.Frames) * int64(p.Width) * int64(p.Height)
}

var (
	screenRe = regexp.MustCompile(`logical screen (\d+)x(\d+)`)
	imagesRe = regexp.MustCompile(`(\d+) images`)
)

// Probe runs the tool's info mode against path and parses the logical
// screen size and frame count from its textual output. On parse or
// spawn failure it degrades to (0, 0, 1, size) so downstream code
// still has a usable record.
func (r *Runner) Probe(ctx context.Context, path string) Probe {
	p := Probe{Frames: 1}
	if fi, err := os.Stat(path); err == nil {
		p.Size = fi.Size()
	}

	cmd := exec.CommandContext(ctx, r.bin, "--info", path) // #nosec G204
	out, err := cmd.Output()
	if err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("probe failed, using fallback dimensions")
		return p
	}
	return parseInfo(out, p)
}

func parseInfo(out []byte, p Probe) Probe {
	if m := screenRe.FindSubmatch(out); m != nil {
		p.Width, _ = strconv.Atoi(string(m[1]))
		p.Height, _ = strconv.Atoi(string(m[2]))
	}
	if m := imagesRe.FindSubmatch(out); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > 0 {
			p.Frames = n
		}
	}
	return p
}
