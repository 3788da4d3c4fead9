// SPDX-License-Identifier: MIT

// Package gifsicle invokes the external gifsicle binary: argument
// construction, info probing and compression runs.
package gifsicle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/gifpress/gifpress/internal/jobs"
	"github.com/gifpress/gifpress/internal/log"
	"github.com/gifpress/gifpress/internal/procgroup"
)

// maxStderr bounds how much tool output is carried into error messages.
const maxStderr = 4 << 10

// ToolError reports a non-zero exit from the compression tool.
type ToolError struct {
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("gifsicle exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("gifsicle exited with code %d: %s", e.ExitCode, e.Stderr)
}

// ErrOutputMissing is returned when the tool exits cleanly but the
// output file cannot be stat'd.
var ErrOutputMissing = errors.New("gifsicle produced no output file")

// Result describes a successful compression run.
type Result struct {
	Path   string
	Size   int64
	Width  int
	Height int
}

// Runner executes gifsicle.
type Runner struct {
	bin string
	log zerolog.Logger
}

// New returns a Runner for the given binary path or name.
func New(bin string) *Runner {
	return &Runner{bin: bin, log: log.WithComponent("gifsicle")}
}

// Compress runs one compression invocation and probes the output. The
// caller owns both paths; outputPath must not exist yet.
func (r *Runner) Compress(ctx context.Context, opts jobs.Options, src Probe, inputPath, outputPath string) (Result, error) {
	args := BuildArgs(opts, src, inputPath, outputPath)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.bin, args...) // #nosec G204
	cmd.Stderr = &stderr
	procgroup.Set(cmd)
	cmd.Cancel = func() error {
		return procgroup.Kill(cmd, syscall.SIGKILL)
	}

	r.log.Debug().Strs("args", args).Msg("invoking gifsicle")

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if len(msg) > maxStderr {
			msg = msg[:maxStderr]
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, &ToolError{ExitCode: exitErr.ExitCode(), Stderr: msg}
		}
		return Result{}, fmt.Errorf("spawn gifsicle: %w", err)
	}

	fi, err := os.Stat(outputPath)
	if err != nil {
		return Result{}, ErrOutputMissing
	}

	out := r.Probe(ctx, outputPath)
	return Result{
		Path:   outputPath,
		Size:   fi.Size(),
		Width:  out.Width,
		Height: out.Height,
	}, nil
}
