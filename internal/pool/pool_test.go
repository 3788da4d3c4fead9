// SPDX-License-Identifier: MIT

package pool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gifpress/gifpress/internal/artifact"
	"github.com/gifpress/gifpress/internal/bus"
	"github.com/gifpress/gifpress/internal/gifsicle"
	"github.com/gifpress/gifpress/internal/jobs"
	"github.com/gifpress/gifpress/internal/predict"
	"github.com/gifpress/gifpress/internal/store"
)

type harness struct {
	store     *store.Store
	artifacts *artifact.Store
	bus       *bus.Bus
	pool      *Pool
	outputDir string
	cancel    context.CancelFunc
}

// newHarness builds a pool backed by a temp store and a shell script
// standing in for the compression tool.
func newHarness(t *testing.T, script string, concurrency, maxConcurrency int, retention time.Duration) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	outputDir := filepath.Join(dir, "outputs")
	arts, err := artifact.New(filepath.Join(dir, "uploads"), outputDir)
	require.NoError(t, err)

	bin := filepath.Join(dir, "gifsicle")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0o755))

	b := bus.New()
	p := New(Deps{
		Store:     st,
		Artifacts: arts,
		Runner:    gifsicle.New(bin),
		Predictor: predict.New(nil, st),
		Bus:       b,
		Retention: retention,
	}, concurrency, maxConcurrency)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not drain on shutdown")
		}
	})

	return &harness{store: st, artifacts: arts, bus: b, pool: p, outputDir: outputDir, cancel: cancel}
}

// slowTool answers --info and then takes ~300ms per compression.
const slowTool = `
if [ "$1" = "--info" ]; then
	echo "* $2 2 images"
	echo "  logical screen 10x10"
	exit 0
fi
sleep 0.3
out=""
prev=""
for a in "$@"; do
	if [ "$prev" = "-o" ]; then out="$a"; fi
	prev="$a"
done
printf 'GIF89a ok' > "$out"
`

const failTool = `
if [ "$1" = "--info" ]; then
	echo "* $2 2 images"
	echo "  logical screen 10x10"
	exit 0
fi
echo "gifsicle: fatal: corrupt input" >&2
exit 1
`

func (h *harness) createQueued(t *testing.T, id string) *jobs.Job {
	t.Helper()
	dir := filepath.Dir(h.outputDir)
	input := filepath.Join(dir, id+"-in.gif")
	require.NoError(t, os.WriteFile(input, []byte("GIF89a original payload"), 0o644))

	j := &jobs.Job{
		ID:               id,
		Status:           jobs.StatusQueued,
		OriginalFilename: id + ".gif",
		OriginalSize:     23,
		OriginalPath:     input,
		OriginalWidth:    10,
		OriginalHeight:   10,
		Options:          jobs.DefaultOptions(),
		CreatedAt:        time.Now(),
	}
	require.NoError(t, h.store.CreateJob(context.Background(), j))
	return j
}

func (h *harness) waitForStatus(t *testing.T, id string, want jobs.Status) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		j, err := h.store.GetJob(context.Background(), id)
		require.NoError(t, err)
		if j != nil && j.Status == want {
			return j
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return nil
}

func TestPoolCompletesJob(t *testing.T) {
	h := newHarness(t, slowTool, 2, 10, time.Hour)
	h.createQueued(t, "job-1")
	require.NoError(t, h.pool.Submit("job-1"))

	j := h.waitForStatus(t, "job-1", jobs.StatusCompleted)
	assert.Equal(t, 100, j.Progress)
	require.NotNil(t, j.CompressedSize)
	assert.Equal(t, int64(9), *j.CompressedSize)
	require.NotNil(t, j.ReductionPercent)
	assert.NotEmpty(t, j.CompressedPath)
	assert.NotNil(t, j.StartedAt)
	assert.NotNil(t, j.CompletedAt)
	require.NotNil(t, j.ExpiresAt, "retention > 0 must set an expiry")

	data, err := os.ReadFile(j.CompressedPath)
	require.NoError(t, err)
	assert.Equal(t, "GIF89a ok", string(data))
}

func TestPoolNoExpiryWithoutRetention(t *testing.T) {
	h := newHarness(t, slowTool, 1, 1, 0)
	h.createQueued(t, "job-1")
	require.NoError(t, h.pool.Submit("job-1"))

	j := h.waitForStatus(t, "job-1", jobs.StatusCompleted)
	assert.Nil(t, j.ExpiresAt)
}

func TestPoolFailedJob(t *testing.T) {
	h := newHarness(t, failTool, 1, 1, 0)
	h.createQueued(t, "job-1")
	require.NoError(t, h.pool.Submit("job-1"))

	j := h.waitForStatus(t, "job-1", jobs.StatusFailed)
	assert.Equal(t, 0, j.Progress)
	assert.Contains(t, j.ErrorMessage, "corrupt input")
	assert.Empty(t, j.CompressedPath)
	assert.Nil(t, j.CompressedSize)

	// no orphaned output may survive a failure
	entries, err := os.ReadDir(h.outputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPoolConcurrencyBound(t *testing.T) {
	h := newHarness(t, slowTool, 2, 10, 0)

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		h.createQueued(t, id)
	}
	for _, id := range ids {
		require.NoError(t, h.pool.Submit(id))
	}

	maxActive := 0
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st := h.pool.Status()
		if st.Active > maxActive {
			maxActive = st.Active
		}
		done := true
		for _, id := range ids {
			j, err := h.store.GetJob(context.Background(), id)
			require.NoError(t, err)
			if j.Status != jobs.StatusCompleted {
				done = false
				break
			}
		}
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, 2, maxActive, "active workers must hit but never exceed the limit")
	for _, id := range ids {
		h.waitForStatus(t, id, jobs.StatusCompleted)
	}
	st := h.pool.Status()
	assert.Zero(t, st.Active)
	assert.Zero(t, st.Pending)
}

func TestPoolSkipsDeletedJob(t *testing.T) {
	h := newHarness(t, slowTool, 1, 1, 0)

	// submitted but never created: the worker must skip it and move on
	require.NoError(t, h.pool.Submit("ghost"))
	h.createQueued(t, "real")
	require.NoError(t, h.pool.Submit("real"))

	h.waitForStatus(t, "real", jobs.StatusCompleted)
}

func TestSetConcurrencyClamps(t *testing.T) {
	h := newHarness(t, slowTool, 2, 4, 0)

	assert.Equal(t, 1, h.pool.SetConcurrency(0))
	assert.Equal(t, 4, h.pool.SetConcurrency(99))
	assert.Equal(t, 3, h.pool.SetConcurrency(3))
	assert.Equal(t, 4, h.pool.MaxConcurrency())
	assert.Equal(t, 3, h.pool.Status().Concurrency)
}

func TestNewClampsConcurrency(t *testing.T) {
	p := New(Deps{Bus: bus.New()}, 20, 5)
	assert.Equal(t, 5, p.Status().Concurrency)
	assert.Equal(t, 5, p.MaxConcurrency())

	p = New(Deps{Bus: bus.New()}, 0, 0)
	assert.Equal(t, 1, p.Status().Concurrency)
	assert.Equal(t, 1, p.MaxConcurrency())
}

func TestPoolPublishesProgressEvents(t *testing.T) {
	h := newHarness(t, slowTool, 1, 1, 0)
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	h.createQueued(t, "job-1")
	require.NoError(t, h.pool.Submit("job-1"))

	var sawProcessing, sawCompleted bool
	timeout := time.After(10 * time.Second)
	for !sawCompleted {
		select {
		case ev := <-sub.Events():
			if ev.Job == nil || ev.JobID != "job-1" {
				continue
			}
			switch ev.Job.Status {
			case jobs.StatusProcessing:
				sawProcessing = true
				assert.GreaterOrEqual(t, ev.Job.Progress, 25)
				assert.LessOrEqual(t, ev.Job.Progress, 99)
			case jobs.StatusCompleted:
				sawCompleted = true
				assert.Equal(t, 100, ev.Job.Progress)
				assert.NotNil(t, ev.Job.CompressedSize)
			}
		case <-timeout:
			t.Fatal("timed out waiting for job events")
		}
	}
	assert.True(t, sawProcessing)
}
