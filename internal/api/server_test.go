// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gifpress/gifpress/internal/artifact"
	"github.com/gifpress/gifpress/internal/bus"
	"github.com/gifpress/gifpress/internal/gifsicle"
	"github.com/gifpress/gifpress/internal/jobs"
	"github.com/gifpress/gifpress/internal/pool"
	"github.com/gifpress/gifpress/internal/predict"
	"github.com/gifpress/gifpress/internal/store"
)

// fastTool answers --info and writes a small output immediately.
const fastTool = `
if [ "$1" = "--info" ]; then
	echo "* $2 3 images"
	echo "  logical screen 20x20"
	exit 0
fi
out=""
prev=""
for a in "$@"; do
	if [ "$prev" = "-o" ]; then out="$a"; fi
	prev="$a"
done
printf 'GIF89a tiny' > "$out"
`

type testServer struct {
	*httptest.Server

	store     *store.Store
	artifacts *artifact.Store
	bus       *bus.Bus
	dir       string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	arts, err := artifact.New(filepath.Join(dir, "uploads"), filepath.Join(dir, "outputs"))
	require.NoError(t, err)

	bin := filepath.Join(dir, "gifsicle")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+fastTool), 0o755))
	runner := gifsicle.New(bin)

	b := bus.New()
	p := pool.New(pool.Deps{
		Store:     st,
		Artifacts: arts,
		Runner:    runner,
		Predictor: predict.New(nil, st),
		Bus:       b,
	}, 2, 10)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = p.Run(ctx) }()

	srv := New(Deps{
		Store:          st,
		Artifacts:      arts,
		Pool:           p,
		Bus:            b,
		Runner:         runner,
		MaxUploadBytes: 1 << 20,
	})

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, store: st, artifacts: arts, bus: b, dir: dir}
}

// seedCompleted writes artifacts to disk and inserts a completed job.
func (ts *testServer) seedCompleted(t *testing.T, filename string) *jobs.Job {
	t.Helper()
	id := uuid.NewString()

	original := filepath.Join(ts.dir, id+"-original.gif")
	compressed := filepath.Join(ts.dir, id+"-compressed.gif")
	require.NoError(t, os.WriteFile(original, []byte("GIF89a original bytes"), 0o644))
	require.NoError(t, os.WriteFile(compressed, []byte("GIF89a tiny"), 0o644))

	size := int64(11)
	reduction := 47.6
	now := time.Now()
	j := &jobs.Job{
		ID:               id,
		Status:           jobs.StatusCompleted,
		Progress:         100,
		OriginalFilename: filename,
		OriginalSize:     21,
		OriginalPath:     original,
		Options:          jobs.DefaultOptions(),
		CompressedPath:   compressed,
		CompressedSize:   &size,
		ReductionPercent: &reduction,
		CreatedAt:        now,
		CompletedAt:      &now,
	}
	require.NoError(t, ts.store.CreateJob(context.Background(), j))
	return j
}

func (ts *testServer) seedFailed(t *testing.T, filename string) *jobs.Job {
	t.Helper()
	id := uuid.NewString()

	original := filepath.Join(ts.dir, id+"-original.gif")
	require.NoError(t, os.WriteFile(original, []byte("GIF89a original bytes"), 0o644))

	j := &jobs.Job{
		ID:               id,
		Status:           jobs.StatusFailed,
		OriginalFilename: filename,
		OriginalSize:     21,
		OriginalPath:     original,
		Options:          jobs.DefaultOptions(),
		CreatedAt:        time.Now(),
		ErrorMessage:     "boom",
	}
	require.NoError(t, ts.store.CreateJob(context.Background(), j))
	return j
}

func (ts *testServer) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]string
	code := ts.getJSON(t, "/api/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestGetJob(t *testing.T) {
	ts := newTestServer(t)
	j := ts.seedCompleted(t, "cat.gif")

	var got jobs.Job
	code := ts.getJSON(t, "/api/jobs/"+j.ID, &got)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	require.NotNil(t, got.CompressedSize)
	assert.Equal(t, int64(11), *got.CompressedSize)

	code = ts.getJSON(t, "/api/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCompleted(t, "cat.gif")
	ts.seedCompleted(t, "dog.gif")
	ts.seedFailed(t, "bird.gif")

	var list listResponse
	code := ts.getJSON(t, "/api/jobs", &list)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3, list.Total)
	assert.Len(t, list.Jobs, 3)

	code = ts.getJSON(t, "/api/jobs?status=failed", &list)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "bird.gif", list.Jobs[0].OriginalFilename)

	code = ts.getJSON(t, "/api/jobs?status=completed,failed", &list)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3, list.Total)

	code = ts.getJSON(t, "/api/jobs?filename=do", &list)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, list.Total)

	code = ts.getJSON(t, "/api/jobs?limit=2", &list)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3, list.Total)
	assert.Len(t, list.Jobs, 2)

	code = ts.getJSON(t, "/api/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListJobsDateFilters(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCompleted(t, "cat.gif")

	var list listResponse
	yesterday := time.Now().Add(-24 * time.Hour).Format("2006-01-02")
	code := ts.getJSON(t, "/api/jobs?start_date="+yesterday, &list)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, list.Total)

	code = ts.getJSON(t, "/api/jobs?end_date="+yesterday, &list)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, list.Total)

	code = ts.getJSON(t, "/api/jobs?start_date=not-a-date", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestJobCounts(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCompleted(t, "cat.gif")
	ts.seedCompleted(t, "dog.gif")
	ts.seedFailed(t, "bird.gif")

	var counts store.Counts
	code := ts.getJSON(t, "/api/jobs/counts", &counts)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3, counts.All)
	assert.Equal(t, 2, counts.Completed)
	assert.Equal(t, 1, counts.Failed)
}

func TestDeleteJob(t *testing.T) {
	ts := newTestServer(t)
	j := ts.seedCompleted(t, "cat.gif")

	var body map[string]bool
	code := ts.do(t, http.MethodDelete, "/api/jobs/"+j.ID, nil, &body)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, body["success"])

	got, err := ts.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoFileExists(t, j.OriginalPath)
	assert.NoFileExists(t, j.CompressedPath)

	code = ts.do(t, http.MethodDelete, "/api/jobs/"+j.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRetryJob(t *testing.T) {
	ts := newTestServer(t)
	j := ts.seedFailed(t, "bird.gif")

	var got jobs.Job
	code := ts.do(t, http.MethodPost, "/api/jobs/"+j.ID+"/retry", nil, &got)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, got.ErrorMessage)

	// the pool picks it back up and completes it
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		cur, err := ts.store.GetJob(context.Background(), j.ID)
		require.NoError(t, err)
		if cur != nil && cur.Status == jobs.StatusCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("retried job never completed")
}

func TestRetryRejectsNonFailed(t *testing.T) {
	ts := newTestServer(t)
	j := ts.seedCompleted(t, "cat.gif")

	code := ts.do(t, http.MethodPost, "/api/jobs/"+j.ID+"/retry", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = ts.do(t, http.MethodPost, "/api/jobs/"+uuid.NewString()+"/retry", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

// A retry refused by a full queue must not leave the row queued with
// no pool entry; it rolls back to failed so the client can try again.
func TestRetryQueueFullRollsBack(t *testing.T) {
	dir := t.TempDir()

	st, err := store.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	arts, err := artifact.New(filepath.Join(dir, "uploads"), filepath.Join(dir, "outputs"))
	require.NoError(t, err)

	bin := filepath.Join(dir, "gifsicle")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+fastTool), 0o755))
	runner := gifsicle.New(bin)

	b := bus.New()
	// The pool is never started, so the queue only fills.
	p := pool.New(pool.Deps{
		Store:     st,
		Artifacts: arts,
		Runner:    runner,
		Predictor: predict.New(nil, st),
		Bus:       b,
	}, 1, 1)
	for i := 0; ; i++ {
		if err := p.Submit(uuid.NewString()); err != nil {
			require.ErrorIs(t, err, pool.ErrQueueFull)
			break
		}
		require.Less(t, i, 10000, "queue never filled")
	}

	srv := New(Deps{
		Store:          st,
		Artifacts:      arts,
		Pool:           p,
		Bus:            b,
		Runner:         runner,
		MaxUploadBytes: 1 << 20,
	})
	hts := httptest.NewServer(srv.Routes())
	t.Cleanup(hts.Close)

	ts := &testServer{Server: hts, store: st, artifacts: arts, bus: b, dir: dir}
	j := ts.seedFailed(t, "bird.gif")

	code := ts.do(t, http.MethodPost, "/api/jobs/"+j.ID+"/retry", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	got, err := st.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.NotEmpty(t, got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)
}

func TestQueueConfig(t *testing.T) {
	ts := newTestServer(t)

	var cfg queueConfig
	code := ts.getJSON(t, "/api/queue/config", &cfg)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, 10, cfg.MaxConcurrency)

	code = ts.do(t, http.MethodPut, "/api/queue/config", strings.NewReader(`{"concurrency": 5}`), &cfg)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 5, cfg.Concurrency)

	code = ts.do(t, http.MethodPut, "/api/queue/config", strings.NewReader(`{"concurrency": 0}`), nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = ts.do(t, http.MethodPut, "/api/queue/config", strings.NewReader(`{"concurrency": 11}`), nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = ts.do(t, http.MethodPut, "/api/queue/config", strings.NewReader(`not json`), nil)
	assert.Equal(t, http.StatusBadRequest, code)
}
