// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gifpress/gifpress/internal/jobs"
	"github.com/gifpress/gifpress/internal/metrics"
	"github.com/gifpress/gifpress/internal/store"
)

// parseMemory is the in-memory threshold for multipart parsing; larger
// parts spool to temp files.
const parseMemory = 32 << 20

// maxUploadFiles bounds the files in one request; together with the
// per-file size limit it caps how much a request may spool to disk.
const maxUploadFiles = 10

var gifMagics = [][]byte{[]byte("GIF87a"), []byte("GIF89a")}

type uploadedJob struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

type uploadError struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

type uploadResponse struct {
	Jobs   []uploadedJob `json:"jobs"`
	Errors []uploadError `json:"errors,omitempty"`
}

// handleUpload admits one or more GIF files as compression jobs.
//
// Multipart fields: "files" (1..N binary parts), "options"
// (JSON-encoded global options), "perFileOptions" (JSON object keyed
// by filename, optional), "sessionId" (opaque, optional).
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Cap the body before parsing: without this an oversized request
	// spools fully to temp disk before the per-file check rejects it.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes*maxUploadFiles+(1<<20))

	if err := r.ParseMultipartForm(parseMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.UploadsRejected.WithLabelValues("oversize").Inc()
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "malformed multipart form")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided")
		return
	}
	if len(files) > maxUploadFiles {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many files (max %d)", maxUploadFiles))
		return
	}

	globalOpts := jobs.DefaultOptions()
	if raw := r.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &globalOpts); err != nil {
			writeError(w, http.StatusBadRequest, "malformed options")
			return
		}
	}
	if globalOpts.DropFrames == "" {
		globalOpts.DropFrames = jobs.DropNone
	}
	if err := globalOpts.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	perFile := map[string]json.RawMessage{}
	if raw := r.FormValue("perFileOptions"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &perFile); err != nil {
			writeError(w, http.StatusBadRequest, "malformed perFileOptions")
			return
		}
	}

	sessionID := r.FormValue("sessionId")
	if sessionID == "" {
		sessionID = r.Header.Get("X-Session-ID")
	}

	var resp uploadResponse
	for _, fh := range files {
		opts := globalOpts
		if raw, ok := perFile[fh.Filename]; ok {
			if err := json.Unmarshal(raw, &opts); err != nil {
				resp.Errors = append(resp.Errors, uploadError{fh.Filename, "malformed per-file options"})
				continue
			}
			if opts.DropFrames == "" {
				opts.DropFrames = jobs.DropNone
			}
			if err := opts.Validate(); err != nil {
				resp.Errors = append(resp.Errors, uploadError{fh.Filename, err.Error()})
				continue
			}
		}

		id, err := s.admitFile(r.Context(), fh, opts, sessionID)
		if err != nil {
			resp.Errors = append(resp.Errors, uploadError{fh.Filename, err.Error()})
			continue
		}
		resp.Jobs = append(resp.Jobs, uploadedJob{ID: id, Filename: fh.Filename})
	}

	if len(resp.Jobs) == 0 {
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// admitFile validates one file, persists it and enqueues the job.
// Validation failures leave no side effects.
func (s *Server) admitFile(ctx context.Context, fh *multipart.FileHeader, opts jobs.Options, sessionID string) (string, error) {
	if fh.Size > s.maxUploadBytes {
		metrics.UploadsRejected.WithLabelValues("oversize").Inc()
		return "", fmt.Errorf("file exceeds maximum size of %d bytes", s.maxUploadBytes)
	}

	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	magic := make([]byte, 6)
	if _, err := io.ReadFull(f, magic); err != nil || !isGIF(magic) {
		metrics.UploadsRejected.WithLabelValues("mime").Inc()
		return "", fmt.Errorf("not an animated GIF")
	}

	j := &jobs.Job{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		Status:           jobs.StatusUploading,
		OriginalFilename: fh.Filename,
		OriginalSize:     fh.Size,
		Options:          opts,
		CreatedAt:        time.Now(),
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	path, size, err := s.artifacts.PutOriginal(fh.Filename, io.MultiReader(bytes.NewReader(magic), f))
	if err != nil {
		_, _ = s.store.DeleteJob(ctx, j.ID)
		return "", fmt.Errorf("store upload: %w", err)
	}

	src := s.runner.Probe(ctx, path)
	queued := jobs.StatusQueued
	zero := 0
	// original_path lands in the same write as the queued transition so
	// the record never references a half-written artifact.
	patch := store.JobPatch{Status: &queued, Progress: &zero, OriginalPath: &path, OriginalSize: &size}
	if src.Width > 0 {
		patch.OriginalWidth = &src.Width
		patch.OriginalHeight = &src.Height
	}
	if err := s.store.UpdateJob(ctx, j.ID, patch); err != nil {
		_ = s.artifacts.Delete(path)
		_, _ = s.store.DeleteJob(ctx, j.ID)
		return "", fmt.Errorf("record upload: %w", err)
	}

	metrics.BytesInput.Add(float64(size))

	if err := s.pool.Submit(j.ID); err != nil {
		metrics.UploadsRejected.WithLabelValues("queue_full").Inc()
		_ = s.artifacts.Delete(path)
		_, _ = s.store.DeleteJob(ctx, j.ID)
		return "", err
	}
	return j.ID, nil
}

func isGIF(magic []byte) bool {
	for _, m := range gifMagics {
		if bytes.Equal(magic, m) {
			return true
		}
	}
	return false
}
