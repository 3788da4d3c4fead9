// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gifpress/gifpress/internal/bus"
	"github.com/gifpress/gifpress/internal/jobs"
	"github.com/gifpress/gifpress/internal/store"
)

const defaultListLimit = 20

type listResponse struct {
	Jobs   []jobs.Job `json:"jobs"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// handleListJobs returns a filtered, paginated job listing ordered by
// creation time, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := store.Filter{
		SessionID: q.Get("session_id"),
		Filename:  q.Get("filename"),
		Limit:     defaultListLimit,
	}

	// status may be a single value, a comma-separated list, or "all".
	if raw := q.Get("status"); raw != "" && raw != "all" {
		for _, part := range strings.Split(raw, ",") {
			st := jobs.Status(strings.TrimSpace(part))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "invalid status filter")
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	if raw := q.Get("start_date"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start_date")
			return
		}
		f.CreatedAfter = &t
	}
	if raw := q.Get("end_date"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end_date")
			return
		}
		f.CreatedBefore = &t
	}

	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			f.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			f.Offset = n
		}
	}

	list, total, err := s.store.ListJobs(r.Context(), f)
	if err != nil {
		s.log.Error().Err(err).Msg("list jobs failed")
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}

	writeJSON(w, http.StatusOK, listResponse{Jobs: list, Total: total, Limit: f.Limit, Offset: f.Offset})
}

func (s *Server) handleJobCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountJobs(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("count jobs failed")
		writeError(w, http.StatusInternalServerError, "counts failed")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error().Err(err).Msg("get job failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if j == nil {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleDeleteJob removes a job and its artifacts. Deletion is honored
// in every state: the client's session GC issues deletes for stale
// uploading/queued jobs, and a worker racing this discards its result.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Msg("get job failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if j == nil {
		writeNotFound(w)
		return
	}

	deleted, err := s.store.DeleteJob(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Msg("delete job failed")
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	if !deleted {
		writeNotFound(w)
		return
	}

	_ = s.artifacts.Delete(j.CompressedPath)
	_ = s.artifacts.Delete(j.OriginalPath)

	s.log.Info().Str("job_id", id).Str("status", string(j.Status)).Msg("job deleted")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleRetryJob re-enqueues a failed job, preserving its options,
// original artifact and creation time.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Msg("get job failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if j == nil {
		writeNotFound(w)
		return
	}
	if j.Status != jobs.StatusFailed {
		writeError(w, http.StatusBadRequest, "only failed jobs can be retried")
		return
	}

	reset, err := s.store.ResetForRetry(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Msg("retry reset failed")
		writeError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	if !reset {
		// Lost a race with a delete or another retry.
		writeError(w, http.StatusBadRequest, "only failed jobs can be retried")
		return
	}

	if err := s.pool.Submit(id); err != nil {
		// Roll the row back to failed: a queued job with no pool entry
		// would be stranded until the next restart sweep.
		failed := jobs.StatusFailed
		zero := 0
		now := time.Now()
		msg := err.Error()
		if uerr := s.store.UpdateJob(r.Context(), id, store.JobPatch{
			Status:       &failed,
			Progress:     &zero,
			CompletedAt:  &now,
			ErrorMessage: &msg,
		}); uerr != nil {
			s.log.Error().Err(uerr).Str("job_id", id).Msg("retry rollback failed")
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.bus.PublishJob(id, bus.JobStatus{Status: jobs.StatusQueued, Progress: 0})

	updated, err := s.store.GetJob(r.Context(), id)
	if err != nil || updated == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// parseDate accepts RFC3339 timestamps or bare YYYY-MM-DD dates.
func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
