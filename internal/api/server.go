// SPDX-License-Identifier: MIT

// Package api exposes the REST and WebSocket surface over the job
// store, artifact store and worker pool.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gifpress/gifpress/internal/artifact"
	"github.com/gifpress/gifpress/internal/bus"
	"github.com/gifpress/gifpress/internal/gifsicle"
	"github.com/gifpress/gifpress/internal/log"
	"github.com/gifpress/gifpress/internal/pool"
	"github.com/gifpress/gifpress/internal/store"
)

// Server holds handler dependencies.
type Server struct {
	store     *store.Store
	artifacts *artifact.Store
	pool      *pool.Pool
	bus       *bus.Bus
	runner    *gifsicle.Runner

	maxUploadBytes int64
	log            zerolog.Logger
}

// Deps wires the server's collaborators.
type Deps struct {
	Store          *store.Store
	Artifacts      *artifact.Store
	Pool           *pool.Pool
	Bus            *bus.Bus
	Runner         *gifsicle.Runner
	MaxUploadBytes int64
}

// New creates a Server.
func New(deps Deps) *Server {
	return &Server{
		store:          deps.Store,
		artifacts:      deps.Artifacts,
		pool:           deps.Pool,
		bus:            deps.Bus,
		runner:         deps.Runner,
		maxUploadBytes: deps.MaxUploadBytes,
		log:            log.WithComponent("api"),
	}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.With(httprate.LimitByIP(60, time.Minute)).Post("/upload", s.handleUpload)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/counts", s.handleJobCounts)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)

		r.Get("/download/zip/archive", s.handleDownloadZip)
		r.Get("/download/{id}", s.handleDownload)
		r.Get("/download/{id}/original", s.handleDownloadOriginal)

		r.Get("/queue/config", s.handleGetQueueConfig)
		r.Put("/queue/config", s.handleSetQueueConfig)
	})

	return r
}

// requestLogger emits one structured access log line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
