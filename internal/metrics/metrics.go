// SPDX-License-Identifier: MIT

// Package metrics exposes prometheus instrumentation for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts jobs reaching a terminal status.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gifpress_jobs_total",
		Help: "Jobs by terminal status",
	}, []string{"status"})

	// JobDuration tracks wall-clock processing time of the external tool.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gifpress_job_duration_seconds",
		Help:    "Wall-clock compression duration",
		Buckets: prometheus.ExponentialBuckets(0.1, 2.0, 12), // 100ms to ~3.5min
	})

	// BytesInput counts original bytes admitted.
	BytesInput = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gifpress_bytes_input_total",
		Help: "Total original bytes admitted",
	})

	// BytesOutput counts compressed bytes produced.
	BytesOutput = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gifpress_bytes_output_total",
		Help: "Total compressed bytes produced",
	})

	// WorkersActive is the number of jobs currently executing.
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gifpress_workers_active",
		Help: "Jobs currently executing",
	})

	// QueuePending is the number of admitted jobs not yet started.
	QueuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gifpress_queue_pending",
		Help: "Admitted jobs waiting for a worker",
	})

	// JobsReaped counts expired jobs removed by the reaper.
	JobsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gifpress_jobs_reaped_total",
		Help: "Expired jobs removed by the reaper",
	})

	// UploadsRejected counts admission rejections by reason.
	UploadsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gifpress_uploads_rejected_total",
		Help: "Rejected upload files by reason",
	}, []string{"reason"})

	// WSClients is the number of connected WebSocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gifpress_ws_clients",
		Help: "Connected WebSocket clients",
	})

	// PredictionError tracks the absolute log-space prediction error
	// observed at completion.
	PredictionError = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gifpress_prediction_abs_error_log",
		Help:    "Absolute log-space duration prediction error",
		Buckets: prometheus.LinearBuckets(0, 0.25, 10),
	})
)
