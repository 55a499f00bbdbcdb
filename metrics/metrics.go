// Package metrics wires the Prometheus surface (SPEC_FULL.md §4.I) that
// observes the Frame Pipeline, Stream Worker, Fan-out Hub, and REST
// Control Plane. No repo in the retrieved corpus imports a Prometheus
// client directly, so this one surface is sourced from the wider Go
// ecosystem's standard client_golang rather than grounded in-pack — see
// DESIGN.md.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics owns every collector in the process and satisfies the small
// consumer-defined interfaces in package pipeline, worker, hub, and
// middleware so each of those packages can depend on just the methods it
// needs rather than on this concrete type.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	streamsCreatedTotal     prometheus.Counter
	streamsDeletedTotal     prometheus.Counter
	streamsReorderedTotal   prometheus.Counter
	framesEmittedTotal      *prometheus.CounterVec
	framesDroppedTotal      *prometheus.CounterVec
	bufferOverflowTotal     *prometheus.CounterVec
	mjpegFramesDroppedTotal *prometheus.CounterVec
	workerRestartsTotal     *prometheus.CounterVec
	activeSubscribers       *prometheus.GaugeVec
	activeWorkers           prometheus.Gauge
	streamFPS               *prometheus.GaugeVec
}

// New registers every collector on a fresh registry and returns the
// combined Metrics value.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests handled, by method, route, and status.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		streamsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "streams_created_total",
			Help: "Total streams created via the REST control plane.",
		}),
		streamsDeletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "streams_deleted_total",
			Help: "Total streams deleted via the REST control plane.",
		}),
		streamsReorderedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "streams_reordered_total",
			Help: "Total successful catalogue reorder operations.",
		}),
		framesEmittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_frames_emitted_total",
			Help: "Total JPEG frames that survived the 5 FPS gate, by stream.",
		}, []string{"stream_id"}),
		framesDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_frames_dropped_total",
			Help: "Total JPEG frames dropped by the 5 FPS gate, by stream.",
		}, []string{"stream_id"}),
		bufferOverflowTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_buffer_overflow_total",
			Help: "Total times a stream's rolling parse buffer exceeded 5 MiB and was discarded.",
		}, []string{"stream_id"}),
		mjpegFramesDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mjpeg_frames_dropped_total",
			Help: "Total frames dropped for a slow MJPEG subscriber, by stream.",
		}, []string{"stream_id"}),
		workerRestartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_restarts_total",
			Help: "Total FFmpeg subprocess restarts, by stream.",
		}, []string{"stream_id"}),
		activeSubscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "active_mjpeg_subscribers",
			Help: "Current number of connected MJPEG subscribers, by stream.",
		}, []string{"stream_id"}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_workers",
			Help: "Current number of workers holding a running FFmpeg process slot.",
		}),
		streamFPS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stream_fps",
			Help: "EMA of emitted frames per second over the last 2s, by stream.",
		}, []string{"stream_id"}),
	}
}

// Registry exposes the underlying prometheus.Registry for promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// HTTPRequest records one completed HTTP request for the middleware.
func (m *Metrics) HTTPRequest(method, route, status string, durationSeconds float64) {
	m.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(durationSeconds)
}

// StreamCreated, StreamDeleted, and StreamsReordered back the Registry's
// catalogue-mutation counters.
func (m *Metrics) StreamCreated()    { m.streamsCreatedTotal.Inc() }
func (m *Metrics) StreamDeleted()    { m.streamsDeletedTotal.Inc() }
func (m *Metrics) StreamsReordered() { m.streamsReorderedTotal.Inc() }

// PipelineFrameEmitted, PipelineFrameDropped, and PipelineBufferOverflow
// implement package pipeline's Metrics interface.
func (m *Metrics) PipelineFrameEmitted(streamID string) {
	m.framesEmittedTotal.WithLabelValues(streamID).Inc()
}
func (m *Metrics) PipelineFrameDropped(streamID string) {
	m.framesDroppedTotal.WithLabelValues(streamID).Inc()
}
func (m *Metrics) PipelineBufferOverflow(streamID string) {
	m.bufferOverflowTotal.WithLabelValues(streamID).Inc()
}

// MJPEGFrameDropped implements package hub's Metrics interface.
func (m *Metrics) MJPEGFrameDropped(streamID string) {
	m.mjpegFramesDroppedTotal.WithLabelValues(streamID).Inc()
}

// ActiveSubscribers sets the current MJPEG subscriber gauge for a stream.
func (m *Metrics) ActiveSubscribers(streamID string, n int) {
	m.activeSubscribers.WithLabelValues(streamID).Set(float64(n))
}

// WorkerRestarted implements package worker's Metrics interface.
func (m *Metrics) WorkerRestarted(streamID string) {
	m.workerRestartsTotal.WithLabelValues(streamID).Inc()
}

// ActiveWorkers sets the process-wide running-worker gauge.
func (m *Metrics) ActiveWorkers(n int) { m.activeWorkers.Set(float64(n)) }

// StreamFPS sets the EMA FPS gauge for a stream.
func (m *Metrics) StreamFPS(streamID string, fps float64) {
	m.streamFPS.WithLabelValues(streamID).Set(fps)
}

// DeleteStreamSeries removes every per-stream series for id, so a deleted
// stream's old label values don't linger in /metrics forever.
func (m *Metrics) DeleteStreamSeries(streamID string) {
	m.framesEmittedTotal.DeleteLabelValues(streamID)
	m.framesDroppedTotal.DeleteLabelValues(streamID)
	m.bufferOverflowTotal.DeleteLabelValues(streamID)
	m.mjpegFramesDroppedTotal.DeleteLabelValues(streamID)
	m.workerRestartsTotal.DeleteLabelValues(streamID)
	m.activeSubscribers.DeleteLabelValues(streamID)
	m.streamFPS.DeleteLabelValues(streamID)
}
