// Package metrics defines the Prometheus collectors of the server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildsTotal counts finished build jobs by final status.
	BuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peakmap_builds_total",
			Help: "Total number of finished hierarchy builds",
		},
		[]string{"dataset", "status"},
	)

	// BuildDuration measures whole builds, all hierarchies included.
	BuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peakmap_build_duration_seconds",
			Help:    "Duration of hierarchy builds in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"dataset"},
	)

	// DownsampleDuration measures computing one level from the next finer one.
	DownsampleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "peakmap_downsample_duration_seconds",
			Help:    "Duration of a single level downsampling in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		},
	)

	LevelsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peakmap_levels_written_total",
			Help: "Total number of level files written",
		},
	)

	LevelBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peakmap_level_bytes_written_total",
			Help: "Total size of level files written, after compression",
		},
	)

	// LevelPoints tracks the size of every level of the published builds.
	LevelPoints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peakmap_level_points",
			Help: "Number of points in a published level",
		},
		[]string{"dataset", "hierarchy", "level"},
	)

	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peakmap_cache_requests_total",
			Help: "Level cache lookups by result",
		},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peakmap_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peakmap_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)
)

// ObserveLevelWritten records one stored level file.
func ObserveLevelWritten(bytes int) {
	LevelsWritten.Inc()
	LevelBytesWritten.Add(float64(bytes))
}

// ObserveCache records a level cache lookup.
func ObserveCache(hit bool) {
	if hit {
		CacheRequests.WithLabelValues("hit").Inc()
		return
	}
	CacheRequests.WithLabelValues("miss").Inc()
}

// Middleware records request counts and durations, labeled by chi route
// pattern so that path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
