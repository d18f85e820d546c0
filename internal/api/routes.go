package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peakmap/server/internal/buildstore"
	"github.com/peakmap/server/internal/levelstore"
	"github.com/peakmap/server/internal/metrics"
	"github.com/peakmap/server/internal/pyramid"
	"github.com/peakmap/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Build job endpoints
	r.Route("/api/builds", func(r chi.Router) {
		r.Post("/", buildSubmitHandler(cfg.Registry, cfg.JobManager))
		r.Get("/", buildListHandler(cfg.JobManager))
		r.Get("/{job_id}", buildStatusHandler(cfg.JobManager))
		r.Delete("/{job_id}", buildCancelHandler(cfg.JobManager))
	})

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/hierarchy", hierarchyHandler)
			r.Get("/categories", categoriesHandler)
			r.Get("/builds", datasetBuildsHandler)
			r.Get("/levels/{level}", levelHandler)
			r.Get("/viewport", viewportHandler)
			r.Get("/verify", verifyHandler)
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects the hierarchy service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.HierarchyService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.HierarchyService); ok {
		return svc
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, levelstore.ErrNoBuild):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrLevelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidQuery):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		status = 499
	}
	http.Error(w, err.Error(), status)
}

// pointJSON encodes a point; a NaN intensity becomes null.
type pointJSON struct {
	RowID     int64    `json:"row_id"`
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Intensity *float64 `json:"intensity"`
	Category  string   `json:"category,omitempty"`
}

func encodePoints(pts []pyramid.Point) []pointJSON {
	out := make([]pointJSON, len(pts))
	for i, p := range pts {
		out[i] = pointJSON{RowID: p.RowID, X: p.X, Y: p.Y, Category: p.Category}
		if !math.IsNaN(p.Intensity) && !math.IsInf(p.Intensity, 0) {
			v := p.Intensity
			out[i].Intensity = &v
		}
	}
	return out
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

func hierarchyHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	category := r.URL.Query().Get("category")
	snap, err := svc.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	h, fallback := snap.Set.Global, false
	if category != "" {
		var ok bool
		if h, ok = snap.Set.ForCategory(category); !ok {
			h, fallback = snap.Set.Global, true
		}
	}
	m := snap.Manifest
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dataset":     m.Dataset,
		"build_id":    m.BuildID,
		"created_at":  m.CreatedAt,
		"compression": m.Compression,
		"params":      m.Params,
		"hierarchy":   pyramid.Label(h.Category),
		"fallback":    fallback,
		"range":       h.Range(),
		"x_bins":      h.Grid.XBins,
		"y_bins":      h.Grid.YBins,
		"total":       h.Total,
		"levels":      h.Levels,
	})
}

func categoriesHandler(w http.ResponseWriter, r *http.Request) {
	res, err := getDatasetService(r).Categories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func datasetBuildsHandler(w http.ResponseWriter, r *http.Request) {
	res, err := getDatasetService(r).Builds(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func levelHandler(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil {
		http.Error(w, "invalid level", http.StatusBadRequest)
		return
	}
	res, err := getDatasetService(r).Level(r.Context(), r.URL.Query().Get("category"), index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hierarchy": res.Hierarchy,
		"fallback":  res.Fallback,
		"range":     res.Range,
		"level":     res.Level,
		"points":    encodePoints(res.Points),
	})
}

func viewportHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var view pyramid.AxisRange
	bounds := []struct {
		name string
		dst  *float64
	}{
		{"x0", &view.MinX}, {"x1", &view.MaxX}, {"y0", &view.MinY}, {"y1", &view.MaxY},
	}
	for _, b := range bounds {
		v, err := strconv.ParseFloat(strings.TrimSpace(q.Get(b.name)), 64)
		if err != nil || math.IsNaN(v) {
			http.Error(w, "invalid or missing query param: "+b.name, http.StatusBadRequest)
			return
		}
		*b.dst = v
	}
	maxPoints, err := strconv.Atoi(q.Get("max_points"))
	if err != nil {
		http.Error(w, "invalid or missing query param: max_points", http.StatusBadRequest)
		return
	}

	res, err := getDatasetService(r).Viewport(r.Context(), service.ViewportQuery{
		Category:  q.Get("category"),
		View:      view,
		MaxPoints: maxPoints,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hierarchy": res.Hierarchy,
		"fallback":  res.Fallback,
		"level":     res.Level,
		"in_view":   res.InView,
		"truncated": res.Truncated,
		"points":    encodePoints(res.Points),
	})
}

func verifyHandler(w http.ResponseWriter, r *http.Request) {
	rep, err := getDatasetService(r).Verify(r.Context(), r.URL.Query().Get("category"))
	if err != nil && !errors.Is(err, pyramid.ErrNotNested) {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"ok":     err == nil,
		"levels": rep.Levels,
		"sizes":  rep.Sizes,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type buildSubmitRequest struct {
	Dataset    string   `json:"dataset"`
	Categories []string `json:"categories"`
}

func buildSubmitHandler(registry *DatasetRegistry, jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req buildSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Dataset == "" {
			req.Dataset = registry.DefaultDatasetID()
		}
		if registry.Get(req.Dataset) == nil {
			http.Error(w, "dataset not found: "+req.Dataset, http.StatusNotFound)
			return
		}

		job, err := jm.Submit(buildstore.JobParams{DatasetID: req.Dataset, Categories: req.Categories})
		if errors.Is(err, ErrBuildActive) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"job_id": job.ID,
				"status": job.Status,
				"error":  err.Error(),
			})
			return
		}
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func buildListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		jobs, err := jm.List(r.URL.Query().Get("dataset"), limit)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if jobs == nil {
			jobs = []*buildstore.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
	}
}

func buildStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func buildCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobID := chi.URLParam(r, "job_id")
		if jm.Get(jobID) == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		// purge removes the record of a finished job instead of cancelling.
		if r.URL.Query().Get("purge") == "true" {
			if err := jm.Delete(jobID); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": jobID, "deleted": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": jm.Cancel(jobID),
		})
	}
}
