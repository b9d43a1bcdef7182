package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/floatchat/floatchat/internal/artifact"
	"github.com/floatchat/floatchat/internal/export"
	"github.com/floatchat/floatchat/internal/livefeed"
	"github.com/floatchat/floatchat/internal/metrics"
	"github.com/floatchat/floatchat/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

type Deps struct {
	Tracker *export.Tracker
	Store   *storage.Store
	Bucket  *artifact.Bucket    // optional; downloads return 503 without it
	Events  *livefeed.Publisher // optional; /api/events returns 503 without it
	Metrics *metrics.Metrics
}

// NewHandler returns the HTTP API: export jobs, the live event stream, fleet
// data, health and metrics.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/export", handleSubmitExport(deps))
		r.Get("/export", handleListExports(deps))
		r.Get("/export/{id}", handleGetExport(deps))
		r.Delete("/export/{id}", handleCancelExport(deps))
		r.Get("/export/{id}/download", handleDownloadExport(deps))

		r.Get("/events", handleEvents(deps))

		r.Get("/data/statistics", handleStatistics(deps))
		r.Get("/data/floats", handleFloats(deps))
		r.Get("/data/floats/{float_id}", handleFloatDetail(deps))
		r.Get("/data/parameters", handleParameters(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
