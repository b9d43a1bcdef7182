package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/floatchat/floatchat/internal/ocean"
	"github.com/floatchat/floatchat/internal/storage"
)

// floatHistoryLimit caps the readings returned with a float's detail.
const floatHistoryLimit = 100

type FloatList struct {
	Floats []ocean.Float `json:"floats"`
	Count  int           `json:"count"`
	Region ocean.Region  `json:"region"`
}

// FloatDetail is a float's latest fix with its most recent readings.
type FloatDetail struct {
	ocean.Float
	ParameterHistory []ocean.Measurement `json:"parameter_history"`
}

// ParameterList holds readings of one parameter, newest first.
type ParameterList struct {
	Parameter    ocean.Parameter     `json:"parameter"`
	Region       ocean.Region        `json:"region"`
	TimeRange    ocean.TimeRange     `json:"time_range"`
	Measurements []ocean.Measurement `json:"measurements"`
	Count        int                 `json:"count"`
}

func handleStatistics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Store.Statistics()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read statistics: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleFloats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		region := ocean.Region(r.URL.Query().Get("region"))
		if region == "" {
			region = ocean.Global
		}
		if !region.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown region %q", region)
			return
		}
		limit := parseIntParam(r, "limit", 100, 1000)

		floats, err := deps.Store.ListFloats(region, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list floats: %v", err)
			return
		}
		if floats == nil {
			floats = []ocean.Float{}
		}
		writeJSON(w, http.StatusOK, FloatList{Floats: floats, Count: len(floats), Region: region})
	}
}

func handleFloatDetail(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "float_id")
		f, err := deps.Store.GetFloat(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "float %q not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read float: %v", err)
			return
		}

		history, err := deps.Store.QueryMeasurements(r.Context(), storage.MeasurementFilter{
			FloatID:     id,
			NewestFirst: true,
			Limit:       floatHistoryLimit,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read float history: %v", err)
			return
		}
		if history == nil {
			history = []ocean.Measurement{}
		}
		writeJSON(w, http.StatusOK, FloatDetail{Float: f, ParameterHistory: history})
	}
}

func handleParameters(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		param := ocean.Parameter(q.Get("parameter_name"))
		if param == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "parameter_name is required")
			return
		}
		if !param.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown parameter %q", param)
			return
		}
		region := ocean.Region(q.Get("region"))
		if region == "" {
			region = ocean.Global
		}
		if !region.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown region %q", region)
			return
		}
		tr := ocean.TimeRange(q.Get("time_range"))
		if tr == "" {
			tr = ocean.Last7Days
		}
		since, err := tr.Start(time.Now())
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		limit := parseIntParam(r, "limit", 1000, 1000)
		if limit == 0 {
			limit = 1000
		}

		all, err := deps.Store.QueryMeasurements(r.Context(), storage.MeasurementFilter{
			Parameters:  []string{string(param)},
			Since:       since,
			NewestFirst: true,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to query measurements: %v", err)
			return
		}

		ms := []ocean.Measurement{}
		for _, m := range all {
			if len(ms) >= limit {
				break
			}
			if region.Contains(m.Latitude, m.Longitude) {
				ms = append(ms, m)
			}
		}
		writeJSON(w, http.StatusOK, ParameterList{
			Parameter:    param,
			Region:       region,
			TimeRange:    tr,
			Measurements: ms,
			Count:        len(ms),
		})
	}
}
