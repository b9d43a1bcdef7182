package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/floatchat/floatchat/internal/artifact"
	"github.com/floatchat/floatchat/internal/export"
)

type SubmitResponse struct {
	JobID  string        `json:"job_id"`
	Status export.Status `json:"status"`
}

type JobList struct {
	Jobs  []export.Job `json:"jobs"`
	Total int          `json:"total"`
}

func handleSubmitExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req export.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		id, err := deps.Tracker.Submit(r.Context(), req)
		switch {
		case errors.Is(err, export.ErrInvalidRequest):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, export.ErrClosed):
			httpError(w, http.StatusServiceUnavailable, "api_error", "export service is shutting down")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to submit export: %v", err)
			return
		}

		w.Header().Set("Location", "/api/export/"+id)
		writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: id, Status: export.Pending})
	}
}

func handleListExports(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs := deps.Tracker.List()
		total := len(jobs)
		if limit := parseIntParam(r, "limit", 0, 0); limit > 0 && limit < len(jobs) {
			jobs = jobs[:limit]
		}
		writeJSON(w, http.StatusOK, JobList{Jobs: jobs, Total: total})
	}
}

func handleGetExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := deps.Tracker.Get(id)
		if errors.Is(err, export.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "export job %s not found", id)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleCancelExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		switch err := deps.Tracker.Cancel(id); {
		case errors.Is(err, export.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "export job %s not found", id)
			return
		case errors.Is(err, export.ErrTerminal):
			httpError(w, http.StatusConflict, "conflict_error", "export job %s already finished", id)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel export: %v", err)
			return
		}

		job, _ := deps.Tracker.Get(id)
		writeJSON(w, http.StatusOK, job)
	}
}

func handleDownloadExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := deps.Tracker.Get(id)
		if errors.Is(err, export.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "export job %s not found", id)
			return
		}
		if job.Status != export.Completed {
			httpError(w, http.StatusConflict, "conflict_error", "export job %s is %s", id, job.Status)
			return
		}
		if deps.Bucket == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "artifact storage is not configured")
			return
		}

		rd, err := deps.Bucket.Open(r.Context(), job.DownloadRef)
		if errors.Is(err, artifact.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "artifact for export job %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to open artifact: %v", err)
			return
		}
		defer rd.Close()

		w.Header().Set("Content-Type", rd.ContentType())
		w.Header().Set("Content-Length", strconv.FormatInt(rd.Size(), 10))
		w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(job.DownloadRef)+`"`)
		if _, err := io.Copy(w, rd); err != nil {
			slog.Warn("artifact download interrupted", "job_id", id, "error", err)
		}
	}
}
