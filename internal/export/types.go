// Package export tracks asynchronous data export jobs from submission to
// completion or failure.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/floatchat/floatchat/internal/ocean"
	"github.com/floatchat/floatchat/internal/storage"
)

var (
	// ErrInvalidRequest is returned synchronously by Submit.
	ErrInvalidRequest = errors.New("invalid export request")
	// ErrPipelineFailure wraps errors reported by a pipeline.
	ErrPipelineFailure = errors.New("export pipeline failed")
	ErrTimeout         = errors.New("export timed out")
	ErrCancelled       = errors.New("export cancelled")
	ErrInterrupted     = errors.New("interrupted")
	ErrNotFound        = errors.New("export job not found")
	// ErrTerminal is returned when cancelling a job that already finished.
	ErrTerminal = errors.New("export job already finished")
	ErrClosed   = errors.New("tracker closed")
)

// Format is an export file format.
type Format string

const (
	CSV     Format = "csv"
	JSON    Format = "json"
	NetCDF  Format = "netcdf"
	Parquet Format = "parquet"
)

// Formats lists every supported format.
func Formats() []Format {
	return []Format{CSV, JSON, NetCDF, Parquet}
}

func (f Format) Valid() bool {
	switch f {
	case CSV, JSON, NetCDF, Parquet:
		return true
	}
	return false
}

// Status is a job's lifecycle state.
type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// Request describes what to export.
type Request struct {
	Format     Format            `json:"format"`
	Parameters []ocean.Parameter `json:"parameters"`
	TimeRange  ocean.TimeRange   `json:"time_range"`
	Region     ocean.Region      `json:"region"`
	Compress   bool              `json:"compress,omitempty"`
}

// normalize validates r and returns a copy with duplicate parameters removed.
func (r Request) normalize() (Request, error) {
	if len(r.Parameters) == 0 {
		return Request{}, fmt.Errorf("%w: at least one parameter is required", ErrInvalidRequest)
	}
	if !r.Format.Valid() {
		return Request{}, fmt.Errorf("%w: unknown format %q", ErrInvalidRequest, r.Format)
	}
	if !r.TimeRange.Valid() {
		return Request{}, fmt.Errorf("%w: unknown time range %q", ErrInvalidRequest, r.TimeRange)
	}
	if !r.Region.Valid() {
		return Request{}, fmt.Errorf("%w: unknown region %q", ErrInvalidRequest, r.Region)
	}

	seen := make(map[ocean.Parameter]bool, len(r.Parameters))
	params := make([]ocean.Parameter, 0, len(r.Parameters))
	for _, p := range r.Parameters {
		if !p.Valid() {
			return Request{}, fmt.Errorf("%w: unknown parameter %q", ErrInvalidRequest, p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		params = append(params, p)
	}
	r.Parameters = params
	return r, nil
}

// Job is a snapshot of an export job. Values handed out by the tracker are
// copies; mutating them has no effect on tracked state.
type Job struct {
	ID          string            `json:"id"`
	Format      Format            `json:"format"`
	Parameters  []ocean.Parameter `json:"parameters"`
	TimeRange   ocean.TimeRange   `json:"time_range"`
	Region      ocean.Region      `json:"region"`
	Compressed  bool              `json:"compressed,omitempty"`
	Status      Status            `json:"status"`
	Progress    int               `json:"progress"`
	Error       string            `json:"error,omitempty"`
	DownloadRef string            `json:"download_ref,omitempty"`
	SizeBytes   int64             `json:"size_bytes,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

func (j Job) clone() Job {
	j.Parameters = append([]ocean.Parameter(nil), j.Parameters...)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}

func (j Job) record() storage.ExportJob {
	params, _ := json.Marshal(j.Parameters)
	rec := storage.ExportJob{
		ID:          j.ID,
		Format:      string(j.Format),
		Parameters:  string(params),
		TimeRange:   string(j.TimeRange),
		Region:      string(j.Region),
		Status:      string(j.Status),
		Progress:    j.Progress,
		Error:       j.Error,
		DownloadRef: j.DownloadRef,
		SizeBytes:   j.SizeBytes,
		Compressed:  j.Compressed,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if j.CompletedAt != nil {
		rec.CompletedAt = *j.CompletedAt
	}
	return rec
}

func jobFromRecord(rec storage.ExportJob) (Job, error) {
	var params []ocean.Parameter
	if err := json.Unmarshal([]byte(rec.Parameters), &params); err != nil {
		return Job{}, fmt.Errorf("decoding parameters for job %s: %w", rec.ID, err)
	}
	j := Job{
		ID:          rec.ID,
		Format:      Format(rec.Format),
		Parameters:  params,
		TimeRange:   ocean.TimeRange(rec.TimeRange),
		Region:      ocean.Region(rec.Region),
		Compressed:  rec.Compressed,
		Status:      Status(rec.Status),
		Progress:    rec.Progress,
		Error:       rec.Error,
		DownloadRef: rec.DownloadRef,
		SizeBytes:   rec.SizeBytes,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if !rec.CompletedAt.IsZero() {
		t := rec.CompletedAt
		j.CompletedAt = &t
	}
	return j, nil
}
