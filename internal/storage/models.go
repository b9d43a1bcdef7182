package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ExportJob is the persisted form of an export job.
type ExportJob struct {
	ID          string
	Format      string
	Parameters  string // JSON array stored as text
	TimeRange   string
	Region      string
	Status      string // "pending", "processing", "completed", "failed"
	Progress    int
	Error       string
	DownloadRef string
	SizeBytes   int64
	Compressed  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time // zero unless completed
}

// MeasurementFilter narrows a measurement query. Empty fields match everything.
type MeasurementFilter struct {
	FloatID    string
	Parameters []string
	Since      time.Time
	Until      time.Time
	// NewestFirst reverses the default oldest-first order.
	NewestFirst bool
	// Limit caps the number of rows; <= 0 means no cap.
	Limit int
}
