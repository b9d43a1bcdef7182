package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Export Jobs ---

// jobTimeLayout is fixed width so timestamps sort lexically.
const jobTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const exportJobColumns = `id, format, parameters, time_range, region, status, progress, error,
	download_ref, size_bytes, compressed, created_at, updated_at, completed_at`

// SaveExportJob inserts the job or overwrites its mutable fields.
func (s *Store) SaveExportJob(j ExportJob) error {
	var completedAt sql.NullString
	if !j.CompletedAt.IsZero() {
		completedAt = sql.NullString{String: j.CompletedAt.UTC().Format(jobTimeLayout), Valid: true}
	}
	updatedAt := j.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO export_jobs (`+exportJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, progress = excluded.progress, error = excluded.error,
			download_ref = excluded.download_ref, size_bytes = excluded.size_bytes,
			updated_at = excluded.updated_at, completed_at = excluded.completed_at`,
		j.ID, j.Format, j.Parameters, j.TimeRange, j.Region, j.Status, j.Progress, j.Error,
		j.DownloadRef, j.SizeBytes, j.Compressed,
		j.CreatedAt.UTC().Format(jobTimeLayout), updatedAt.UTC().Format(jobTimeLayout), completedAt,
	)
	return err
}

// ListExportJobs returns up to limit jobs, newest first. A limit <= 0 returns all.
func (s *Store) ListExportJobs(limit int) ([]ExportJob, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+exportJobColumns+` FROM export_jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ExportJob
	for rows.Next() {
		j, err := scanExportJob(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, j)
	}
	return results, rows.Err()
}

func (s *Store) DeleteExportJob(id string) error {
	res, err := s.db.Exec(`DELETE FROM export_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanExportJob(r *sql.Rows) (ExportJob, error) {
	var j ExportJob
	var createdAt, updatedAt string
	var completedAt sql.NullString
	if err := r.Scan(&j.ID, &j.Format, &j.Parameters, &j.TimeRange, &j.Region, &j.Status, &j.Progress, &j.Error,
		&j.DownloadRef, &j.SizeBytes, &j.Compressed, &createdAt, &updatedAt, &completedAt); err != nil {
		return ExportJob{}, err
	}

	var err error
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return ExportJob{}, fmt.Errorf("parsing created_at for export job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return ExportJob{}, fmt.Errorf("parsing updated_at for export job %s: %w", j.ID, err)
	}
	if completedAt.Valid {
		if j.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt.String); err != nil {
			return ExportJob{}, fmt.Errorf("parsing completed_at for export job %s: %w", j.ID, err)
		}
	}
	return j, nil
}
