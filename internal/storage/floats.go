package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/floatchat/floatchat/internal/ocean"
)

// --- Floats ---

// SeedIfEmpty inserts the given fleet when the floats table is empty.
// It reports whether anything was inserted.
func (s *Store) SeedIfEmpty(floats []ocean.Float, measurements []ocean.Measurement) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning seed transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM floats").Scan(&count); err != nil {
		return false, fmt.Errorf("counting floats: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	for _, f := range floats {
		if err := insertFloat(tx, f); err != nil {
			return false, err
		}
	}
	for _, m := range measurements {
		if err := insertMeasurement(tx, m); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing seed: %w", err)
	}
	return true, nil
}

// SaveFloat inserts or replaces a float's latest fix.
func (s *Store) SaveFloat(f ocean.Float) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning float transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertFloat(tx, f); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveMeasurements appends readings in a single transaction.
func (s *Store) SaveMeasurements(measurements []ocean.Measurement) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning measurement transaction: %w", err)
	}
	defer tx.Rollback()
	for _, m := range measurements {
		if err := insertMeasurement(tx, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertFloat(tx *sql.Tx, f ocean.Float) error {
	status := f.Status
	if status == "" {
		status = "active"
	}
	quality := f.DataQuality
	if quality == "" {
		quality = "good"
	}
	_, err := tx.Exec(`
		INSERT INTO floats (id, latitude, longitude, depth, status, data_quality, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			latitude = excluded.latitude, longitude = excluded.longitude, depth = excluded.depth,
			status = excluded.status, data_quality = excluded.data_quality, observed_at = excluded.observed_at`,
		f.ID, f.Latitude, f.Longitude, f.Depth, status, quality, f.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting float %s: %w", f.ID, err)
	}
	return nil
}

func insertMeasurement(tx *sql.Tx, m ocean.Measurement) error {
	quality := m.Quality
	if quality == "" {
		quality = "good"
	}
	_, err := tx.Exec(`
		INSERT INTO measurements (float_id, parameter, value, unit, depth, latitude, longitude, measured_at, quality)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.FloatID, string(m.Parameter), m.Value, m.Unit, m.Depth, m.Latitude, m.Longitude,
		m.Time.UTC().Format(time.RFC3339), quality,
	)
	if err != nil {
		return fmt.Errorf("inserting measurement for %s: %w", m.FloatID, err)
	}
	return nil
}

// GetFloat returns a single float by id, active or not.
func (s *Store) GetFloat(id string) (ocean.Float, error) {
	var f ocean.Float
	var observedAt string
	err := s.db.QueryRow(`
		SELECT id, latitude, longitude, depth, status, data_quality, observed_at
		FROM floats WHERE id = ?`, id,
	).Scan(&f.ID, &f.Latitude, &f.Longitude, &f.Depth, &f.Status, &f.DataQuality, &observedAt)
	if err == sql.ErrNoRows {
		return ocean.Float{}, ErrNotFound
	}
	if err != nil {
		return ocean.Float{}, fmt.Errorf("reading float %s: %w", id, err)
	}
	if f.Timestamp, err = time.Parse(time.RFC3339, observedAt); err != nil {
		return ocean.Float{}, fmt.Errorf("parsing observed_at: %w", err)
	}
	return f, nil
}

// ListFloats returns active floats inside region, most recently observed first.
// A limit <= 0 returns every match.
func (s *Store) ListFloats(region ocean.Region, limit int) ([]ocean.Float, error) {
	rows, err := s.db.Query(`
		SELECT id, latitude, longitude, depth, status, data_quality, observed_at
		FROM floats WHERE status = 'active' ORDER BY observed_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ocean.Float
	for rows.Next() {
		var f ocean.Float
		var observedAt string
		if err := rows.Scan(&f.ID, &f.Latitude, &f.Longitude, &f.Depth, &f.Status, &f.DataQuality, &observedAt); err != nil {
			return nil, err
		}
		if !region.Contains(f.Latitude, f.Longitude) {
			continue
		}
		t, err := time.Parse(time.RFC3339, observedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing observed_at: %w", err)
		}
		f.Timestamp = t
		results = append(results, f)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, rows.Err()
}

// QueryMeasurements returns readings matching filter, oldest first.
func (s *Store) QueryMeasurements(ctx context.Context, filter MeasurementFilter) ([]ocean.Measurement, error) {
	var where []string
	var args []any

	if filter.FloatID != "" {
		where = append(where, "float_id = ?")
		args = append(args, filter.FloatID)
	}
	if len(filter.Parameters) > 0 {
		where = append(where, "parameter IN (?"+strings.Repeat(",?", len(filter.Parameters)-1)+")")
		for _, p := range filter.Parameters {
			args = append(args, p)
		}
	}
	if !filter.Since.IsZero() {
		where = append(where, "measured_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if !filter.Until.IsZero() {
		where = append(where, "measured_at <= ?")
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}

	query := `SELECT float_id, parameter, value, unit, depth, latitude, longitude, measured_at, quality FROM measurements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.NewestFirst {
		query += " ORDER BY measured_at DESC, id DESC"
	} else {
		query += " ORDER BY measured_at ASC, id ASC"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying measurements: %w", err)
	}
	defer rows.Close()

	var results []ocean.Measurement
	for rows.Next() {
		var m ocean.Measurement
		var parameter, measuredAt string
		if err := rows.Scan(&m.FloatID, &parameter, &m.Value, &m.Unit, &m.Depth, &m.Latitude, &m.Longitude, &measuredAt, &m.Quality); err != nil {
			return nil, err
		}
		m.Parameter = ocean.Parameter(parameter)
		t, err := time.Parse(time.RFC3339, measuredAt)
		if err != nil {
			return nil, fmt.Errorf("parsing measured_at: %w", err)
		}
		m.Time = t
		results = append(results, m)
	}
	return results, rows.Err()
}

// Statistics counts floats and measurements.
func (s *Store) Statistics() (ocean.Statistics, error) {
	var st ocean.Statistics
	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM floats),
			(SELECT COUNT(*) FROM floats WHERE status = 'active'),
			(SELECT COUNT(*) FROM measurements)`,
	).Scan(&st.TotalFloats, &st.ActiveFloats, &st.TotalMeasurements)
	if err != nil {
		return ocean.Statistics{}, fmt.Errorf("reading statistics: %w", err)
	}
	return st, nil
}
