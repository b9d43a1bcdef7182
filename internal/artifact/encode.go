// Package artifact encodes ocean measurements into downloadable export files
// and stores them in a blob bucket.
package artifact

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"

	"github.com/floatchat/floatchat/internal/ocean"
)

// Row is one long-format observation: a single parameter reading from a
// single float at a single time and depth.
type Row struct {
	FloatID   string    `json:"float_id"`
	Time      time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Depth     float64   `json:"depth"`
	Parameter string    `json:"parameter"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Quality   string    `json:"quality"`
}

// RowsFromMeasurements flattens measurements into export rows, filling in
// the canonical unit when one was not recorded.
func RowsFromMeasurements(ms []ocean.Measurement) []Row {
	rows := make([]Row, 0, len(ms))
	for _, m := range ms {
		unit := m.Unit
		if unit == "" {
			unit = m.Parameter.Unit()
		}
		rows = append(rows, Row{
			FloatID:   m.FloatID,
			Time:      m.Time.UTC(),
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
			Depth:     m.Depth,
			Parameter: string(m.Parameter),
			Value:     m.Value,
			Unit:      unit,
			Quality:   m.Quality,
		})
	}
	return rows
}

var columns = []string{"float_id", "timestamp", "latitude", "longitude", "depth", "parameter", "value", "unit", "quality"}

// Encoder writes rows in one file format.
type Encoder interface {
	Encode(w io.Writer, rows []Row) error
	ContentType() string
	Extension() string
}

// EncoderFor returns the encoder for a format name.
func EncoderFor(format string) (Encoder, error) {
	switch format {
	case "csv":
		return csvEncoder{}, nil
	case "json":
		return jsonEncoder{}, nil
	case "netcdf":
		return netcdfEncoder{}, nil
	case "parquet":
		return parquetEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// Gzip wraps enc so its output is gzip-compressed.
func Gzip(enc Encoder) Encoder {
	return gzipEncoder{inner: enc}
}

// --- CSV ---

type csvEncoder struct{}

func (csvEncoder) ContentType() string { return "text/csv" }
func (csvEncoder) Extension() string   { return ".csv" }

func (csvEncoder) Encode(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, r := range rows {
		rec := []string{
			r.FloatID,
			r.Time.Format(time.RFC3339),
			formatFloat(r.Latitude),
			formatFloat(r.Longitude),
			formatFloat(r.Depth),
			r.Parameter,
			formatFloat(r.Value),
			r.Unit,
			r.Quality,
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// --- JSON ---

type jsonEncoder struct{}

func (jsonEncoder) ContentType() string { return "application/json" }
func (jsonEncoder) Extension() string   { return ".json" }

func (jsonEncoder) Encode(w io.Writer, rows []Row) error {
	if rows == nil {
		rows = []Row{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		return fmt.Errorf("encoding json rows: %w", err)
	}
	return nil
}

// --- Parquet ---

type parquetRow struct {
	FloatID   string  `parquet:"float_id,dict"`
	Timestamp int64   `parquet:"timestamp"`
	Latitude  float64 `parquet:"latitude"`
	Longitude float64 `parquet:"longitude"`
	Depth     float64 `parquet:"depth"`
	Parameter string  `parquet:"parameter,dict"`
	Value     float64 `parquet:"value"`
	Unit      string  `parquet:"unit,dict"`
	Quality   string  `parquet:"quality,dict"`
}

type parquetEncoder struct{}

func (parquetEncoder) ContentType() string { return "application/vnd.apache.parquet" }
func (parquetEncoder) Extension() string   { return ".parquet" }

func (parquetEncoder) Encode(w io.Writer, rows []Row) error {
	pw := parquet.NewGenericWriter[parquetRow](w,
		parquet.Compression(&parquet.Zstd),
		parquet.MaxRowsPerRowGroup(80_000),
	)

	batch := make([]parquetRow, 0, len(rows))
	for _, r := range rows {
		batch = append(batch, parquetRow{
			FloatID:   r.FloatID,
			Timestamp: r.Time.UnixMilli(),
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
			Depth:     r.Depth,
			Parameter: r.Parameter,
			Value:     r.Value,
			Unit:      r.Unit,
			Quality:   r.Quality,
		})
	}
	if _, err := pw.Write(batch); err != nil {
		pw.Close()
		return fmt.Errorf("writing parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("closing parquet writer: %w", err)
	}
	return nil
}

// --- gzip ---

type gzipEncoder struct {
	inner Encoder
}

func (gzipEncoder) ContentType() string { return "application/gzip" }
func (g gzipEncoder) Extension() string { return g.inner.Extension() + ".gz" }

func (g gzipEncoder) Encode(w io.Writer, rows []Row) error {
	zw, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	if err := g.inner.Encode(zw, rows); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}
	return nil
}
