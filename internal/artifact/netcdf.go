package artifact

import (
	"fmt"
	"io"
	"os"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/util"
)

// obsDim is the observation dimension shared by every column.
const obsDim = "obs"

type netcdfEncoder struct{}

func (netcdfEncoder) ContentType() string { return "application/x-netcdf" }
func (netcdfEncoder) Extension() string   { return ".nc" }

// Encode writes a CF point dataset. The writer only targets named files, so
// the dataset is staged in a temporary file and then copied to w.
func (netcdfEncoder) Encode(w io.Writer, rows []Row) error {
	tmp, err := os.CreateTemp("", "floatchat-*.nc")
	if err != nil {
		return fmt.Errorf("creating netcdf staging file: %w", err)
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	if err := writeNetCDF(path, rows); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reopening netcdf staging file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copying netcdf output: %w", err)
	}
	return nil
}

type ncColumn struct {
	name   string
	values any // []float64 or []string
	attrs  [][2]string
}

func writeNetCDF(path string, rows []Row) error {
	n := len(rows)
	var (
		ids       = make([]string, n)
		times     = make([]float64, n)
		lats      = make([]float64, n)
		lons      = make([]float64, n)
		depths    = make([]float64, n)
		params    = make([]string, n)
		values    = make([]float64, n)
		units     = make([]string, n)
		qualities = make([]string, n)
	)
	for i, r := range rows {
		ids[i] = r.FloatID
		times[i] = float64(r.Time.UnixMilli()) / 1000
		lats[i] = r.Latitude
		lons[i] = r.Longitude
		depths[i] = r.Depth
		params[i] = r.Parameter
		values[i] = r.Value
		units[i] = r.Unit
		qualities[i] = r.Quality
	}

	columns := []ncColumn{
		{"float_id", ids, [][2]string{{"long_name", "float identifier"}}},
		{"time", times, [][2]string{{"standard_name", "time"}, {"units", "seconds since 1970-01-01T00:00:00Z"}}},
		{"latitude", lats, [][2]string{{"standard_name", "latitude"}, {"units", "degrees_north"}}},
		{"longitude", lons, [][2]string{{"standard_name", "longitude"}, {"units", "degrees_east"}}},
		{"depth", depths, [][2]string{{"standard_name", "depth"}, {"units", "m"}, {"positive", "down"}}},
		{"parameter", params, [][2]string{{"long_name", "measured parameter"}}},
		{"value", values, [][2]string{{"long_name", "measured value"}, {"coordinates", "time latitude longitude depth"}}},
		{"unit", units, [][2]string{{"long_name", "unit of value"}}},
		{"quality", qualities, [][2]string{{"long_name", "quality flag"}}},
	}

	cw, err := netcdf.OpenWriter(path, netcdf.KindCDF)
	if err != nil {
		return fmt.Errorf("opening netcdf writer: %w", err)
	}

	globals, err := attributeMap([][2]string{
		{"title", "FloatChat ocean measurement export"},
		{"Conventions", "CF-1.6"},
		{"featureType", "point"},
	})
	if err != nil {
		cw.Close()
		return err
	}
	if err := cw.AddAttributes(globals); err != nil {
		cw.Close()
		return fmt.Errorf("adding netcdf global attributes: %w", err)
	}

	for _, col := range columns {
		// Character columns need a non-empty string length dimension.
		if s, ok := col.values.([]string); ok && longest(s) == 0 {
			continue
		}
		attrs, err := attributeMap(col.attrs)
		if err != nil {
			cw.Close()
			return err
		}
		if err := cw.AddVar(col.name, api.Variable{
			Values:     col.values,
			Dimensions: []string{obsDim},
			Attributes: attrs,
		}); err != nil {
			cw.Close()
			return fmt.Errorf("adding netcdf variable %s: %w", col.name, err)
		}
	}

	if err := cw.Close(); err != nil {
		return fmt.Errorf("writing netcdf file: %w", err)
	}
	return nil
}

func attributeMap(pairs [][2]string) (*util.OrderedMap, error) {
	keys := make([]string, 0, len(pairs))
	vals := make(map[string]any, len(pairs))
	for _, p := range pairs {
		keys = append(keys, p[0])
		vals[p[0]] = p[1]
	}
	m, err := util.NewOrderedMap(keys, vals)
	if err != nil {
		return nil, fmt.Errorf("building netcdf attributes: %w", err)
	}
	return m, nil
}

func longest(s []string) int {
	n := 0
	for _, v := range s {
		n = max(n, len(v))
	}
	return n
}
