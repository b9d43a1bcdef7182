package ocean

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// DemoFleet generates the sample fleet used when the database is empty:
// 60 equatorial floats reporting during March 2023 and 40 floats spread
// over mid latitudes reporting within the 90 days before now. Every float
// carries one temperature and one salinity reading at its fix.
func DemoFleet(rng *rand.Rand, now time.Time) ([]Float, []Measurement) {
	floats := make([]Float, 0, 100)
	measurements := make([]Measurement, 0, 200)

	base := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
	for i := range 60 {
		f := Float{
			ID:          fmt.Sprintf("EQ_%04d", i+1),
			Latitude:    uniform(rng, -4.5, 4.5),
			Longitude:   uniform(rng, -180, 180),
			Depth:       uniform(rng, 200, 2000),
			Status:      "active",
			DataQuality: "good",
			Timestamp:   base.Add(time.Duration(rng.IntN(31))*24*time.Hour + time.Duration(rng.IntN(24))*time.Hour),
		}
		floats = append(floats, f)
		measurements = append(measurements,
			reading(f, Temperature, round(24+uniform(rng, -2, 3), 2)),
			reading(f, Salinity, round(35+uniform(rng, -1, 1), 3)),
		)
	}

	for i := range 40 {
		lat := uniform(rng, -60, 60)
		if lat > -5 && lat < 5 {
			if lat >= 0 {
				lat = 10
			} else {
				lat = -10
			}
		}
		f := Float{
			ID:          fmt.Sprintf("GL_%04d", i+1),
			Latitude:    lat,
			Longitude:   uniform(rng, -180, 180),
			Depth:       uniform(rng, 200, 2000),
			Status:      "active",
			DataQuality: "good",
			Timestamp:   now.UTC().Add(-time.Duration(rng.IntN(91)) * 24 * time.Hour),
		}
		floats = append(floats, f)
		measurements = append(measurements,
			reading(f, Temperature, round(18+uniform(rng, -5, 8), 2)),
			reading(f, Salinity, round(34.5+uniform(rng, -1.2, 1.2), 3)),
		)
	}

	return floats, measurements
}

func reading(f Float, p Parameter, v float64) Measurement {
	return Measurement{
		FloatID:   f.ID,
		Parameter: p,
		Value:     v,
		Unit:      p.Unit(),
		Depth:     f.Depth,
		Latitude:  f.Latitude,
		Longitude: f.Longitude,
		Time:      f.Timestamp,
		Quality:   "good",
	}
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
