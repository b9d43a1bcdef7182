package ocean

import (
	"math"
	"math/rand/v2"
	"time"
)

// maxDriftDegrees bounds how far a float moves between two fixes.
const maxDriftDegrees = 0.05

// Drift advances f to a new fix at now: the position moves by a small
// random offset, the profile depth changes and one temperature and one
// salinity reading are taken at the new position. Status and quality are
// carried over.
func Drift(rng *rand.Rand, f Float, now time.Time) (Float, []Measurement) {
	next := f
	next.Latitude = round(clamp(f.Latitude+uniform(rng, -maxDriftDegrees, maxDriftDegrees), -89.9, 89.9), 4)
	next.Longitude = round(wrapLongitude(f.Longitude+uniform(rng, -maxDriftDegrees, maxDriftDegrees)), 4)
	next.Depth = round(clamp(f.Depth+uniform(rng, -50, 50), 0, 2000), 1)
	next.Timestamp = now.UTC()

	// Surface temperature falls off with latitude.
	temp := 28 - 0.3*math.Abs(next.Latitude) + uniform(rng, -0.5, 0.5)
	sal := 35 + uniform(rng, -0.4, 0.4)

	return next, []Measurement{
		reading(next, Temperature, round(temp, 2)),
		reading(next, Salinity, round(sal, 3)),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func wrapLongitude(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}
