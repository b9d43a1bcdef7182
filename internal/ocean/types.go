package ocean

import (
	"fmt"
	"time"
)

// Parameter identifies a measured ocean variable.
type Parameter string

const (
	Temperature Parameter = "temperature"
	Salinity    Parameter = "salinity"
	Pressure    Parameter = "pressure"
	Oxygen      Parameter = "oxygen"
	PH          Parameter = "ph"
	Chlorophyll Parameter = "chlorophyll"
)

var parameterUnits = map[Parameter]string{
	Temperature: "°C",
	Salinity:    "PSU",
	Pressure:    "dbar",
	Oxygen:      "mg/L",
	PH:          "pH",
	Chlorophyll: "mg/m³",
}

// Parameters returns every known parameter in display order.
func Parameters() []Parameter {
	return []Parameter{Temperature, Salinity, Pressure, Oxygen, PH, Chlorophyll}
}

// Valid reports whether p is a known parameter.
func (p Parameter) Valid() bool {
	_, ok := parameterUnits[p]
	return ok
}

// Unit returns the measurement unit for p, or "" if p is unknown.
func (p Parameter) Unit() string {
	return parameterUnits[p]
}

// Region is a named ocean area.
type Region string

const (
	Global     Region = "global"
	Indian     Region = "indian"
	Pacific    Region = "pacific"
	Atlantic   Region = "atlantic"
	Equatorial Region = "equatorial"
)

// Regions returns every known region.
func Regions() []Region {
	return []Region{Global, Indian, Pacific, Atlantic, Equatorial}
}

// Valid reports whether r is a known region.
func (r Region) Valid() bool {
	switch r {
	case Global, Indian, Pacific, Atlantic, Equatorial:
		return true
	}
	return false
}

// Contains reports whether the position lies inside r. The Pacific box
// wraps across the antimeridian.
func (r Region) Contains(lat, lon float64) bool {
	switch r {
	case Global:
		return true
	case Indian:
		return lon >= 20 && lon <= 120 && lat >= -30 && lat <= 30
	case Pacific:
		return (lon >= 120 || lon <= -60) && lat >= -60 && lat <= 60
	case Atlantic:
		return lon >= -60 && lon <= 20 && lat >= -60 && lat <= 60
	case Equatorial:
		return lat >= -5 && lat <= 5
	}
	return false
}

// TimeRange is a lookback window ending now.
type TimeRange string

const (
	Last24Hours TimeRange = "24h"
	Last7Days   TimeRange = "7d"
	Last30Days  TimeRange = "30d"
	Last90Days  TimeRange = "90d"
	LastYear    TimeRange = "1y"
)

var timeRanges = map[TimeRange]time.Duration{
	Last24Hours: 24 * time.Hour,
	Last7Days:   7 * 24 * time.Hour,
	Last30Days:  30 * 24 * time.Hour,
	Last90Days:  90 * 24 * time.Hour,
	LastYear:    365 * 24 * time.Hour,
}

// TimeRanges returns every known time range, shortest first.
func TimeRanges() []TimeRange {
	return []TimeRange{Last24Hours, Last7Days, Last30Days, Last90Days, LastYear}
}

// Valid reports whether tr is a known time range.
func (tr TimeRange) Valid() bool {
	_, ok := timeRanges[tr]
	return ok
}

// Start returns the beginning of the window relative to now.
func (tr TimeRange) Start(now time.Time) (time.Time, error) {
	d, ok := timeRanges[tr]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown time range %q", tr)
	}
	return now.Add(-d), nil
}

// Float is a single profiling float and its latest fix.
type Float struct {
	ID          string    `json:"float_id"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Depth       float64   `json:"depth"`
	Status      string    `json:"status"`
	DataQuality string    `json:"data_quality"`
	Timestamp   time.Time `json:"timestamp"`
}

// Measurement is one parameter reading taken by a float.
type Measurement struct {
	FloatID   string    `json:"float_id"`
	Parameter Parameter `json:"parameter"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Depth     float64   `json:"depth"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Time      time.Time `json:"time"`
	Quality   string    `json:"quality"`
}

// Statistics summarises the stored float fleet.
type Statistics struct {
	TotalFloats       int64 `json:"total_floats"`
	ActiveFloats      int64 `json:"active_floats"`
	TotalMeasurements int64 `json:"total_measurements"`
}
