package ocean

import (
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionContains(t *testing.T) {
	tests := []struct {
		region   Region
		lat, lon float64
		want     bool
	}{
		{Global, 80, 170, true},
		{Indian, 0, 75, true},
		{Indian, 0, 150, false},
		{Pacific, 10, 170, true},
		{Pacific, 10, -150, true},
		{Pacific, 10, 0, false},
		{Atlantic, 20, -30, true},
		{Atlantic, 70, -30, false},
		{Equatorial, 4.9, 100, true},
		{Equatorial, 6, 100, false},
		{Region("arctic"), 0, 0, false},
	}
	for _, tt := range tests {
		got := tt.region.Contains(tt.lat, tt.lon)
		assert.Equalf(t, tt.want, got, "%s.Contains(%v, %v)", tt.region, tt.lat, tt.lon)
	}
}

func TestTimeRangeStart(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	start, err := Last7Days.Start(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-7*24*time.Hour), start)

	_, err = TimeRange("2w").Start(now)
	assert.Error(t, err)
}

func TestParameterValidAndUnit(t *testing.T) {
	for _, p := range Parameters() {
		assert.True(t, p.Valid(), p)
		assert.NotEmpty(t, p.Unit(), p)
	}
	assert.False(t, Parameter("turbidity").Valid())
	assert.Empty(t, Parameter("turbidity").Unit())
}

func TestDemoFleet(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	floats, measurements := DemoFleet(rand.New(rand.NewPCG(1, 2)), now)

	require.Len(t, floats, 100)
	assert.Len(t, measurements, 200)

	var equatorial int
	for _, f := range floats {
		if strings.HasPrefix(f.ID, "EQ_") {
			equatorial++
			assert.True(t, Equatorial.Contains(f.Latitude, f.Longitude), f.ID)
			assert.Equal(t, 2023, f.Timestamp.Year(), f.ID)
			continue
		}
		assert.False(t, f.Latitude > -5 && f.Latitude < 5, f.ID)
		assert.False(t, f.Timestamp.After(now), f.ID)
		assert.False(t, f.Timestamp.Before(now.Add(-91*24*time.Hour)), f.ID)
	}
	assert.Equal(t, 60, equatorial)

	for _, m := range measurements {
		assert.Contains(t, []Parameter{Temperature, Salinity}, m.Parameter)
		assert.Equal(t, m.Parameter.Unit(), m.Unit)
	}
}
