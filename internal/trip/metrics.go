package trip

import (
	"math"

	"traveltracker/internal/location"
	"traveltracker/internal/shared/geo"
)

// Metrics are the aggregates derived from a trip's samples.
type Metrics struct {
	DistanceKm      float64
	DurationMinutes int
	AverageSpeedMps float64
}

// ComputeMetrics sums haversine distance over adjacent samples in arrival
// order. Duration is floored to whole minutes; average speed uses the exact
// elapsed seconds. Out of order timestamps clamp duration at zero.
func ComputeMetrics(samples []location.Sample) Metrics {
	if len(samples) < 2 {
		return Metrics{}
	}

	km := 0.0
	for i := 1; i < len(samples); i++ {
		a, b := samples[i-1], samples[i]
		km += geo.HaversineKm(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
	}

	seconds := samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp).Seconds()
	if seconds < 0 {
		seconds = 0
	}

	m := Metrics{
		DistanceKm:      km,
		DurationMinutes: int(math.Floor(seconds / 60)),
	}
	if seconds > 0 {
		m.AverageSpeedMps = km * 1000 / seconds
	}
	return m
}

func (t *Trip) applyMetrics(m Metrics) {
	t.DistanceKm = m.DistanceKm
	t.DurationMinutes = m.DurationMinutes
	t.AverageSpeedMps = m.AverageSpeedMps
}
