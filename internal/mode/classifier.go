package mode

import (
	"traveltracker/internal/location"
	"traveltracker/internal/shared/geo"
)

const (
	stopSpeedMps       = 1.0
	stopShare          = 0.1
	smoothDeltaMps     = 2.0
	smoothShare        = 0.7
	linearTurnDeg      = 30.0
	linearShare        = 0.6
	speedBandScore     = 0.4
	durationScore      = 0.3
	stopsScore         = 0.2
	smoothScore        = 0.1
	linearScore        = 0.1
	maxScore           = 1.0
	minClassifySamples = 2
)

// Classifier scores a sample sequence against a fixed profile set.
type Classifier struct {
	profiles []Profile
}

func NewClassifier(profiles []Profile) *Classifier {
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	cp := make([]Profile, len(profiles))
	copy(cp, profiles)
	return &Classifier{profiles: cp}
}

// Features are the aggregate kinematics a classification is based on.
type Features struct {
	AverageSpeedMps float64
	DurationSeconds float64
	Stops           bool
	Smooth          bool
	Linear          bool
}

// Detect returns the best scoring mode and its score as confidence. With
// fewer than two samples it returns Detecting with confidence 0.
func (c *Classifier) Detect(samples []location.Sample) (Mode, float64) {
	if len(samples) < minClassifySamples {
		return Detecting, 0
	}
	f := Extract(samples)

	best := Detecting
	bestScore := -1.0
	for _, p := range c.profiles {
		score := Score(p, f)
		if score > bestScore {
			best, bestScore = p.Mode, score
		}
	}
	return best, bestScore
}

// Score rates how well features match a profile, in [0, 1].
func Score(p Profile, f Features) float64 {
	score := 0.0
	if f.AverageSpeedMps >= p.MinSpeed && f.AverageSpeedMps <= p.MaxSpeed {
		score += speedBandScore
	}
	if f.DurationSeconds >= p.MinDurationSeconds {
		score += durationScore
	}
	if p.StopsDetected && f.Stops {
		score += stopsScore
	}
	if p.SmoothMovement && f.Smooth {
		score += smoothScore
	}
	if p.LinearMovement && f.Linear {
		score += linearScore
	}
	if score > maxScore {
		return maxScore
	}
	return score
}

// Extract computes classifier features from samples in arrival order.
func Extract(samples []location.Sample) Features {
	if len(samples) < minClassifySamples {
		return Features{}
	}
	return Features{
		AverageSpeedMps: averageReportedSpeed(samples),
		DurationSeconds: samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp).Seconds(),
		Stops:           hasStops(samples),
		Smooth:          hasSmoothMovement(samples),
		Linear:          hasLinearMovement(samples),
	}
}

// averageReportedSpeed skips samples without a positive speed so GPS dropouts
// do not drag the average to zero.
func averageReportedSpeed(samples []location.Sample) float64 {
	total, n := 0.0, 0
	for _, s := range samples {
		if s.SpeedMps > 0 {
			total += s.SpeedMps
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// hasStops ignores the first sample, which is the trip seed with speed forced to 0.
func hasStops(samples []location.Sample) bool {
	stops := 0
	for _, s := range samples[1:] {
		if s.SpeedMps < stopSpeedMps {
			stops++
		}
	}
	return float64(stops) >= float64(len(samples))*stopShare
}

func hasSmoothMovement(samples []location.Sample) bool {
	smooth := 0
	for i := 2; i < len(samples); i++ {
		delta := samples[i].SpeedMps - samples[i-1].SpeedMps
		if delta < 0 {
			delta = -delta
		}
		if delta < smoothDeltaMps {
			smooth++
		}
	}
	return float64(smooth) >= float64(len(samples))*smoothShare
}

func hasLinearMovement(samples []location.Sample) bool {
	if len(samples) < 3 {
		return false
	}
	linear := 0
	for i := 2; i < len(samples); i++ {
		a, b, c := samples[i-2], samples[i-1], samples[i]
		angle := geo.TurnAngleDeg(a.Latitude, a.Longitude, b.Latitude, b.Longitude, c.Latitude, c.Longitude)
		if angle < linearTurnDeg {
			linear++
		}
	}
	return float64(linear) >= float64(len(samples))*linearShare
}
