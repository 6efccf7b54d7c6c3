package location

import (
	"errors"
	"time"
)

var (
	ErrUnavailable       = errors.New("location unavailable")
	ErrInaccurate        = errors.New("location inaccurate")
	ErrInvalidCoordinate = errors.New("invalid coordinate")
)

// Sample is a single timestamped position reading. SpeedMps is zero when the
// receiver did not report a speed.
type Sample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy"`
	SpeedMps   float64   `json:"speed"`
	HeadingDeg float64   `json:"heading,omitempty"`
	AltitudeM  float64   `json:"altitude,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Address    string    `json:"address,omitempty"`
}

// Reading is one delivery on a watch subscription: either a sample or an error.
type Reading struct {
	Sample Sample
	Err    error
}
