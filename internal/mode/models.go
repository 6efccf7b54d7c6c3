package mode

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownMode = errors.New("unknown mode")

// Mode is an inferred transport method.
type Mode string

const (
	Detecting Mode = "detecting"
	Walking   Mode = "walking"
	Cycling   Mode = "cycling"
	Bus       Mode = "bus"
	Car       Mode = "car"
	Train     Mode = "train"
)

// Profile is the static rule set one mode is scored against.
type Profile struct {
	Mode               Mode
	MinSpeed           float64 // m/s
	MaxSpeed           float64 // m/s
	MinDurationSeconds float64
	StopsDetected      bool
	SmoothMovement     bool
	LinearMovement     bool
}

// DefaultProfiles is the fixed, ordered profile set. Order breaks score ties.
func DefaultProfiles() []Profile {
	return []Profile{
		{Mode: Walking, MinSpeed: 0, MaxSpeed: 2.0, MinDurationSeconds: 60},
		{Mode: Cycling, MinSpeed: 2.0, MaxSpeed: 8.0, MinDurationSeconds: 120},
		{Mode: Bus, MinSpeed: 5.0, MaxSpeed: 15.0, StopsDetected: true},
		{Mode: Car, MinSpeed: 8.0, MaxSpeed: 30.0, SmoothMovement: true},
		{Mode: Train, MinSpeed: 15.0, MaxSpeed: 50.0, LinearMovement: true},
	}
}

// Parse validates a travel mode name. Detecting is not a travel mode.
func Parse(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case Walking, Cycling, Bus, Car, Train:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

var co2KgPerKm = map[Mode]float64{
	Walking: 0,
	Cycling: 0,
	Bus:     0.08,
	Car:     0.12,
	Train:   0.04,
}

var costUSDPerKm = map[Mode]float64{
	Walking: 0,
	Cycling: 0,
	Bus:     2.0,
	Car:     5.0,
	Train:   1.0,
}

// Footprint returns the CO2 (kg) and travel cost (USD) of covering distanceKm in mode m.
func Footprint(m Mode, distanceKm float64) (co2Kg, costUSD float64) {
	if distanceKm <= 0 {
		return 0, 0
	}
	return distanceKm * co2KgPerKm[m], distanceKm * costUSDPerKm[m]
}
