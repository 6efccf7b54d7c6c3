package trip

import (
	"time"

	"traveltracker/internal/location"
	"traveltracker/internal/mode"
)

// Trip is a bounded journey. While active it is owned by the Engine; values
// handed out are deep copies.
type Trip struct {
	LocalID         string            `json:"local_id"`
	ID              string            `json:"id,omitempty"`
	UserID          string            `json:"user_id"`
	Mode            mode.Mode         `json:"mode"`
	ModeConfidence  float64           `json:"mode_confidence"`
	ManualMode      bool              `json:"manual_mode,omitempty"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         time.Time         `json:"end_time,omitempty"`
	StartLocation   location.Sample   `json:"start_location"`
	EndLocation     *location.Sample  `json:"end_location,omitempty"`
	Samples         []location.Sample `json:"samples,omitempty"`
	DistanceKm      float64           `json:"distance_km"`
	DurationMinutes int               `json:"duration_minutes"`
	AverageSpeedMps float64           `json:"average_speed"`
	CO2Kg           float64           `json:"co2_kg"`
	CostUSD         float64           `json:"cost_usd"`
	IsManual        bool              `json:"is_manual"`
	Notes           string            `json:"notes,omitempty"`
}

func (t Trip) Active() bool {
	return t.EndTime.IsZero()
}

// Clone returns a copy that shares no memory with t.
func (t Trip) Clone() Trip {
	c := t
	if t.Samples != nil {
		c.Samples = make([]location.Sample, len(t.Samples))
		copy(c.Samples, t.Samples)
	}
	if t.EndLocation != nil {
		end := *t.EndLocation
		c.EndLocation = &end
	}
	return c
}

type EventType string

const (
	EventTripStarted   EventType = "tripStarted"
	EventTripUpdated   EventType = "tripUpdated"
	EventTripEnded     EventType = "tripEnded"
	EventModeDetected  EventType = "modeDetected"
	EventLocationError EventType = "locationError"
)

// Event is a lifecycle notification. Trip is a snapshot taken when the event
// was emitted.
type Event struct {
	Type       EventType `json:"type"`
	Trip       *Trip     `json:"trip,omitempty"`
	Mode       mode.Mode `json:"mode,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Err        error     `json:"-"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}
