package manual

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"traveltracker/internal/geocode"
	"traveltracker/internal/location"
	"traveltracker/internal/mode"
	"traveltracker/internal/shared/geo"
	"traveltracker/internal/trip"
	"traveltracker/internal/upload"
)

var ErrInvalidRequest = errors.New("invalid manual trip")

// Request is a user-entered trip between two addresses.
type Request struct {
	UserID          string    `json:"user_id"`
	Mode            string    `json:"mode"`
	StartAddress    string    `json:"start_address"`
	EndAddress      string    `json:"end_address"`
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
	Notes           string    `json:"notes"`
}

type Creator interface {
	CreateTrip(ctx context.Context, d upload.Draft) (string, error)
}

type Service struct {
	geocoder geocode.Geocoder
	api      Creator
	log      *logrus.Entry
	now      func() time.Time
}

func NewService(g geocode.Geocoder, api Creator, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{geocoder: g, api: api, log: log.WithField("component", "manual_entry"), now: time.Now}
}

// Create geocodes both addresses, measures the straight-line distance and
// registers the trip with the backend.
func (s *Service) Create(ctx context.Context, req Request) (trip.Trip, error) {
	m, err := mode.Parse(req.Mode)
	if err != nil {
		return trip.Trip{}, err
	}
	if strings.TrimSpace(req.UserID) == "" {
		return trip.Trip{}, fmt.Errorf("%w: user_id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.StartAddress) == "" || strings.TrimSpace(req.EndAddress) == "" {
		return trip.Trip{}, fmt.Errorf("%w: start_address and end_address required", ErrInvalidRequest)
	}
	if req.DurationMinutes < 0 {
		return trip.Trip{}, fmt.Errorf("%w: negative duration", ErrInvalidRequest)
	}

	from, err := s.geocoder.AddressToCoords(ctx, req.StartAddress)
	if err != nil {
		return trip.Trip{}, err
	}
	to, err := s.geocoder.AddressToCoords(ctx, req.EndAddress)
	if err != nil {
		return trip.Trip{}, err
	}

	start := req.StartTime
	if start.IsZero() {
		start = s.now()
	}
	t := trip.Trip{
		LocalID:         uuid.NewString(),
		UserID:          req.UserID,
		Mode:            m,
		ModeConfidence:  1,
		ManualMode:      true,
		StartTime:       start,
		StartLocation:   location.Sample{Latitude: from.Latitude, Longitude: from.Longitude, Address: from.Address, Timestamp: start},
		DistanceKm:      geo.HaversineKm(from.Latitude, from.Longitude, to.Latitude, to.Longitude),
		DurationMinutes: req.DurationMinutes,
		IsManual:        true,
		Notes:           req.Notes,
	}
	end := location.Sample{Latitude: to.Latitude, Longitude: to.Longitude, Address: to.Address}
	if req.DurationMinutes > 0 {
		t.EndTime = start.Add(time.Duration(req.DurationMinutes) * time.Minute)
		end.Timestamp = t.EndTime
		t.AverageSpeedMps = t.DistanceKm * 1000 / (float64(req.DurationMinutes) * 60)
	}
	t.EndLocation = &end
	t.CO2Kg, t.CostUSD = mode.Footprint(m, t.DistanceKm)

	id, err := s.api.CreateTrip(ctx, upload.DraftFromTrip(t))
	if err != nil {
		return trip.Trip{}, err
	}
	t.ID = id

	s.log.WithFields(logrus.Fields{
		"trip_id":     t.LocalID,
		"backend_id":  id,
		"mode":        m,
		"distance_km": fmt.Sprintf("%.2f", t.DistanceKm),
	}).Info("manual trip created")
	return t, nil
}
