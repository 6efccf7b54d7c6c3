package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"traveltracker/internal/location"
	"traveltracker/internal/mode"
	"traveltracker/internal/trip"
)

var ErrUploadFailed = errors.New("upload failed")

// APIError is a non-2xx answer from the trips backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return ErrUploadFailed
}

type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

func locationOf(s location.Sample) Location {
	return Location{Lat: s.Latitude, Lng: s.Longitude, Address: s.Address}
}

// Draft is the createTrip payload.
type Draft struct {
	UserID          string     `json:"user_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Mode            mode.Mode  `json:"mode"`
	ModeConfidence  float64    `json:"mode_confidence"`
	StartLocation   Location   `json:"start_location"`
	EndLocation     *Location  `json:"end_location,omitempty"`
	DistanceKm      float64    `json:"distance_km"`
	DurationMinutes int        `json:"duration_minutes"`
	CO2Kg           float64    `json:"co2_kg,omitempty"`
	CostUSD         float64    `json:"cost_usd,omitempty"`
	IsManual        bool       `json:"is_manual"`
	Notes           string     `json:"notes,omitempty"`
}

func DraftFromTrip(t trip.Trip) Draft {
	d := Draft{
		UserID:          t.UserID,
		StartTime:       t.StartTime.UTC(),
		Mode:            t.Mode,
		ModeConfidence:  t.ModeConfidence,
		StartLocation:   locationOf(t.StartLocation),
		DistanceKm:      t.DistanceKm,
		DurationMinutes: t.DurationMinutes,
		CO2Kg:           t.CO2Kg,
		CostUSD:         t.CostUSD,
		IsManual:        t.IsManual || t.ManualMode,
		Notes:           t.Notes,
	}
	if !t.EndTime.IsZero() {
		end := t.EndTime.UTC()
		d.EndTime = &end
	}
	if t.EndLocation != nil {
		loc := locationOf(*t.EndLocation)
		d.EndLocation = &loc
	}
	return d
}

// Summary is the closeTrip payload.
type Summary struct {
	EndTime         time.Time `json:"end_time"`
	EndLocation     *Location `json:"end_location,omitempty"`
	Mode            mode.Mode `json:"mode"`
	ModeConfidence  float64   `json:"mode_confidence"`
	IsManual        bool      `json:"is_manual"`
	DistanceKm      float64   `json:"distance_km"`
	DurationMinutes int       `json:"duration_minutes"`
	AverageSpeedMps float64   `json:"average_speed"`
	CO2Kg           float64   `json:"co2_kg"`
	CostUSD         float64   `json:"cost_usd"`
}

func SummaryFromTrip(t trip.Trip) Summary {
	s := Summary{
		EndTime:         t.EndTime.UTC(),
		Mode:            t.Mode,
		ModeConfidence:  t.ModeConfidence,
		IsManual:        t.ManualMode,
		DistanceKm:      t.DistanceKm,
		DurationMinutes: t.DurationMinutes,
		AverageSpeedMps: t.AverageSpeedMps,
		CO2Kg:           t.CO2Kg,
		CostUSD:         t.CostUSD,
	}
	if t.EndLocation != nil {
		loc := locationOf(*t.EndLocation)
		s.EndLocation = &loc
	}
	return s
}

// Client talks to the trips REST backend.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// CreateTrip registers a trip and returns the backend id.
func (c *Client) CreateTrip(ctx context.Context, d Draft) (string, error) {
	var payload struct {
		Trip struct {
			ID json.RawMessage `json:"id"`
		} `json:"trip"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/trips", d, &payload); err != nil {
		return "", err
	}
	id := strings.Trim(string(payload.Trip.ID), `"`)
	if id == "" || id == "null" {
		return "", fmt.Errorf("%w: create trip: response without trip id", ErrUploadFailed)
	}
	return id, nil
}

func (c *Client) AppendPoint(ctx context.Context, tripID string, s location.Sample) error {
	return c.doJSON(ctx, http.MethodPost, "/trips/"+url.PathEscape(tripID)+"/points", s, nil)
}

func (c *Client) CloseTrip(ctx context.Context, tripID string, s Summary) error {
	return c.doJSON(ctx, http.MethodPut, "/trips/"+url.PathEscape(tripID), s, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, target interface{}) error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return err
	}
	u = u.JoinPath(path)

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUploadFailed, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp, raw)}
	}

	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrUploadFailed, path, err)
	}
	return nil
}

// errorMessage prefers the backend's {"error": "..."} text over the raw body.
func errorMessage(resp *http.Response, raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return http.StatusText(resp.StatusCode)
}
