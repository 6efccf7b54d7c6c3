package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"traveltracker/internal/config"
	"traveltracker/internal/db"
	"traveltracker/internal/location"
	"traveltracker/internal/mode"
	"traveltracker/internal/trip"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.OpenSQLite(config.Config{JournalPath: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	s := New(conn)
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return s
}

func endedTrip(id string) trip.Trip {
	start := time.Date(2024, 3, 17, 8, 0, 0, 0, time.UTC)
	return trip.Trip{
		LocalID:       id,
		UserID:        "1",
		Mode:          mode.Bus,
		StartTime:     start,
		EndTime:       start.Add(25 * time.Minute),
		StartLocation: location.Sample{Latitude: 19.076, Longitude: 72.8777},
		Samples: []location.Sample{
			{Latitude: 19.076, Longitude: 72.8777, Timestamp: start},
			{Latitude: 19.1, Longitude: 72.9, Timestamp: start.Add(25 * time.Minute)},
		},
		DistanceKm:      3.4,
		DurationMinutes: 25,
	}
}

func TestJournalRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	clock := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return clock }
	if err := s.Save(ctx, Entry{Trip: endedTrip("a"), LastError: "connection refused"}); err != nil {
		t.Fatalf("save a: %v", err)
	}
	clock = clock.Add(time.Minute)
	if err := s.Save(ctx, Entry{Trip: endedTrip("b"), BackendID: "42"}); err != nil {
		t.Fatalf("save b: %v", err)
	}

	pending, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].LocalID != "a" || pending[1].LocalID != "b" {
		t.Fatalf("unexpected pending entries: %+v", pending)
	}
	if pending[0].Trip.Mode != mode.Bus || len(pending[0].Trip.Samples) != 2 || pending[0].Trip.DurationMinutes != 25 {
		t.Fatalf("trip payload not restored: %+v", pending[0].Trip)
	}
	if pending[0].LastError != "connection refused" || pending[1].BackendID != "42" {
		t.Fatalf("unexpected entry metadata: %+v", pending)
	}

	if err := s.MarkSynced(ctx, "a", "41"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	pending, err = s.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].LocalID != "b" {
		t.Fatalf("expected only b pending, got %+v", pending)
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SyncedAt == nil || got.BackendID != "41" {
		t.Fatalf("expected synced entry, got %+v", got)
	}
}

func TestJournalSaveAgainCountsAttempts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, Entry{Trip: endedTrip("a"), BackendID: "7"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, Entry{Trip: endedTrip("a"), LastError: "timeout"}); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempts != 2 || got.LastError != "timeout" {
		t.Fatalf("unexpected attempts/error: %+v", got)
	}
	if got.BackendID != "7" {
		t.Fatalf("backend id must survive a save without one, got %q", got.BackendID)
	}
}

func TestJournalErrors(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, Entry{}); err == nil {
		t.Fatalf("expected error for entry without id")
	}
	if err := s.MarkSynced(ctx, "missing", "1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
