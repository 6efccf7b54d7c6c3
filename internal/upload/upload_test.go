package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"traveltracker/internal/buffer"
	"traveltracker/internal/config"
	"traveltracker/internal/db"
	"traveltracker/internal/journal"
	"traveltracker/internal/location"
	"traveltracker/internal/mode"
	"traveltracker/internal/trip"
)

type backend struct {
	mu         sync.Mutex
	nextID     int
	creates    []Draft
	known      map[string]bool
	points     map[string][]location.Sample
	closes     map[string]Summary
	auth       string
	failCreate bool
	failPoints bool
	failClose  bool
}

func newBackend(t *testing.T) (*backend, *httptest.Server) {
	b := &backend{nextID: 100, known: map[string]bool{}, points: map[string][]location.Sample{}, closes: map[string]Summary{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/trips", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.auth = r.Header.Get("Authorization")
		if b.failCreate {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"database busy"}`))
			return
		}
		var d Draft
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			t.Errorf("decode draft: %v", err)
		}
		if d.Mode == "" || d.UserID == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"mode is required"}`))
			return
		}
		b.creates = append(b.creates, d)
		b.nextID++
		b.known[fmt.Sprint(b.nextID)] = true
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"message":"Trip created successfully","trip":{"id":%d}}`, b.nextID)
	})
	mux.HandleFunc("POST /api/trips/{id}/points", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.failPoints {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var s location.Sample
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			t.Errorf("decode point: %v", err)
		}
		id := r.PathValue("id")
		if !b.known[id] {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Trip not found"}`))
			return
		}
		b.points[id] = append(b.points[id], s)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("PUT /api/trips/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.failClose {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var s Summary
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			t.Errorf("decode summary: %v", err)
		}
		b.closes[r.PathValue("id")] = s
		_, _ = w.Write([]byte(`{}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *backend) set(fn func(b *backend)) {
	b.mu.Lock()
	fn(b)
	b.mu.Unlock()
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func activeTrip(localID string) trip.Trip {
	start := time.Date(2024, 3, 17, 8, 0, 0, 0, time.UTC)
	return trip.Trip{
		LocalID:       localID,
		UserID:        "1",
		Mode:          mode.Detecting,
		StartTime:     start,
		StartLocation: location.Sample{Latitude: 19.076, Longitude: 72.8777, Timestamp: start},
	}
}

func ended(t trip.Trip) trip.Trip {
	t.EndTime = t.StartTime.Add(12 * time.Minute)
	t.Mode = mode.Car
	t.ModeConfidence = 0.8
	t.DistanceKm = 4.2
	t.DurationMinutes = 12
	t.CO2Kg, t.CostUSD = mode.Footprint(mode.Car, 4.2)
	return t
}

func sampleAt(i int) location.Sample {
	return location.Sample{Latitude: 19.076 + float64(i)*0.001, Longitude: 72.8777, AccuracyM: 5, SpeedMps: 9}
}

func TestClientCreateAppendClose(t *testing.T) {
	b, srv := newBackend(t)
	c := &Client{BaseURL: srv.URL + "/api", Token: "token"}
	ctx := context.Background()

	id, err := c.CreateTrip(ctx, DraftFromTrip(activeTrip("local-1")))
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	if id != "101" {
		t.Fatalf("expected id 101, got %q", id)
	}
	if b.auth != "Bearer token" {
		t.Fatalf("missing bearer token, got %q", b.auth)
	}

	if err := c.AppendPoint(ctx, id, sampleAt(1)); err != nil {
		t.Fatalf("append point: %v", err)
	}
	if err := c.CloseTrip(ctx, id, SummaryFromTrip(ended(activeTrip("local-1")))); err != nil {
		t.Fatalf("close trip: %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.points["101"]) != 1 || math.Abs(b.points["101"][0].Latitude-19.077) > 1e-9 {
		t.Fatalf("unexpected points: %+v", b.points)
	}
	if got := b.closes["101"]; got.Mode != mode.Car || got.DurationMinutes != 12 || got.EndTime.IsZero() {
		t.Fatalf("unexpected summary: %+v", got)
	}
}

func TestClientErrors(t *testing.T) {
	_, srv := newBackend(t)
	c := &Client{BaseURL: srv.URL + "/api"}

	d := DraftFromTrip(activeTrip("local-1"))
	d.Mode = ""
	_, err := c.CreateTrip(context.Background(), d)
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "mode is required" {
		t.Fatalf("unexpected api error: %v", err)
	}

	err = c.AppendPoint(context.Background(), "missing", sampleAt(1))
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 api error, got %v", err)
	}

	srv.Close()
	if err := c.CloseTrip(context.Background(), "1", Summary{}); !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed for unreachable backend, got %v", err)
	}
}

func newPipeline(t *testing.T, srv *httptest.Server, j Journal) *Pipeline {
	t.Helper()
	p := NewPipeline(&Client{BaseURL: srv.URL + "/api"}, j, PipelineOptions{
		Buffer: buffer.Options{MaxSize: 100, MaxAge: time.Hour},
		Log:    quietLog(),
	})
	t.Cleanup(p.Wait)
	return p
}

func TestPipelineSyncsTrip(t *testing.T) {
	b, srv := newBackend(t)
	p := newPipeline(t, srv, nil)

	tr := activeTrip("local-1")
	p.TripStarted(tr)
	for i := 1; i <= 3; i++ {
		p.SampleAccepted(tr, sampleAt(i))
	}
	p.TripEnded(ended(tr))
	p.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.creates) != 1 {
		t.Fatalf("expected one backend trip, got %d", len(b.creates))
	}
	if len(b.points["101"]) != 3 {
		t.Fatalf("expected 3 points, got %d", len(b.points["101"]))
	}
	if _, ok := b.closes["101"]; !ok {
		t.Fatalf("trip was not closed")
	}
	if p.Buffer().Depth() != 0 {
		t.Fatalf("expected drained buffer, got %d", p.Buffer().Depth())
	}
	if _, ok := p.BackendID("local-1"); ok {
		t.Fatalf("id mapping should be dropped after sync")
	}
}

func TestPipelineRetriesPointsBeforeTripExists(t *testing.T) {
	b, srv := newBackend(t)
	b.set(func(b *backend) { b.failCreate = true })
	p := newPipeline(t, srv, nil)

	tr := activeTrip("local-1")
	p.TripStarted(tr)
	p.SampleAccepted(tr, sampleAt(1))
	p.SampleAccepted(tr, sampleAt(2))
	p.Wait()

	for i := 0; i < 3; i++ {
		res := p.Buffer().Flush(context.Background())
		if res.Failed != 2 {
			t.Fatalf("flush %d: expected 2 failures, got %+v", i, res)
		}
	}
	if p.Buffer().Depth() != 2 {
		t.Fatalf("points must stay queued, got %d", p.Buffer().Depth())
	}

	b.set(func(b *backend) { b.failCreate = false })
	res := p.Buffer().Flush(context.Background())
	if res.Uploaded != 2 {
		t.Fatalf("expected both points uploaded, got %+v", res)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.creates) != 1 {
		t.Fatalf("expected a single backend trip, got %d", len(b.creates))
	}
	if len(b.points["101"]) != 2 {
		t.Fatalf("expected 2 points on trip 101, got %+v", b.points)
	}
}

func TestPipelineJournalsAndSyncsOffline(t *testing.T) {
	b, srv := newBackend(t)
	conn, err := db.OpenSQLite(config.Config{JournalPath: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	j := journal.New(conn)
	if err := j.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	b.set(func(b *backend) { b.failCreate = true })
	p := newPipeline(t, srv, j)

	tr := activeTrip("local-9")
	p.TripStarted(tr)
	p.Wait()
	if err := p.Finish(context.Background(), ended(tr)); !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected upload failure, got %v", err)
	}

	pending, err := j.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].LocalID != "local-9" || pending[0].Trip.Mode != mode.Car {
		t.Fatalf("expected journaled trip, got %+v", pending)
	}

	res, err := p.SyncOffline(context.Background())
	if err != nil {
		t.Fatalf("sync offline: %v", err)
	}
	if len(res.Failed) != 1 || res.Pending != 1 {
		t.Fatalf("expected failed sync while backend is down, got %+v", res)
	}

	b.set(func(b *backend) { b.failCreate = false })
	res, err = p.SyncOffline(context.Background())
	if err != nil {
		t.Fatalf("sync offline: %v", err)
	}
	if len(res.Synced) != 1 || res.Synced[0] != "local-9" {
		t.Fatalf("expected synced trip, got %+v", res)
	}

	b.mu.Lock()
	if len(b.creates) != 1 || b.creates[0].Mode != mode.Car || b.creates[0].EndTime == nil {
		t.Fatalf("offline trip should be created with its final data: %+v", b.creates)
	}
	if _, ok := b.closes["101"]; !ok {
		t.Fatalf("offline trip was not closed")
	}
	b.mu.Unlock()

	pending, err = j.Pending(context.Background())
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected empty journal, got %+v (%v)", pending, err)
	}
}

// stallingAPI holds the first AppendPoint until release is closed, then fails it.
type stallingAPI struct {
	API
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	stalled bool
}

func (a *stallingAPI) AppendPoint(ctx context.Context, id string, s location.Sample) error {
	a.mu.Lock()
	first := !a.stalled
	a.stalled = true
	a.mu.Unlock()
	if first {
		close(a.entered)
		<-a.release
		return errors.New("connection reset")
	}
	return a.API.AppendPoint(ctx, id, s)
}

func TestPipelineKeepsMappingWhilePointInFlight(t *testing.T) {
	b, srv := newBackend(t)
	api := &stallingAPI{API: &Client{BaseURL: srv.URL + "/api"}, entered: make(chan struct{}), release: make(chan struct{})}
	p := NewPipeline(api, nil, PipelineOptions{
		Buffer: buffer.Options{MaxSize: 1, MaxAge: time.Hour},
		Log:    quietLog(),
	})
	ctx := context.Background()

	tr := activeTrip("local-1")
	p.TripStarted(tr)
	p.Wait()

	p.SampleAccepted(tr, sampleAt(1))
	<-api.entered

	if err := p.Finish(ctx, ended(tr)); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, ok := p.BackendID("local-1"); !ok {
		t.Fatalf("mapping dropped while a point was still uploading")
	}

	close(api.release)
	p.Wait()
	if p.Buffer().Depth() != 1 {
		t.Fatalf("expected the failed point requeued, got %d", p.Buffer().Depth())
	}

	res := p.Buffer().Flush(ctx)
	if res.Uploaded != 1 || p.Buffer().Depth() != 0 {
		t.Fatalf("expected the requeued point delivered, got %+v depth %d", res, p.Buffer().Depth())
	}
	if _, ok := p.BackendID("local-1"); ok {
		t.Fatalf("mapping should be dropped once the trip is drained")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.points["101"]) != 1 {
		t.Fatalf("expected the point on trip 101, got %+v", b.points)
	}
	if _, ok := b.closes["101"]; !ok {
		t.Fatalf("trip was not closed")
	}
}
