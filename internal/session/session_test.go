package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"traveltracker/internal/buffer"
	"traveltracker/internal/location"
	"traveltracker/internal/manual"
	"traveltracker/internal/mode"
	"traveltracker/internal/trip"
	"traveltracker/internal/upload"
)

type fixSource struct {
	mu     sync.Mutex
	sample location.Sample
	err    error
}

func (s *fixSource) OneShot(context.Context) (location.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sample, s.err
}

func (s *fixSource) Watch(context.Context) (*location.Subscription, error) {
	return nil, errors.New("not supported")
}

func (s *fixSource) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type fakeAPI struct {
	mu      sync.Mutex
	creates []upload.Draft
	points  int
	closes  map[string]upload.Summary
}

func (a *fakeAPI) CreateTrip(_ context.Context, d upload.Draft) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creates = append(a.creates, d)
	return fmt.Sprint(len(a.creates)), nil
}

func (a *fakeAPI) AppendPoint(context.Context, string, location.Sample) error {
	a.mu.Lock()
	a.points++
	a.mu.Unlock()
	return nil
}

func (a *fakeAPI) CloseTrip(_ context.Context, id string, s upload.Summary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closes == nil {
		a.closes = map[string]upload.Summary{}
	}
	a.closes[id] = s
	return nil
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newService(t *testing.T, src location.Source, m *manual.Service) (*Service, *fakeAPI) {
	t.Helper()
	return newServiceWith(t, location.NewSampler(src), m)
}

func newServiceWith(t *testing.T, sampler *location.Sampler, m *manual.Service) (*Service, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	svc := New(sampler, api, nil, m, Options{
		UserID: "7",
		Engine: trip.Options{
			MonitorInterval: time.Hour,
			IdleTimeout:     time.Hour,
			ReadTimeout:     500 * time.Millisecond,
		},
		Pipeline: upload.PipelineOptions{Buffer: buffer.Options{MaxSize: 100, MaxAge: time.Hour}},
		Log:      quietLog(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, api
}

func TestStartAndStopReadDeviceLocation(t *testing.T) {
	src := &fixSource{sample: location.Sample{Latitude: 19.076, Longitude: 72.8777, AccuracyM: 5}}
	svc, api := newService(t, src, nil)
	ctx := context.Background()

	started, err := svc.Start(ctx, "", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.UserID != "7" || started.StartLocation.Latitude != 19.076 || started.Mode != mode.Detecting {
		t.Fatalf("unexpected trip %+v", started)
	}
	if _, err := svc.Start(ctx, "", nil); !errors.Is(err, trip.ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}

	src.mu.Lock()
	src.sample = location.Sample{Latitude: 19.086, Longitude: 72.8777, AccuracyM: 5}
	src.mu.Unlock()

	ended, err := svc.Stop(ctx, nil)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ended.EndLocation == nil || ended.EndLocation.Latitude != 19.086 {
		t.Fatalf("expected device end location, got %+v", ended.EndLocation)
	}
	if ended.DistanceKm < 1.1 || ended.DistanceKm > 1.12 {
		t.Fatalf("unexpected distance %v", ended.DistanceKm)
	}
	if _, err := svc.Stop(ctx, nil); !errors.Is(err, trip.ErrNoActiveTrip) {
		t.Fatalf("expected ErrNoActiveTrip, got %v", err)
	}

	svc.Wait()
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.creates) != 1 || api.creates[0].UserID != "7" {
		t.Fatalf("expected one backend trip, got %+v", api.creates)
	}
	if _, ok := api.closes["1"]; !ok {
		t.Fatalf("trip was not closed on the backend")
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStopFallsBackToRecentFix(t *testing.T) {
	src := &fixSource{sample: location.Sample{Latitude: 19.076, Longitude: 72.8777, AccuracyM: 5}}
	clock := &testClock{now: time.Date(2024, 3, 17, 8, 0, 0, 0, time.UTC)}
	svc, _ := newServiceWith(t, location.NewSampler(src).WithClock(clock.Now), nil)
	ctx := context.Background()

	if _, err := svc.Start(ctx, "u-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.fail(errors.New("no satellites"))
	clock.Advance(20 * time.Second)

	ended, err := svc.Stop(ctx, nil)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ended.EndLocation == nil || ended.EndLocation.Latitude != 19.076 {
		t.Fatalf("expected the cached fix as end location, got %+v", ended.EndLocation)
	}
}

func TestStopWithoutFixEndsTrip(t *testing.T) {
	src := &fixSource{sample: location.Sample{Latitude: 19.076, Longitude: 72.8777, AccuracyM: 5}}
	clock := &testClock{now: time.Date(2024, 3, 17, 8, 0, 0, 0, time.UTC)}
	svc, _ := newServiceWith(t, location.NewSampler(src).WithClock(clock.Now), nil)
	ctx := context.Background()

	if _, err := svc.Start(ctx, "u-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.fail(errors.New("no satellites"))
	clock.Advance(DefaultLastFixMaxAge + time.Second)

	ended, err := svc.Stop(ctx, nil)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ended.EndLocation != nil || ended.EndTime.IsZero() {
		t.Fatalf("expected a trip ended without location, got %+v", ended)
	}
	if svc.Status().Active {
		t.Fatalf("trip must be inactive after stop")
	}
}

func TestStartAfterShutdownReportsStoppedEngine(t *testing.T) {
	svc := New(location.NewSampler(nil), &fakeAPI{}, nil, nil, Options{
		Engine: trip.Options{MonitorInterval: time.Hour},
		Log:    quietLog(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()

	start := location.Sample{Latitude: 48.85, Longitude: 2.35}
	if _, err := svc.Start(context.Background(), "", &start); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	<-done

	if svc.Status().Active {
		t.Fatalf("an abandoned trip must not be reported active")
	}
	if _, err := svc.Start(context.Background(), "", &start); !errors.Is(err, trip.ErrEngineStopped) {
		t.Fatalf("expected ErrEngineStopped, got %v", err)
	}
}

func TestStartWithoutSource(t *testing.T) {
	svc, _ := newService(t, nil, nil)
	if _, err := svc.Start(context.Background(), "", nil); !errors.Is(err, location.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	start := location.Sample{Latitude: 48.85, Longitude: 2.35}
	if _, err := svc.Start(context.Background(), "", &start); err != nil {
		t.Fatalf("explicit start location must not need a source: %v", err)
	}
}

func TestStatusAndRoute(t *testing.T) {
	svc, _ := newService(t, nil, nil)

	if _, err := svc.Route(); !errors.Is(err, trip.ErrNoActiveTrip) {
		t.Fatalf("expected ErrNoActiveTrip, got %v", err)
	}
	if st := svc.Status(); st.Active || st.Trip != nil || st.BufferDepth != 0 {
		t.Fatalf("unexpected idle status %+v", st)
	}

	start := location.Sample{Latitude: 48.85, Longitude: 2.35}
	if _, err := svc.Start(context.Background(), "", &start); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := svc.Status()
	if !st.Active || st.Trip == nil || st.Trip.UserID != "7" {
		t.Fatalf("unexpected active status %+v", st)
	}
	fc, err := svc.Route()
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(fc.Features) != 1 || fc.Features[0].Properties["kind"] != "start" {
		t.Fatalf("expected a single start feature, got %+v", fc.Features)
	}
}

func TestManualDisabled(t *testing.T) {
	svc, _ := newService(t, nil, nil)
	if _, err := svc.Manual(context.Background(), manual.Request{Mode: "car"}); !errors.Is(err, ErrManualDisabled) {
		t.Fatalf("expected ErrManualDisabled, got %v", err)
	}
}
