package session

import (
	"context"
	"errors"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"

	"traveltracker/internal/buffer"
	"traveltracker/internal/location"
	"traveltracker/internal/manual"
	"traveltracker/internal/mode"
	"traveltracker/internal/trip"
	"traveltracker/internal/upload"
)

var ErrManualDisabled = errors.New("manual entry not configured")

// DefaultLastFixMaxAge bounds how old a cached fix may be to stand in for an
// end location the device could not provide.
const DefaultLastFixMaxAge = time.Minute

type Options struct {
	UserID        string
	LastFixMaxAge time.Duration
	Engine        trip.Options
	Pipeline      upload.PipelineOptions
	Log           *logrus.Entry
}

// Status is the answer to "what is the tracker doing right now".
type Status struct {
	Active      bool       `json:"active"`
	Trip        *trip.Trip `json:"trip,omitempty"`
	BufferDepth int        `json:"buffer_depth"`
}

// Service owns the sampler, the trip engine and the upload pipeline for one
// device. Every control surface goes through it.
type Service struct {
	sampler     *location.Sampler
	engine      *trip.Engine
	pipeline    *upload.Pipeline
	manual      *manual.Service
	userID      string
	readTimeout time.Duration
	lastFixAge  time.Duration
	log         *logrus.Entry
}

func New(sampler *location.Sampler, api upload.API, j upload.Journal, m *manual.Service, opts Options) *Service {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Engine.Log == nil {
		opts.Engine.Log = opts.Log
	}
	if opts.Pipeline.Log == nil {
		opts.Pipeline.Log = opts.Log
	}
	if opts.Engine.ReadTimeout <= 0 {
		opts.Engine.ReadTimeout = trip.DefaultReadTimeout
	}
	if opts.LastFixMaxAge <= 0 {
		opts.LastFixMaxAge = DefaultLastFixMaxAge
	}
	if opts.Engine.LastKnown == nil {
		maxAge := opts.LastFixMaxAge
		opts.Engine.LastKnown = func() (location.Sample, bool) { return sampler.Recent(maxAge) }
	}

	pipeline := upload.NewPipeline(api, j, opts.Pipeline)
	opts.Engine.Recorder = pipeline

	return &Service{
		sampler:     sampler,
		engine:      trip.NewEngine(sampler, opts.Engine),
		pipeline:    pipeline,
		manual:      m,
		userID:      opts.UserID,
		readTimeout: opts.Engine.ReadTimeout,
		lastFixAge:  opts.LastFixMaxAge,
		log:         opts.Log.WithField("component", "session"),
	}
}

// Run drives the engine until ctx is done, then waits for in-flight uploads.
func (s *Service) Run(ctx context.Context) error {
	err := s.engine.Run(ctx)
	s.pipeline.Wait()
	return err
}

func (s *Service) Engine() *trip.Engine {
	return s.engine
}

func (s *Service) Subscribe(buffer int) *trip.Subscription {
	return s.engine.Subscribe(buffer)
}

// Start begins a trip. Without a start location the current position is read
// from the device.
func (s *Service) Start(ctx context.Context, userID string, start *location.Sample) (trip.Trip, error) {
	if userID == "" {
		userID = s.userID
	}
	if s.engine.IsActive() {
		return trip.Trip{}, trip.ErrAlreadyActive
	}

	var loc location.Sample
	if start != nil {
		loc = *start
	} else {
		var err error
		if loc, err = s.read(ctx); err != nil {
			return trip.Trip{}, err
		}
	}
	return s.engine.StartTrip(ctx, userID, loc)
}

// Stop ends the active trip. Without an end location the device is asked for
// one; if that fails a recent cached fix is used, and failing that the trip
// ends without an end location.
func (s *Service) Stop(ctx context.Context, end *location.Sample) (trip.Trip, error) {
	if !s.engine.IsActive() {
		return trip.Trip{}, trip.ErrNoActiveTrip
	}
	if end == nil {
		loc, err := s.read(ctx)
		if err == nil {
			end = &loc
		} else if last, ok := s.sampler.Recent(s.lastFixAge); ok {
			s.log.WithError(err).Warn("end location unavailable, using last known fix")
			end = &last
		} else {
			s.log.WithError(err).Warn("end location unavailable, ending trip without it")
		}
	}
	return s.engine.StopTrip(ctx, end)
}

func (s *Service) SetMode(ctx context.Context, m mode.Mode) (trip.Trip, error) {
	return s.engine.SetMode(ctx, m)
}

func (s *Service) Flush(ctx context.Context) buffer.Result {
	return s.pipeline.Buffer().Flush(ctx)
}

func (s *Service) SyncOffline(ctx context.Context) (upload.SyncResult, error) {
	return s.pipeline.SyncOffline(ctx)
}

func (s *Service) BufferDepth() int {
	return s.pipeline.Buffer().Depth()
}

func (s *Service) Status() Status {
	st := Status{BufferDepth: s.BufferDepth()}
	if t, ok := s.engine.CurrentTrip(); ok {
		st.Active = true
		st.Trip = &t
	}
	return st
}

// Route returns the active trip as GeoJSON.
func (s *Service) Route() (*geojson.FeatureCollection, error) {
	t, ok := s.engine.CurrentTrip()
	if !ok {
		return nil, trip.ErrNoActiveTrip
	}
	return trip.Route(t), nil
}

func (s *Service) Manual(ctx context.Context, req manual.Request) (trip.Trip, error) {
	if s.manual == nil {
		return trip.Trip{}, ErrManualDisabled
	}
	if req.UserID == "" {
		req.UserID = s.userID
	}
	return s.manual.Create(ctx, req)
}

// Wait blocks until background uploads have returned.
func (s *Service) Wait() {
	s.pipeline.Wait()
}

func (s *Service) read(ctx context.Context) (location.Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()
	return s.sampler.OneShot(ctx)
}
