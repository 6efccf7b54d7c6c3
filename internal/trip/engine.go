package trip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"traveltracker/internal/location"
	"traveltracker/internal/mode"
)

const (
	DefaultMonitorInterval    = 5 * time.Second
	DefaultIdleTimeout        = 300 * time.Second
	DefaultReadTimeout        = 10 * time.Second
	DefaultAccuracyThresholdM = 10.0
)

// Recorder receives trip lifecycle callbacks from the engine goroutine.
// Implementations must not block.
type Recorder interface {
	TripStarted(t Trip)
	SampleAccepted(t Trip, s location.Sample)
	TripEnded(t Trip)
}

type nopRecorder struct{}

func (nopRecorder) TripStarted(Trip)                     {}
func (nopRecorder) SampleAccepted(Trip, location.Sample) {}
func (nopRecorder) TripEnded(Trip)                       {}

type Options struct {
	MonitorInterval    time.Duration
	IdleTimeout        time.Duration
	ReadTimeout        time.Duration
	AccuracyThresholdM float64
	Classifier         *mode.Classifier
	Recorder           Recorder
	Log                *logrus.Entry
	Now                func() time.Time

	// LastKnown, when set, supplies an end location for an idle trip whose
	// final read fails.
	LastKnown func() (location.Sample, bool)
}

func (o Options) withDefaults() Options {
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = DefaultMonitorInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.AccuracyThresholdM <= 0 {
		o.AccuracyThresholdM = DefaultAccuracyThresholdM
	}
	if o.Classifier == nil {
		o.Classifier = mode.NewClassifier(nil)
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type readResult struct {
	gen    uint64
	final  bool
	sample location.Sample
	err    error
}

// Engine is the trip state machine. All trip state is owned by the Run
// goroutine; other goroutines talk to it through commands.
type Engine struct {
	source location.Source
	opts   Options
	log    *logrus.Entry

	cmds    chan func(ctx context.Context)
	results chan readResult
	stopped chan struct{}
	running atomic.Bool

	snapshot atomic.Pointer[Trip]

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	// owned by Run
	current    *Trip
	gen        uint64
	ticker     *time.Ticker
	idle       *time.Timer
	reading    bool
	finalizing bool
}

func NewEngine(source location.Source, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		source:  source,
		opts:    opts,
		log:     opts.Log.WithField("component", "trip_engine"),
		cmds:    make(chan func(ctx context.Context)),
		results: make(chan readResult),
		stopped: make(chan struct{}),
		subs:    make(map[int]chan Event),
	}
}

// Run drives the engine until ctx is done. An active trip is abandoned, not
// ended, when Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("trip engine already running")
	}
	defer close(e.stopped)
	defer e.abandon()

	for {
		var tick, idle <-chan time.Time
		if e.ticker != nil {
			tick = e.ticker.C
		}
		if e.idle != nil {
			idle = e.idle.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.cmds:
			fn(ctx)
		case <-tick:
			e.monitor(ctx)
		case <-idle:
			e.idleExpired(ctx)
		case r := <-e.results:
			e.applyRead(r)
		}
	}
}

func (e *Engine) do(ctx context.Context, fn func(ctx context.Context)) error {
	done := make(chan struct{})
	cmd := func(runCtx context.Context) {
		fn(runCtx)
		close(done)
	}
	select {
	case e.cmds <- cmd:
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// Run executes an accepted command before taking anything else.
	<-done
	return nil
}

// StartTrip begins a trip seeded with the start location.
func (e *Engine) StartTrip(ctx context.Context, userID string, start location.Sample) (Trip, error) {
	if err := location.Validate(start); err != nil {
		return Trip{}, err
	}

	var (
		out Trip
		err error
	)
	cmdErr := e.do(ctx, func(context.Context) {
		if e.current != nil {
			err = ErrAlreadyActive
			return
		}
		out = e.begin(userID, start)
	})
	if cmdErr != nil {
		return Trip{}, cmdErr
	}
	return out, err
}

// StopTrip ends the active trip. A nil end location ends it without an end
// sample. An invalid end location still ends the trip; the validation error
// is returned with it.
func (e *Engine) StopTrip(ctx context.Context, end *location.Sample) (Trip, error) {
	var endErr error
	if end != nil {
		if err := location.Validate(*end); err != nil {
			endErr = err
			end = nil
		}
	}

	var (
		out Trip
		err error
	)
	cmdErr := e.do(ctx, func(context.Context) {
		if e.current == nil {
			err = ErrNoActiveTrip
			return
		}
		if endErr != nil {
			e.log.WithField("trip_id", e.current.LocalID).WithError(endErr).Warn("invalid end location, ending without it")
		}
		out = e.finish(end)
	})
	if cmdErr != nil {
		return Trip{}, cmdErr
	}
	if err != nil {
		return Trip{}, err
	}
	return out, endErr
}

// SetMode overrides the detected mode. The override sticks until the trip ends.
func (e *Engine) SetMode(ctx context.Context, m mode.Mode) (Trip, error) {
	m, err := mode.Parse(string(m))
	if err != nil {
		return Trip{}, err
	}

	var out Trip
	cmdErr := e.do(ctx, func(context.Context) {
		if e.current == nil {
			err = ErrNoActiveTrip
			return
		}
		t := e.current
		t.Mode = m
		t.ModeConfidence = 1
		t.ManualMode = true
		e.log.WithFields(logrus.Fields{"trip_id": t.LocalID, "mode": m}).Info("mode set manually")
		out = e.publishSnapshot()
		ev := out.Clone()
		e.emit(Event{Type: EventModeDetected, Trip: &ev, Mode: m, Confidence: 1})
	})
	if cmdErr != nil {
		return Trip{}, cmdErr
	}
	return out, err
}

func (e *Engine) IsActive() bool {
	return e.snapshot.Load() != nil
}

// CurrentTrip returns a snapshot of the active trip.
func (e *Engine) CurrentTrip() (Trip, bool) {
	t := e.snapshot.Load()
	if t == nil {
		return Trip{}, false
	}
	return t.Clone(), true
}

func (e *Engine) begin(userID string, start location.Sample) Trip {
	now := e.opts.Now()
	start.SpeedMps = 0
	start.Timestamp = now

	e.gen++
	e.current = &Trip{
		LocalID:       uuid.NewString(),
		UserID:        userID,
		Mode:          mode.Detecting,
		StartTime:     now,
		StartLocation: start,
		Samples:       []location.Sample{start},
	}
	e.reading = false
	e.finalizing = false
	e.ticker = time.NewTicker(e.opts.MonitorInterval)
	e.idle = time.NewTimer(e.opts.IdleTimeout)

	e.log.WithFields(logrus.Fields{"trip_id": e.current.LocalID, "user_id": userID}).Info("trip started")
	snap := e.publishSnapshot()
	ev := snap.Clone()
	e.emit(Event{Type: EventTripStarted, Trip: &ev})
	e.opts.Recorder.TripStarted(snap.Clone())
	return snap
}

func (e *Engine) monitor(ctx context.Context) {
	if e.current == nil || e.reading || e.finalizing {
		return
	}
	e.reading = true
	e.read(ctx, false)
}

func (e *Engine) idleExpired(ctx context.Context) {
	if e.current == nil || e.finalizing {
		return
	}
	e.log.WithField("trip_id", e.current.LocalID).Info("idle timeout, ending trip")
	e.stopTimers()
	e.finalizing = true
	e.read(ctx, true)
}

func (e *Engine) read(ctx context.Context, final bool) {
	gen := e.gen
	go func() {
		readCtx, cancel := context.WithTimeout(ctx, e.opts.ReadTimeout)
		defer cancel()
		s, err := e.source.OneShot(readCtx)
		select {
		case e.results <- readResult{gen: gen, final: final, sample: s, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) applyRead(r readResult) {
	if r.gen != e.gen {
		return
	}
	if r.final {
		if e.current == nil || !e.finalizing {
			return
		}
		if r.err == nil {
			r.err = location.Validate(r.sample)
		}
		if r.err != nil {
			log := e.log.WithField("trip_id", e.current.LocalID).WithError(r.err)
			if e.opts.LastKnown != nil {
				if last, ok := e.opts.LastKnown(); ok {
					log.Warn("final location unavailable, ending at last known fix")
					e.finish(&last)
					return
				}
			}
			log.Warn("final location unavailable, force ending trip")
			e.finish(nil)
			return
		}
		e.finish(&r.sample)
		return
	}

	e.reading = false
	if e.current == nil || e.finalizing {
		return
	}
	log := e.log.WithField("trip_id", e.current.LocalID)

	if r.err == nil {
		r.err = location.Validate(r.sample)
	}
	if r.err != nil {
		log.WithError(r.err).Warn("location read failed")
		snap := e.current.Clone()
		e.emit(Event{Type: EventLocationError, Trip: &snap, Err: r.err, Error: r.err.Error()})
		return
	}
	if err := location.CheckAccuracy(r.sample, e.opts.AccuracyThresholdM); err != nil {
		log.WithError(err).Debug("discarding sample")
		return
	}
	e.accept(r.sample)
}

func (e *Engine) accept(s location.Sample) {
	t := e.current
	s.Timestamp = e.opts.Now()
	t.Samples = append(t.Samples, s)
	t.applyMetrics(ComputeMetrics(t.Samples))

	changed := false
	if !t.ManualMode {
		m, conf := e.opts.Classifier.Detect(t.Samples)
		changed = m != t.Mode
		t.Mode, t.ModeConfidence = m, conf
	}
	e.resetIdle()

	snap := e.publishSnapshot()
	if changed {
		e.log.WithFields(logrus.Fields{"trip_id": t.LocalID, "mode": t.Mode, "confidence": t.ModeConfidence}).Info("mode detected")
		detected := snap.Clone()
		e.emit(Event{Type: EventModeDetected, Trip: &detected, Mode: t.Mode, Confidence: t.ModeConfidence})
	}
	e.opts.Recorder.SampleAccepted(snap.Clone(), s)
	e.emit(Event{Type: EventTripUpdated, Trip: &snap})
}

func (e *Engine) finish(end *location.Sample) Trip {
	t := e.current
	e.stopTimers()
	e.reading = false
	e.finalizing = false

	now := e.opts.Now()
	if end != nil {
		s := *end
		s.Timestamp = now
		t.Samples = append(t.Samples, s)
		t.EndLocation = &s
	}
	t.EndTime = now
	t.applyMetrics(ComputeMetrics(t.Samples))
	if !t.ManualMode {
		if m, conf := e.opts.Classifier.Detect(t.Samples); m != mode.Detecting {
			t.Mode, t.ModeConfidence = m, conf
		}
	}
	t.CO2Kg, t.CostUSD = mode.Footprint(t.Mode, t.DistanceKm)

	done := t.Clone()
	e.current = nil
	e.snapshot.Store(nil)

	e.log.WithFields(logrus.Fields{
		"trip_id":     done.LocalID,
		"mode":        done.Mode,
		"distance_km": fmt.Sprintf("%.3f", done.DistanceKm),
		"forced":      end == nil,
	}).Info("trip ended")
	ev := done.Clone()
	e.emit(Event{Type: EventTripEnded, Trip: &ev})
	e.opts.Recorder.TripEnded(done.Clone())
	return done
}

// abandon drops the active trip when Run exits so the engine no longer
// reports it.
func (e *Engine) abandon() {
	e.stopTimers()
	if e.current != nil {
		e.log.WithField("trip_id", e.current.LocalID).Warn("engine stopped, trip abandoned")
	}
	e.current = nil
	e.snapshot.Store(nil)
}

func (e *Engine) resetIdle() {
	if e.idle == nil {
		return
	}
	if !e.idle.Stop() {
		select {
		case <-e.idle.C:
		default:
		}
	}
	e.idle.Reset(e.opts.IdleTimeout)
}

func (e *Engine) stopTimers() {
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
}

func (e *Engine) publishSnapshot() Trip {
	snap := e.current.Clone()
	stored := snap.Clone()
	e.snapshot.Store(&stored)
	return snap
}

// Subscription delivers engine events. Slow subscribers miss events rather
// than stall the engine.
type Subscription struct {
	C <-chan Event

	e    *Engine
	id   int
	once sync.Once
}

func (e *Engine) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subsMu.Unlock()
	return &Subscription{C: ch, e: e, id: id}
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.e.subsMu.Lock()
		ch := s.e.subs[s.id]
		delete(s.e.subs, s.id)
		s.e.subsMu.Unlock()
		if ch != nil {
			close(ch)
		}
	})
}

func (e *Engine) emit(ev Event) {
	ev.At = e.opts.Now()
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.log.WithField("event", ev.Type).Debug("subscriber full, dropping event")
		}
	}
}
