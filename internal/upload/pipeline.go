package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"traveltracker/internal/buffer"
	"traveltracker/internal/journal"
	"traveltracker/internal/location"
	"traveltracker/internal/trip"
)

var errUnknownTrip = errors.New("unknown local trip")

// API is the upload capability of the trips backend.
type API interface {
	CreateTrip(ctx context.Context, d Draft) (string, error)
	AppendPoint(ctx context.Context, tripID string, s location.Sample) error
	CloseTrip(ctx context.Context, tripID string, s Summary) error
}

// Journal keeps ended trips whose sync did not complete.
type Journal interface {
	Save(ctx context.Context, e journal.Entry) error
	Pending(ctx context.Context) ([]journal.Entry, error)
	MarkSynced(ctx context.Context, localID, backendID string) error
}

type PipelineOptions struct {
	Buffer      buffer.Options
	CallTimeout time.Duration
	Log         *logrus.Entry
}

// SyncResult reports one offline sync pass.
type SyncResult struct {
	Synced  []string `json:"synced"`
	Failed  []string `json:"failed"`
	Pending int      `json:"pending"`
}

// Pipeline connects the trip engine to the backend. It buffers accepted
// samples, creates backend trips lazily and journals trips it could not close.
type Pipeline struct {
	api     API
	journal Journal
	buf     *buffer.Buffer
	log     *logrus.Entry
	timeout time.Duration

	group singleflight.Group

	mu       sync.Mutex
	ids      map[string]string
	drafts   map[string]Draft
	finished map[string]bool

	wg sync.WaitGroup
}

func NewPipeline(api API, j Journal, opts PipelineOptions) *Pipeline {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Buffer.Log == nil {
		opts.Buffer.Log = opts.Log
	}
	p := &Pipeline{
		api:     api,
		journal: j,
		log:     opts.Log.WithField("component", "upload_pipeline"),
		timeout: opts.CallTimeout,
		ids:      make(map[string]string),
		drafts:   make(map[string]Draft),
		finished: make(map[string]bool),
	}
	opts.Buffer.Drained = p.forgetIfDrained
	p.buf = buffer.New(p, opts.Buffer)
	return p
}

func (p *Pipeline) Buffer() *buffer.Buffer {
	return p.buf
}

// BackendID returns the backend id assigned to a local trip, if known.
func (p *Pipeline) BackendID(localID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.ids[localID]
	return id, ok
}

func (p *Pipeline) TripStarted(t trip.Trip) {
	p.mu.Lock()
	p.drafts[t.LocalID] = DraftFromTrip(t)
	p.mu.Unlock()

	p.background(func(ctx context.Context) {
		if _, err := p.ensureBackendID(ctx, t.LocalID); err != nil {
			p.log.WithField("trip_id", t.LocalID).WithError(err).Warn("create trip failed, will retry with the first point")
		}
	})
}

func (p *Pipeline) SampleAccepted(t trip.Trip, s location.Sample) {
	p.buf.Add(buffer.Point{TripID: t.LocalID, Sample: s})
}

func (p *Pipeline) TripEnded(t trip.Trip) {
	p.background(func(ctx context.Context) {
		if err := p.Finish(ctx, t); err != nil {
			p.log.WithField("trip_id", t.LocalID).WithError(err).Warn("trip sync failed, saved offline")
		}
	})
}

// Upload sends one buffered point, creating the backend trip first when needed.
func (p *Pipeline) Upload(ctx context.Context, pt buffer.Point) error {
	id, err := p.ensureBackendID(ctx, pt.TripID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.api.AppendPoint(ctx, id, pt.Sample)
}

// Finish flushes the buffer and closes the trip on the backend. On failure
// the trip is journaled for SyncOffline.
func (p *Pipeline) Finish(ctx context.Context, t trip.Trip) error {
	p.mu.Lock()
	if _, ok := p.drafts[t.LocalID]; !ok {
		p.drafts[t.LocalID] = DraftFromTrip(t)
	}
	p.mu.Unlock()

	p.buf.Flush(ctx)

	id, err := p.ensureBackendID(ctx, t.LocalID)
	if err == nil {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err = p.api.CloseTrip(callCtx, id, SummaryFromTrip(t))
		cancel()
	}
	if err != nil {
		if jerr := p.saveOffline(ctx, t, id, err); jerr != nil {
			return fmt.Errorf("%w (journal: %v)", err, jerr)
		}
		return err
	}

	p.log.WithFields(logrus.Fields{"trip_id": t.LocalID, "backend_id": id}).Info("trip synced")
	p.closed(t.LocalID)
	return nil
}

// SyncOffline retries every journaled trip. Trips that never reached the
// backend are created with their final data before being closed.
func (p *Pipeline) SyncOffline(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	if p.journal == nil {
		return res, nil
	}
	entries, err := p.journal.Pending(ctx)
	if err != nil {
		return res, err
	}

	for _, e := range entries {
		log := p.log.WithField("trip_id", e.LocalID)
		id, err := p.syncEntry(ctx, e)
		if err != nil {
			log.WithError(err).Warn("offline trip sync failed")
			res.Failed = append(res.Failed, e.LocalID)
			continue
		}
		if err := p.journal.MarkSynced(ctx, e.LocalID, id); err != nil {
			return res, err
		}
		log.WithField("backend_id", id).Info("offline trip synced")
		res.Synced = append(res.Synced, e.LocalID)
	}
	res.Pending = len(res.Failed)
	return res, nil
}

func (p *Pipeline) syncEntry(ctx context.Context, e journal.Entry) (string, error) {
	id := e.BackendID
	if id == "" {
		p.mu.Lock()
		p.drafts[e.LocalID] = DraftFromTrip(e.Trip)
		p.mu.Unlock()

		var err error
		if id, err = p.ensureBackendID(ctx, e.LocalID); err != nil {
			return "", err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.api.CloseTrip(callCtx, id, SummaryFromTrip(e.Trip)); err != nil {
		return "", err
	}
	p.closed(e.LocalID)
	return id, nil
}

// Wait blocks until background uploads and flushes have returned.
func (p *Pipeline) Wait() {
	p.wg.Wait()
	p.buf.Wait()
}

func (p *Pipeline) ensureBackendID(ctx context.Context, localID string) (string, error) {
	p.mu.Lock()
	if id, ok := p.ids[localID]; ok {
		p.mu.Unlock()
		return id, nil
	}
	draft, ok := p.drafts[localID]
	p.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", errUnknownTrip, localID)
	}

	v, err, _ := p.group.Do(localID, func() (interface{}, error) {
		p.mu.Lock()
		id, ok := p.ids[localID]
		p.mu.Unlock()
		if ok {
			return id, nil
		}

		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		id, err := p.api.CreateTrip(callCtx, draft)
		if err != nil {
			return "", err
		}
		p.mu.Lock()
		p.ids[localID] = id
		p.mu.Unlock()
		p.log.WithFields(logrus.Fields{"trip_id": localID, "backend_id": id}).Info("backend trip created")
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Pipeline) saveOffline(ctx context.Context, t trip.Trip, backendID string, cause error) error {
	if p.journal == nil {
		return errors.New("no offline journal configured")
	}
	return p.journal.Save(ctx, journal.Entry{
		LocalID:   t.LocalID,
		BackendID: backendID,
		Trip:      t,
		LastError: cause.Error(),
	})
}

func (p *Pipeline) closed(localID string) {
	p.mu.Lock()
	p.finished[localID] = true
	p.mu.Unlock()
	p.forgetIfDrained(localID)
}

// forgetIfDrained drops the id mapping of a closed trip once the buffer holds
// none of its points. The buffer calls it again after every flush, so a point
// that was in flight when the trip closed keeps the mapping until it lands.
func (p *Pipeline) forgetIfDrained(localID string) {
	if p.buf.Holds(localID) {
		return
	}
	p.mu.Lock()
	if p.finished[localID] {
		delete(p.ids, localID)
		delete(p.drafts, localID)
		delete(p.finished, localID)
	}
	p.mu.Unlock()
}

func (p *Pipeline) background(fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(context.Background())
	}()
}
