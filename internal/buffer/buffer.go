package buffer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"traveltracker/internal/location"
)

const (
	DefaultMaxSize = 10
	DefaultMaxAge  = 30 * time.Second
)

type Status string

const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// Point is a sample queued for upload, keyed by the local trip id.
type Point struct {
	location.Sample
	ID        string `json:"id"`
	TripID    string `json:"trip_id"`
	Status    Status `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

type Uploader interface {
	Upload(ctx context.Context, p Point) error
}

type UploaderFunc func(ctx context.Context, p Point) error

func (f UploaderFunc) Upload(ctx context.Context, p Point) error {
	return f(ctx, p)
}

type Options struct {
	MaxSize int
	MaxAge  time.Duration
	Now     func() time.Time
	Log     *logrus.Entry

	// Drained is called after a flush for every trip of the batch that has
	// no point left, queued or in flight.
	Drained func(tripID string)
}

// Result summarises one flush.
type Result struct {
	Attempted int `json:"attempted"`
	Uploaded  int `json:"uploaded"`
	Failed    int `json:"failed"`
}

// Buffer queues points and uploads them in batches. A point leaves the buffer
// only once its upload succeeded.
type Buffer struct {
	up   Uploader
	opts Options
	log  *logrus.Entry

	mu        sync.Mutex
	points    []Point
	inflight  map[string]int
	lastFlush time.Time

	flushing atomic.Bool
	wg       sync.WaitGroup
}

func New(up Uploader, opts Options) *Buffer {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Buffer{
		up:        up,
		opts:      opts,
		log:       opts.Log.WithField("component", "point_buffer"),
		inflight:  make(map[string]int),
		lastFlush: opts.Now(),
	}
}

// Add queues p and returns the new buffer length. When the buffer holds
// MaxSize points or the last flush is older than MaxAge a flush starts in the
// background, unless one is already running.
func (b *Buffer) Add(p Point) int {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = StatusPending
	}

	b.mu.Lock()
	b.points = append(b.points, p)
	n := len(b.points)
	due := n >= b.opts.MaxSize || b.opts.Now().Sub(b.lastFlush) > b.opts.MaxAge
	b.mu.Unlock()

	if due && b.flushing.CompareAndSwap(false, true) {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer b.flushing.Store(false)
			b.flush(context.Background())
		}()
	}
	return n
}

// Flush uploads every queued point. The buffer is cleared before any upload
// starts; failed points are appended back with their attempt count raised.
func (b *Buffer) Flush(ctx context.Context) Result {
	return b.flush(ctx)
}

func (b *Buffer) flush(ctx context.Context) Result {
	b.mu.Lock()
	batch := b.points
	b.points = nil
	for _, p := range batch {
		b.inflight[p.TripID]++
	}
	b.mu.Unlock()

	if len(batch) == 0 {
		return Result{}
	}

	res := Result{Attempted: len(batch)}
	var failed []Point
	for _, p := range batch {
		if err := b.up.Upload(ctx, p); err != nil {
			p.Status = StatusFailed
			p.Attempts++
			p.LastError = err.Error()
			failed = append(failed, p)
			b.log.WithFields(logrus.Fields{"trip_id": p.TripID, "point_id": p.ID, "attempts": p.Attempts}).WithError(err).Warn("point upload failed, requeued")
			continue
		}
		res.Uploaded++
	}
	res.Failed = len(failed)

	b.mu.Lock()
	b.points = append(b.points, failed...)
	b.lastFlush = b.opts.Now()
	var drained []string
	for _, p := range batch {
		n, ok := b.inflight[p.TripID]
		if !ok {
			continue
		}
		if n > 1 {
			b.inflight[p.TripID] = n - 1
			continue
		}
		delete(b.inflight, p.TripID)
		if !b.queuedLocked(p.TripID) {
			drained = append(drained, p.TripID)
		}
	}
	b.mu.Unlock()

	if b.opts.Drained != nil {
		for _, id := range drained {
			b.opts.Drained(id)
		}
	}

	b.log.WithFields(logrus.Fields{"uploaded": res.Uploaded, "failed": res.Failed}).Debug("buffer flushed")
	return res
}

func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.points)
}

// Pending returns a copy of the queued points.
func (b *Buffer) Pending() []Point {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Point, len(b.points))
	copy(out, b.points)
	return out
}

// Holds reports whether a point of the trip is queued or being uploaded.
func (b *Buffer) Holds(tripID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight[tripID] > 0 || b.queuedLocked(tripID)
}

func (b *Buffer) queuedLocked(tripID string) bool {
	for _, p := range b.points {
		if p.TripID == tripID {
			return true
		}
	}
	return false
}

// Wait blocks until background flushes started by Add have returned.
func (b *Buffer) Wait() {
	b.wg.Wait()
}
