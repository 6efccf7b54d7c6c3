package location

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/sirupsen/logrus"
)

const (
	knotsToMps = 0.514444
	// hdopUERE converts horizontal dilution of precision into an accuracy
	// radius in metres for a typical consumer receiver.
	hdopUERE = 5.0
)

// NMEASource turns an NMEA 0183 line stream into location samples. Positions
// come from RMC sentences; GGA sentences contribute HDOP and altitude.
type NMEASource struct {
	// MaxAge bounds how old a cached fix may be for OneShot.
	MaxAge time.Duration
	// WaitTimeout bounds how long OneShot waits for a new fix when ctx has no deadline.
	WaitTimeout time.Duration

	log *logrus.Entry
	now func() time.Time

	mu       sync.Mutex
	fix      Sample
	fixAt    time.Time
	hasFix   bool
	hdop     float64
	altitude float64
	waiters  []chan Sample
	watchers map[int]chan Reading
	nextID   int
}

func NewNMEASource(log *logrus.Entry) *NMEASource {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &NMEASource{
		MaxAge:      30 * time.Second,
		WaitTimeout: 10 * time.Second,
		log:         log.WithField("component", "nmea"),
		now:         time.Now,
		watchers:    map[int]chan Reading{},
	}
}

// Run reads sentences until r is exhausted or ctx is cancelled.
func (s *NMEASource) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "$") {
			continue
		}
		if err := s.handle(line); err != nil {
			s.log.WithError(err).Debug("skipping nmea sentence")
		}
	}
	if err := scanner.Err(); err != nil {
		s.broadcastError(fmt.Errorf("%w: %w", ErrUnavailable, err))
		return err
	}
	return nil
}

func (s *NMEASource) handle(line string) error {
	sentence, err := nmea.Parse(line)
	if err != nil {
		return err
	}

	switch sentence.DataType() {
	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		s.mu.Lock()
		if m.FixQuality != nmea.Invalid {
			s.hdop = m.HDOP
			s.altitude = m.Altitude
		}
		s.mu.Unlock()
	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)
		if m.Validity != nmea.ValidRMC {
			return fmt.Errorf("rmc void")
		}
		s.publish(m)
	}
	return nil
}

func (s *NMEASource) publish(m nmea.RMC) {
	s.mu.Lock()
	defer s.mu.Unlock()

	received := s.now()
	sample := Sample{
		Latitude:   m.Latitude,
		Longitude:  m.Longitude,
		SpeedMps:   m.Speed * knotsToMps,
		HeadingDeg: m.Course,
		AltitudeM:  s.altitude,
		AccuracyM:  s.hdop * hdopUERE,
		Timestamp:  fixTime(m.Date, m.Time, received),
	}
	s.fix = sample
	s.fixAt = received
	s.hasFix = true

	for _, w := range s.waiters {
		w <- sample
	}
	s.waiters = nil

	for id, w := range s.watchers {
		select {
		case w <- Reading{Sample: sample}:
		default:
			s.log.WithField("watcher", id).Warn("watcher channel full, dropping fix")
		}
	}
}

func (s *NMEASource) broadcastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		select {
		case w <- Reading{Err: err}:
		default:
		}
	}
}

func (s *NMEASource) OneShot(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	if s.hasFix && s.now().Sub(s.fixAt) <= s.MaxAge {
		fix := s.fix
		s.mu.Unlock()
		return fix, nil
	}
	waiter := make(chan Sample, 1)
	s.waiters = append(s.waiters, waiter)
	s.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && s.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.WaitTimeout)
		defer cancel()
	}

	select {
	case sample := <-waiter:
		return sample, nil
	case <-ctx.Done():
		s.dropWaiter(waiter)
		return Sample{}, fmt.Errorf("%w: no fix: %w", ErrUnavailable, ctx.Err())
	}
}

func (s *NMEASource) Watch(ctx context.Context) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Reading, 16)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		close(ch)
		s.mu.Unlock()
	}()
	return NewSubscription(ch, cancel), nil
}

func (s *NMEASource) dropWaiter(waiter chan Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == waiter {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

func fixTime(d nmea.Date, t nmea.Time, fallback time.Time) time.Time {
	if !d.Valid || !t.Valid {
		return fallback
	}
	return time.Date(2000+d.YY, time.Month(d.MM), d.DD, t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}
