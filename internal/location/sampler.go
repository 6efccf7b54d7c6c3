package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"traveltracker/internal/shared/geo"
)

// Sampler wraps a Source: it validates coordinates, stamps readings that carry
// no timestamp and remembers the last good sample.
type Sampler struct {
	source Source
	now    func() time.Time

	mu      sync.RWMutex
	last    Sample
	hasLast bool
}

func NewSampler(source Source) *Sampler {
	return &Sampler{source: source, now: time.Now}
}

// WithClock replaces the clock used for stamping and freshness checks.
func (s *Sampler) WithClock(now func() time.Time) *Sampler {
	s.now = now
	return s
}

func (s *Sampler) OneShot(ctx context.Context) (Sample, error) {
	if s.source == nil {
		return Sample{}, fmt.Errorf("%w: no source configured", ErrUnavailable)
	}
	sample, err := s.source.OneShot(ctx)
	if err != nil {
		return Sample{}, unavailable(err)
	}
	return s.accept(sample)
}

func (s *Sampler) Watch(ctx context.Context) (*Subscription, error) {
	if s.source == nil {
		return nil, fmt.Errorf("%w: no source configured", ErrUnavailable)
	}
	ctx, cancel := context.WithCancel(ctx)
	inner, err := s.source.Watch(ctx)
	if err != nil {
		cancel()
		return nil, unavailable(err)
	}

	out := make(chan Reading, cap(inner.C))
	go func() {
		defer close(out)
		defer inner.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-inner.C:
				if !ok {
					return
				}
				if r.Err != nil {
					r.Err = unavailable(r.Err)
				} else {
					r.Sample, r.Err = s.accept(r.Sample)
				}
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return NewSubscription(out, cancel), nil
}

// LastKnown returns the most recent valid sample seen by the sampler.
func (s *Sampler) LastKnown() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

// Age returns how old a sample is relative to the sampler clock.
func (s *Sampler) Age(sample Sample) time.Duration {
	return s.now().Sub(sample.Timestamp)
}

// Fresh reports whether the sample is at most maxAge old.
func (s *Sampler) Fresh(sample Sample, maxAge time.Duration) bool {
	if sample.Timestamp.IsZero() {
		return false
	}
	return s.Age(sample) <= maxAge
}

// Recent returns the last known sample if it is at most maxAge old.
func (s *Sampler) Recent(maxAge time.Duration) (Sample, bool) {
	last, ok := s.LastKnown()
	if !ok || !s.Fresh(last, maxAge) {
		return Sample{}, false
	}
	return last, true
}

// Accurate reports whether the sample's accuracy radius is within threshold metres.
func Accurate(sample Sample, thresholdM float64) bool {
	return sample.AccuracyM <= thresholdM
}

// CheckAccuracy returns ErrInaccurate when the sample fails Accurate.
func CheckAccuracy(sample Sample, thresholdM float64) error {
	if !Accurate(sample, thresholdM) {
		return fmt.Errorf("%w: %.1fm exceeds %.1fm", ErrInaccurate, sample.AccuracyM, thresholdM)
	}
	return nil
}

// Validate checks the coordinate ranges of a sample.
func Validate(sample Sample) error {
	if !geo.ValidCoordinate(sample.Latitude, sample.Longitude) {
		return fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidCoordinate, sample.Latitude, sample.Longitude)
	}
	return nil
}

func (s *Sampler) accept(sample Sample) (Sample, error) {
	if err := Validate(sample); err != nil {
		return Sample{}, err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now()
	}
	if sample.SpeedMps < 0 {
		sample.SpeedMps = 0
	}

	s.mu.Lock()
	s.last = sample
	s.hasLast = true
	s.mu.Unlock()
	return sample, nil
}

func unavailable(err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
