package location

import (
	"context"
	"sync"
)

// Source is the position-sampling capability the tracker consumes.
type Source interface {
	// OneShot performs a single best-effort read.
	OneShot(ctx context.Context) (Sample, error)
	// Watch starts a continuous subscription. Cancel the returned
	// subscription (or ctx) to stop it.
	Watch(ctx context.Context) (*Subscription, error)
}

// Subscription is the handle returned by Watch.
type Subscription struct {
	C <-chan Reading

	cancel context.CancelFunc
	once   sync.Once
}

// NewSubscription wraps a reading channel and the function that stops its producer.
func NewSubscription(c <-chan Reading, cancel context.CancelFunc) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

// Cancel stops the watch. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}
