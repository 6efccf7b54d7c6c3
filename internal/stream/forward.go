package stream

import (
	"context"
	"encoding/json"

	"traveltracker/internal/trip"
)

const TopicTrips = "trips"

// Forward broadcasts every engine event as JSON on TopicTrips until ctx is
// done or events is closed.
func Forward(ctx context.Context, events <-chan trip.Event, hub *Hub) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				hub.log.WithField("event", ev.Type).WithError(err).Warn("encode event")
				continue
			}
			hub.Broadcast(TopicTrips, payload)
		}
	}
}
