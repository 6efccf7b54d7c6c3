package trip

import "errors"

var (
	ErrAlreadyActive = errors.New("trip already active")
	ErrNoActiveTrip  = errors.New("no active trip")
	ErrEngineStopped = errors.New("trip engine stopped")
)
