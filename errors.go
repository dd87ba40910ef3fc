package conveyor

import "errors"

var (
	// Configuration errors.
	ErrConfigInvalid = errors.New("conveyor: invalid configuration")

	// Broker errors.
	ErrBrokerUnavailable = errors.New("conveyor: broker unavailable")

	// Not found errors.
	ErrEntryNotFound = errors.New("conveyor: dlq entry not found")

	// ErrDraining is returned by Worker.Run when the shutdown timeout
	// expired before every in-flight job resolved. The undecided
	// messages have been nak'd back to the broker with no delay.
	ErrDraining = errors.New("conveyor: drain deadline exceeded")
)
