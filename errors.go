package blockdb

import "errors"

var (
	// ErrShuttingDown signals that the engine received a shutdown
	// request while an operation was still in flight.
	ErrShuttingDown = errors.New("block db shutting down")
)
