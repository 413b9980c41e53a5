package eventloop

import "errors"

var (
	// ErrSwapNotFound is returned when an inbound request names a swap
	// id this loop has no registered driver for. BuyerLoop's
	// HandleTransferProof returns it after buffering the proof.
	ErrSwapNotFound = errors.New("eventloop: no driver registered for swap id")

	// ErrAlreadyRegistered is returned by register if a driver is
	// already running for that swap id.
	ErrAlreadyRegistered = errors.New("eventloop: swap already has a running driver")
)
