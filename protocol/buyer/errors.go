package buyer

import "errors"

var (
	// ErrAlreadyTerminal names a swap already in a terminal Kind.
	// Driver.Run does not return it: given a terminal start state, Run
	// returns that state unchanged with a nil error.
	ErrAlreadyTerminal = errors.New("buyer: swap already in a terminal state")

	// ErrUnexpectedKind is returned when a persisted state's Kind does
	// not match the Go type loaded for it, indicating store corruption.
	ErrUnexpectedKind = errors.New("buyer: persisted state kind mismatch")
)
