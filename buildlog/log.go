// Package buildlog provides the subsystem logger bootstrap shared by every
// package in this module. It mirrors the teacher's build.NewSubLogger /
// package-level UseLogger convention: packages start with logging disabled
// and the daemon wires in a real backend once one is configured.
package buildlog

import (
	"os"

	"github.com/btcsuite/btclog"
)

// NewSubLogger returns btclog.Disabled; subsystem is not used here (the
// tag is applied when SetupLoggers draws each logger from a backend).
// Callers replace it via the package's UseLogger once a real backend is
// available.
func NewSubLogger(subsystem string) btclog.Logger {
	return btclog.Disabled
}

// NewBackend constructs a btclog.Backend writing to w, defaulting to
// os.Stderr. Used by cmd/swapd to stand up real loggers at startup.
func NewBackend(w *os.File) *btclog.Backend {
	if w == nil {
		w = os.Stderr
	}
	return btclog.NewBackend(w)
}
