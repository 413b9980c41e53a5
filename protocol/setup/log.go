package setup

import (
	"github.com/btcsuite/btclog"
	"github.com/ghostwire-labs/xmrbtc-swap/buildlog"
)

var log = buildlog.NewSubLogger("STUP")

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
