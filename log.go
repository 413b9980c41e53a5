package swapcore

import (
	"github.com/btcsuite/btclog"

	"github.com/ghostwire-labs/xmrbtc-swap/chain/btc"
	"github.com/ghostwire-labs/xmrbtc-swap/chain/xmr"
	"github.com/ghostwire-labs/xmrbtc-swap/crypto/adaptor"
	"github.com/ghostwire-labs/xmrbtc-swap/crypto/dleq"
	"github.com/ghostwire-labs/xmrbtc-swap/eventloop"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/buyer"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/seller"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/setup"
	"github.com/ghostwire-labs/xmrbtc-swap/swapdb"
	"github.com/ghostwire-labs/xmrbtc-swap/swapnet"
)

var log = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// SetupLoggers wires every package-level logger in the module to a
// subsystem logger drawn from backend, all at the given level. Called
// once at daemon startup, after the log file (if any) is open.
func SetupLoggers(backend *btclog.Backend, level btclog.Level) {
	register := func(tag string, useLogger func(btclog.Logger)) {
		logger := backend.Logger(tag)
		logger.SetLevel(level)
		useLogger(logger)
	}

	register("SWCR", UseLogger)
	register("EVLP", eventloop.UseLogger)
	register("SELR", seller.UseLogger)
	register("BUYR", buyer.UseLogger)
	register("STUP", setup.UseLogger)
	register("SWNT", swapnet.UseLogger)
	register("SWDB", swapdb.UseLogger)
	register("BTCC", btc.UseLogger)
	register("XMRC", xmr.UseLogger)
	register("KMAT", dleq.UseLogger)
	register("ADPT", adaptor.UseLogger)
}
