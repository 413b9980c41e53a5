package setup

import "errors"

// Every verification gate of §4.3 returns one of these, so the driving
// state machine (protocol/seller, protocol/buyer) can treat any of them
// identically: a Validation error per §7, fatal before any BTC lock.
var (
	ErrDleqInvalid         = errors.New("setup: dleq proof failed to verify")
	ErrAmountMismatch      = errors.New("setup: amount does not match spot price")
	ErrNetworkMismatch     = errors.New("setup: blockchain network mismatch")
	ErrScriptMismatch      = errors.New("setup: tx_lock does not pay the expected descriptor address")
	ErrEncSigInvalid       = errors.New("setup: encrypted signature failed to verify")
	ErrSignatureInvalid    = errors.New("setup: pre-signature failed to verify")
	ErrTimelockInvalid     = errors.New("setup: timelock is zero or otherwise invalid")
	ErrUnexpectedSwapId    = errors.New("setup: message carries an unexpected swap id")
)
