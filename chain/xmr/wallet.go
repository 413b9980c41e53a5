// Package xmr implements the narrow Monero wallet contract the core
// consumes, and the lock-output transfer proof / check_tx_key
// verification used to confirm the Seller's XMR transfer without the
// Buyer ever opening the Seller's wallet.
package xmr

import (
	"context"
	"errors"
)

// ErrInsufficientFunds is returned by WatchForTransfer when the observed
// transfer underpays the expected amount.
var ErrInsufficientFunds = errors.New("xmr: transfer amount below expected")

// TransferProof is the pair (tx hash, one-time transaction private key)
// of §3.1: it lets the recipient verify amount and destination via
// check_tx_key without touching the sender's wallet.
type TransferProof struct {
	TxHash string
	TxKey  string
}

// Piconero is the atomic Monero unit, re-exported for convenience so
// callers need not import package swap just for the amount type.
type Piconero = uint64

const PiconeroPerXmr Piconero = 1_000_000_000_000

// Wallet is the narrow Monero wallet contract the core consumes. As with
// chain/btc.Wallet, it deliberately does not leak the wallet-rpc shape so
// the core can be tested against an in-memory mock.
type Wallet interface {
	MainAddress(ctx context.Context) (string, error)
	TotalBalance(ctx context.Context) (Piconero, error)
	UnlockedBalance(ctx context.Context) (Piconero, error)

	// Transfer sends amount to a single recipient address, returning
	// the proof needed for the counterparty's check_tx_key call.
	Transfer(ctx context.Context, to string, amount Piconero) (TransferProof, error)

	// CheckTxKey verifies proof against the chain for address,
	// returning confirmations seen so far and the amount actually
	// received at that address by that transaction.
	CheckTxKey(ctx context.Context, proof TransferProof, address string) (confirmations uint64, received Piconero, err error)

	// WatchForTransfer blocks until proof is confirmed confTarget
	// times paying destSpend/view at least expectedAmount, or returns
	// ErrInsufficientFunds if the chain-confirmed amount is short.
	WatchForTransfer(ctx context.Context, destSpend, view [32]byte, proof TransferProof, expectedAmount Piconero, confTarget uint64) error

	Refresh(ctx context.Context) error
	WaitUntilSynced(ctx context.Context, progress func(height, target uint64)) error

	// CreateFromKeys builds the Seller's or Buyer's claim wallet once
	// the full Monero spend key has been derived.
	CreateFromKeys(ctx context.Context, spendPriv, viewPriv [32]byte, restoreHeight uint64) error
}
