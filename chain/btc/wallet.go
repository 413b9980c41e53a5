package btc

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrAlreadyKnown is returned by Wallet.Broadcast when an identical
// transaction is already known to the mempool or chain; callers must
// treat this the same as a fresh, successful broadcast.
var ErrAlreadyKnown = errors.New("btc: transaction already known")

// ErrInsufficientFunds is returned when the wallet cannot fund a
// requested output at the current balance.
var ErrInsufficientFunds = errors.New("btc: insufficient funds")

// Wallet is the narrow Bitcoin wallet contract the core consumes,
// modeled on lnwallet.WalletController: the core never selects coins or
// talks to bitcoind directly, only through this interface, so tests can
// substitute an in-memory mock chain.
type Wallet interface {
	NewAddress(ctx context.Context) (btcutil.Address, error)
	Balance(ctx context.Context) (btcutil.Amount, error)
	MaxGiveable(ctx context.Context, scriptSize int) (btcutil.Amount, error)

	// BuildTxLock selects inputs and signs a transaction paying amount
	// to address, ready to broadcast.
	BuildTxLock(ctx context.Context, address btcutil.Address, amount btcutil.Amount) (*wire.MsgTx, error)

	// Broadcast must be idempotent: broadcasting an identical tx twice
	// returns the same Txid and ErrAlreadyKnown rather than failing.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)

	GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error)
	WatchForRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error)
	WaitForTransactionFinality(ctx context.Context, txid *chainhash.Hash, confirmations uint32) error

	GetBlockHeight(ctx context.Context) (uint32, error)
	TransactionBlockHeight(ctx context.Context, txid *chainhash.Hash) (uint32, bool, error)
	PollUntilBlockHeightIsGTE(ctx context.Context, height uint32) error

	EstimateFeeRate(ctx context.Context) (btcutil.Amount, error)
	Network() *chaincfg.Params
}
