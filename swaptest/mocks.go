// Package swaptest drives protocol/seller.Driver and protocol/buyer.Driver
// together, end to end, against a shared in-memory chain and Monero
// ledger instead of live bitcoind/monero-wallet-rpc nodes. It extends the
// same mock shapes protocol/seller and protocol/buyer already use in
// their own driver tests (a map-backed fake chain, wallets that read and
// write it) to a harness wiring both roles' drivers to each other
// in-process, the way eventloop's two loops would relay messages between
// them over swapnet.
package swaptest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/ghostwire-labs/xmrbtc-swap/chain/btc"
	"github.com/ghostwire-labs/xmrbtc-swap/chain/xmr"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/buyer"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/seller"
)

const tickInterval = 2 * time.Millisecond

// chain is a fake Bitcoin network shared by both roles' wallets: a map of
// known transactions keyed by txid, the height each confirmed at, and a
// single mutable "current height" every confirmation or timelock check
// reads against. It collapses broadcast and confirmation into one
// instant, same as protocol/seller's own mockChain.
type chain struct {
	mu      sync.Mutex
	known   map[chainhash.Hash]*wire.MsgTx
	heights map[chainhash.Hash]uint32
	height  uint32
}

func newChain(height uint32) *chain {
	return &chain{known: map[chainhash.Hash]*wire.MsgTx{}, heights: map[chainhash.Hash]uint32{}, height: height}
}

func (c *chain) put(tx *wire.MsgTx, height uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[tx.TxHash()] = tx
	c.heights[tx.TxHash()] = height
}

func (c *chain) get(h chainhash.Hash) (*wire.MsgTx, uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.known[h]
	return tx, c.heights[h], ok
}

func (c *chain) currentHeight() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// advanceTo moves the chain's current height forward, simulating blocks
// mined; it never moves it backward.
func (c *chain) advanceTo(height uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height > c.height {
		c.height = height
	}
}

// waitKnown blocks until txid appears on c, returning the height it
// confirmed at. Scenarios use it to learn a lock height without guessing
// at sleep durations.
func waitKnown(ctx context.Context, c *chain, txid chainhash.Hash) (uint32, error) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		if _, height, ok := c.get(txid); ok {
			return height, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// wallet implements chain/btc.Wallet against a shared chain. BuildTxLock
// constructs a real-shaped, if fee-free, transaction, since both
// protocol/setup (during the handshake) and protocol/buyer's Driver (at
// Negotiated) call it.
type wallet struct {
	network *chaincfg.Params
	chain   *chain
}

func (w *wallet) Network() *chaincfg.Params { return w.network }

func (w *wallet) NewAddress(ctx context.Context) (btcutil.Address, error) { return nil, nil }
func (w *wallet) Balance(ctx context.Context) (btcutil.Amount, error)     { return 0, nil }
func (w *wallet) MaxGiveable(ctx context.Context, scriptSize int) (btcutil.Amount, error) {
	return 0, nil
}

func (w *wallet) BuildTxLock(ctx context.Context, address btcutil.Address, amount btcutil.Amount) (*wire.MsgTx, error) {
	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0xAA}, Index: 0}})
	tx.AddTxOut(&wire.TxOut{Value: int64(amount), PkScript: pkScript})
	return tx, nil
}

func (w *wallet) Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	h := tx.TxHash()
	if _, _, ok := w.chain.get(h); ok {
		return &h, btc.ErrAlreadyKnown
	}
	w.chain.put(tx, w.chain.currentHeight())
	return &h, nil
}

func (w *wallet) GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	tx, _, ok := w.chain.get(*txid)
	if !ok {
		return nil, fmt.Errorf("swaptest: unknown tx %s", txid)
	}
	return tx, nil
}

func (w *wallet) WatchForRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		if tx, _, ok := w.chain.get(*txid); ok {
			return tx, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *wallet) WaitForTransactionFinality(ctx context.Context, txid *chainhash.Hash, confirmations uint32) error {
	if _, _, ok := w.chain.get(*txid); !ok {
		return fmt.Errorf("swaptest: tx %s never broadcast", txid)
	}
	return nil
}

func (w *wallet) GetBlockHeight(ctx context.Context) (uint32, error) {
	return w.chain.currentHeight(), nil
}

func (w *wallet) TransactionBlockHeight(ctx context.Context, txid *chainhash.Hash) (uint32, bool, error) {
	_, height, ok := w.chain.get(*txid)
	return height, ok, nil
}

func (w *wallet) PollUntilBlockHeightIsGTE(ctx context.Context, height uint32) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		if w.chain.currentHeight() >= height {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *wallet) EstimateFeeRate(ctx context.Context) (btcutil.Amount, error) { return 10, nil }

// ledger is a fake Monero chain: it records the Seller's one and only
// Transfer call so the Buyer's WatchForTransfer can observe it, the same
// way chain lets one side's Broadcast be seen by the other's watch
// methods.
type ledger struct {
	mu     sync.Mutex
	sent   bool
	amount xmr.Piconero
}

func newLedger() *ledger { return &ledger{} }

func (l *ledger) transfer(amount xmr.Piconero) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = true
	l.amount = amount
}

func (l *ledger) sentAmount() (xmr.Piconero, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.amount, l.sent
}

// xmrWallet implements chain/xmr.Wallet against a shared ledger.
type xmrWallet struct {
	ledger *ledger

	mu               sync.Mutex
	claimedSpendPriv [32]byte
	claimed          bool
}

func (w *xmrWallet) MainAddress(ctx context.Context) (string, error)            { return "", nil }
func (w *xmrWallet) TotalBalance(ctx context.Context) (xmr.Piconero, error)     { return 0, nil }
func (w *xmrWallet) UnlockedBalance(ctx context.Context) (xmr.Piconero, error) { return 0, nil }

func (w *xmrWallet) Transfer(ctx context.Context, to string, amount xmr.Piconero) (xmr.TransferProof, error) {
	w.ledger.transfer(amount)
	return xmr.TransferProof{TxHash: "swaptest-txhash", TxKey: "swaptest-txkey"}, nil
}

func (w *xmrWallet) CheckTxKey(ctx context.Context, proof xmr.TransferProof, address string) (uint64, xmr.Piconero, error) {
	amount, ok := w.ledger.sentAmount()
	if !ok {
		return 0, 0, fmt.Errorf("swaptest: no transfer recorded yet")
	}
	return 10, amount, nil
}

func (w *xmrWallet) WatchForTransfer(ctx context.Context, destSpend, view [32]byte, proof xmr.TransferProof, expectedAmount xmr.Piconero, confTarget uint64) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		if amount, ok := w.ledger.sentAmount(); ok {
			if amount < expectedAmount {
				return xmr.ErrInsufficientFunds
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *xmrWallet) Refresh(ctx context.Context) error { return nil }
func (w *xmrWallet) WaitUntilSynced(ctx context.Context, progress func(height, target uint64)) error {
	return nil
}

func (w *xmrWallet) CreateFromKeys(ctx context.Context, spendPriv, viewPriv [32]byte, restoreHeight uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.claimedSpendPriv = spendPriv
	w.claimed = true
	return nil
}

func (w *xmrWallet) wasClaimed() (spendPriv [32]byte, claimed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.claimedSpendPriv, w.claimed
}

// toBuyer implements seller.PeerClient by delivering straight into a
// buyer.Driver's inbox, standing in for eventloop's message relay over
// swapnet.
type toBuyer struct {
	driver *buyer.Driver
}

func (p *toBuyer) SendTransferProof(ctx context.Context, proof xmr.TransferProof) error {
	p.driver.DeliverTransferProof(proof)
	return nil
}

// toSeller implements buyer.PeerClient by delivering straight into a
// seller.Driver's inbox.
type toSeller struct {
	driver *seller.Driver
}

func (p *toSeller) SendEncSig(ctx context.Context, encsig []byte) error {
	p.driver.DeliverEncSig(encsig)
	return nil
}

// silentPeer never delivers anything, modeling a counterparty that stops
// responding partway through the protocol.
type silentPeer struct{}

func (silentPeer) SendTransferProof(ctx context.Context, proof xmr.TransferProof) error { return nil }
func (silentPeer) SendEncSig(ctx context.Context, encsig []byte) error                  { return nil }

// segwitAddr mints a throwaway P2WPKH address on params, for the
// refund/redeem/punish addresses a handshake needs but this harness never
// actually pays out to.
func segwitAddr(params *chaincfg.Params) (btcutil.Address, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	hash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	return btcutil.NewAddressWitnessPubKeyHash(hash, params)
}
