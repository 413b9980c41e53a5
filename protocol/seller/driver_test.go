package seller

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/ghostwire-labs/xmrbtc-swap/chain/btc"
	"github.com/ghostwire-labs/xmrbtc-swap/chain/xmr"
	"github.com/ghostwire-labs/xmrbtc-swap/crypto/adaptor"
	"github.com/ghostwire-labs/xmrbtc-swap/crypto/dleq"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/setup"
	"github.com/ghostwire-labs/xmrbtc-swap/swap"
	"github.com/ghostwire-labs/xmrbtc-swap/swapcfg"
	"github.com/ghostwire-labs/xmrbtc-swap/swapdb"
)

// pipeStream is protocol/setup's test double for a libp2p substream,
// reused here so driver tests can run a real handshake and exercise the
// driver against its actual output instead of hand-built fixtures.
type pipeStream struct {
	out chan interface{}
	in  chan interface{}
}

func newPipe() (a, b *pipeStream) {
	c1 := make(chan interface{})
	c2 := make(chan interface{})
	return &pipeStream{out: c1, in: c2}, &pipeStream{out: c2, in: c1}
}

func (p *pipeStream) Send(v interface{}) error {
	p.out <- v
	return nil
}

func (p *pipeStream) Recv(v interface{}) error {
	got := <-p.in
	rv := reflect.ValueOf(v).Elem()
	gv := reflect.ValueOf(got)
	if rv.Type() != gv.Type() {
		return fmt.Errorf("pipe: expected %s, got %s", rv.Type(), gv.Type())
	}
	rv.Set(gv)
	return nil
}

func segwitAddr(t *testing.T, params *chaincfg.Params) btcutil.Address {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	hash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, params)
	require.NoError(t, err)
	return addr
}

// runHandshake drives a real Buyer/Seller setup over an in-process pipe
// and returns both sides' results plus their key bundles.
func runHandshake(t *testing.T, params *chaincfg.Params, profile swapcfg.Profile, btcAmount btcutil.Amount) (buyerKeys, sellerKeys *dleq.KeyBundle, buyerResult, sellerResult *setup.Result) {
	t.Helper()
	feeRate := btcutil.Amount(10)

	var err error
	buyerKeys, err = dleq.GenerateKeyBundle()
	require.NoError(t, err)
	buyerProof, err := dleq.Prove(buyerKeys.SSec)
	require.NoError(t, err)

	sellerKeys, err = dleq.GenerateKeyBundle()
	require.NoError(t, err)
	sellerProof, err := dleq.Prove(sellerKeys.SSec)
	require.NoError(t, err)

	buyerPipe, sellerPipe := newPipe()

	buyerInput := setup.BuyerInput{
		SwapId:        swap.NewId(),
		Profile:       profile,
		Keys:          buyerKeys,
		Proof:         buyerProof,
		RefundAddress: segwitAddr(t, params),
		ExpectedBtc:   btcAmount,
		ExpectedXmr:   7 * swap.PiconeroPerXmr / 10,
	}
	sellerInput := setup.SellerInput{
		Profile:       profile,
		Keys:          sellerKeys,
		Proof:         sellerProof,
		RedeemAddress: segwitAddr(t, params),
		PunishAddress: segwitAddr(t, params),
		ExpectedBtc:   btcAmount,
		ExpectedXmr:   7 * swap.PiconeroPerXmr / 10,
	}

	type outcome struct {
		result *setup.Result
		err    error
	}
	sellerDone := make(chan outcome, 1)
	go func() {
		res, err := setup.RunSeller(sellerPipe, sellerInput, params, feeRate)
		sellerDone <- outcome{res, err}
	}()

	buyerResult, err = setup.RunBuyer(context.Background(), buyerPipe, buyerInput, &lockBuilderWallet{network: params}, feeRate)
	require.NoError(t, err)

	so := <-sellerDone
	require.NoError(t, so.err)
	sellerResult = so.result
	return buyerKeys, sellerKeys, buyerResult, sellerResult
}

// lockBuilderWallet is the minimal chain/btc.Wallet RunBuyer needs to
// build tx_lock; nothing else in this file's tests calls it.
type lockBuilderWallet struct {
	network *chaincfg.Params
}

func (w *lockBuilderWallet) Network() *chaincfg.Params { return w.network }
func (w *lockBuilderWallet) BuildTxLock(ctx context.Context, address btcutil.Address, amount btcutil.Amount) (*wire.MsgTx, error) {
	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 0}})
	tx.AddTxOut(&wire.TxOut{Value: int64(amount), PkScript: pkScript})
	return tx, nil
}
func (w *lockBuilderWallet) NewAddress(ctx context.Context) (btcutil.Address, error) { return nil, nil }
func (w *lockBuilderWallet) Balance(ctx context.Context) (btcutil.Amount, error)     { return 0, nil }
func (w *lockBuilderWallet) MaxGiveable(ctx context.Context, scriptSize int) (btcutil.Amount, error) {
	return 0, nil
}
func (w *lockBuilderWallet) Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	return nil, nil
}
func (w *lockBuilderWallet) GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	return nil, nil
}
func (w *lockBuilderWallet) WatchForRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	return nil, nil
}
func (w *lockBuilderWallet) WaitForTransactionFinality(ctx context.Context, txid *chainhash.Hash, confirmations uint32) error {
	return nil
}
func (w *lockBuilderWallet) GetBlockHeight(ctx context.Context) (uint32, error) { return 0, nil }
func (w *lockBuilderWallet) TransactionBlockHeight(ctx context.Context, txid *chainhash.Hash) (uint32, bool, error) {
	return 0, false, nil
}
func (w *lockBuilderWallet) PollUntilBlockHeightIsGTE(ctx context.Context, height uint32) error {
	return nil
}
func (w *lockBuilderWallet) EstimateFeeRate(ctx context.Context) (btcutil.Amount, error) { return 10, nil }

// mockChain is a fake chain shared by a test's mock btc.Wallet: a map of
// known transactions keyed by txid, plus a single mutable "current
// height" both WaitForTransactionFinality and PollUntilBlockHeightIsGTE
// read. It collapses broadcast and confirmation into one instant, which
// is enough to exercise the driver's branching without a real chain.
type mockChain struct {
	mu      sync.Mutex
	known   map[chainhash.Hash]*wire.MsgTx
	heights map[chainhash.Hash]uint32
	height  uint32
}

func newMockChain(height uint32) *mockChain {
	return &mockChain{known: map[chainhash.Hash]*wire.MsgTx{}, heights: map[chainhash.Hash]uint32{}, height: height}
}

func (c *mockChain) put(tx *wire.MsgTx, height uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[tx.TxHash()] = tx
	c.heights[tx.TxHash()] = height
}

func (c *mockChain) get(h chainhash.Hash) (*wire.MsgTx, uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.known[h]
	return tx, c.heights[h], ok
}

func (c *mockChain) currentHeight() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

type mockBtcWallet struct {
	network *chaincfg.Params
	chain   *mockChain
}

func (w *mockBtcWallet) Network() *chaincfg.Params { return w.network }
func (w *mockBtcWallet) NewAddress(ctx context.Context) (btcutil.Address, error) {
	return nil, nil
}
func (w *mockBtcWallet) Balance(ctx context.Context) (btcutil.Amount, error) { return 0, nil }
func (w *mockBtcWallet) MaxGiveable(ctx context.Context, scriptSize int) (btcutil.Amount, error) {
	return 0, nil
}
func (w *mockBtcWallet) BuildTxLock(ctx context.Context, address btcutil.Address, amount btcutil.Amount) (*wire.MsgTx, error) {
	return nil, errors.New("mockBtcWallet: BuildTxLock not used by protocol/seller")
}
func (w *mockBtcWallet) Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	h := tx.TxHash()
	if _, _, ok := w.chain.get(h); ok {
		return &h, btc.ErrAlreadyKnown
	}
	w.chain.put(tx, w.chain.currentHeight())
	return &h, nil
}
func (w *mockBtcWallet) GetRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	tx, _, ok := w.chain.get(*txid)
	if !ok {
		return nil, fmt.Errorf("mockBtcWallet: unknown tx %s", txid)
	}
	return tx, nil
}
func (w *mockBtcWallet) WatchForRawTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
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
func (w *mockBtcWallet) WaitForTransactionFinality(ctx context.Context, txid *chainhash.Hash, confirmations uint32) error {
	if _, _, ok := w.chain.get(*txid); !ok {
		return fmt.Errorf("mockBtcWallet: tx %s never broadcast", txid)
	}
	return nil
}
func (w *mockBtcWallet) GetBlockHeight(ctx context.Context) (uint32, error) {
	return w.chain.currentHeight(), nil
}
func (w *mockBtcWallet) TransactionBlockHeight(ctx context.Context, txid *chainhash.Hash) (uint32, bool, error) {
	_, height, ok := w.chain.get(*txid)
	return height, ok, nil
}
func (w *mockBtcWallet) PollUntilBlockHeightIsGTE(ctx context.Context, height uint32) error {
	ticker := time.NewTicker(5 * time.Millisecond)
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
func (w *mockBtcWallet) EstimateFeeRate(ctx context.Context) (btcutil.Amount, error) { return 10, nil }

type mockXmrWallet struct {
	proof xmr.TransferProof
	to    string
	sent  bool

	claimedSpendPriv [32]byte
	claimed          bool
}

func (w *mockXmrWallet) MainAddress(ctx context.Context) (string, error) { return "", nil }
func (w *mockXmrWallet) TotalBalance(ctx context.Context) (xmr.Piconero, error) {
	return 0, nil
}
func (w *mockXmrWallet) UnlockedBalance(ctx context.Context) (xmr.Piconero, error) {
	return 0, nil
}
func (w *mockXmrWallet) Transfer(ctx context.Context, to string, amount xmr.Piconero) (xmr.TransferProof, error) {
	w.to = to
	w.sent = true
	return w.proof, nil
}
func (w *mockXmrWallet) CheckTxKey(ctx context.Context, proof xmr.TransferProof, address string) (uint64, xmr.Piconero, error) {
	return 0, 0, nil
}
func (w *mockXmrWallet) WatchForTransfer(ctx context.Context, destSpend, view [32]byte, proof xmr.TransferProof, expectedAmount xmr.Piconero, confTarget uint64) error {
	return nil
}
func (w *mockXmrWallet) Refresh(ctx context.Context) error { return nil }
func (w *mockXmrWallet) WaitUntilSynced(ctx context.Context, progress func(height, target uint64)) error {
	return nil
}
func (w *mockXmrWallet) CreateFromKeys(ctx context.Context, spendPriv, viewPriv [32]byte, restoreHeight uint64) error {
	w.claimedSpendPriv = spendPriv
	w.claimed = true
	return nil
}

type mockPeerClient struct {
	mu    sync.Mutex
	sent  []xmr.TransferProof
}

func (p *mockPeerClient) SendTransferProof(ctx context.Context, proof xmr.TransferProof) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, proof)
	return nil
}

func openTestDB(t *testing.T) *swapdb.DB {
	t.Helper()
	db, err := swapdb.Open(t.TempDir()+"/swap.db", false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDriverHappyPathRedeem(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	profile := swapcfg.Testnet
	buyerKeys, sellerKeys, buyerResult, sellerResult := runHandshake(t, params, profile, btcutil.Amount(1_000_000))

	chain := newMockChain(100)
	txLockTxid := sellerResult.TxLock.TxHash()
	chain.put(sellerResult.TxLock, 100)

	btcWallet := &mockBtcWallet{network: params, chain: chain}
	xmrWallet := &mockXmrWallet{proof: xmr.TransferProof{TxHash: "deadbeef", TxKey: "cafebabe"}}
	peer := &mockPeerClient{}
	db := openTestDB(t)

	d := NewDriver(db, btcWallet, xmrWallet, peer, 1)

	negotiated, err := NewNegotiated(sellerKeys, sellerResult)
	require.NoError(t, err)

	lockOut, err := btc.FindLockOutput(sellerResult.TxLock, sellerResult.Shared.A, sellerResult.Shared.B)
	require.NoError(t, err)
	redeemDigest, err := btc.SighashDigest(buyerResult.TxRedeem, buyerResult.WitnessScript, lockOut.Value)
	require.NoError(t, err)
	redeemEncSig, err := adaptor.EncSign(buyerKeys.BSec, buyerResult.PeerSBtc, redeemDigest)
	require.NoError(t, err)
	redeemEncSigBytes, err := redeemEncSig.MarshalBinary()
	require.NoError(t, err)

	d.DeliverEncSig(redeemEncSigBytes)

	final, err := d.Run(context.Background(), negotiated)
	require.NoError(t, err)
	require.Equal(t, KindBtcRedeemed, final.Kind())

	redeemed, ok := final.(*BtcRedeemed)
	require.True(t, ok)

	redeemTxid, err := chainhash.NewHashFromStr(redeemed.TxHash)
	require.NoError(t, err)
	broadcastRedeem, _, found := chain.get(*redeemTxid)
	require.True(t, found)
	require.Len(t, broadcastRedeem.TxIn[0].Witness, 3)

	require.True(t, xmrWallet.sent)
	require.Len(t, peer.sent, 1)
	require.Equal(t, xmrWallet.proof, peer.sent[0])

	require.Equal(t, txLockTxid, sellerResult.TxLock.TxHash())
}

func TestDriverRefundBeatsPunish(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	profile := swapcfg.Testnet
	buyerKeys, sellerKeys, _, sellerResult := runHandshake(t, params, profile, btcutil.Amount(1_000_000))

	chain := newMockChain(0)
	btcWallet := &mockBtcWallet{network: params, chain: chain}
	xmrWallet := &mockXmrWallet{proof: xmr.TransferProof{TxHash: "deadbeef", TxKey: "cafebabe"}}
	peer := &mockPeerClient{}
	db := openTestDB(t)
	d := NewDriver(db, btcWallet, xmrWallet, peer, 1)

	negotiated, err := NewNegotiated(sellerKeys, sellerResult)
	require.NoError(t, err)
	snap := negotiated.Snapshot
	snap.LockHeight = 100
	startState := &CancelTimelockExpired{Snapshot: snap}

	// Buyer decrypts the Seller's refund pre-signature and combines it
	// with its own fresh signature, exactly as protocol/buyer's
	// completeTxRefund does; inserted directly into the mock chain to simulate a refund
	// that confirmed while this driver wasn't running.
	decrypted := adaptor.DecSig(sellerResult.TxRefundEncSig, buyerKeys.SSec.SecpPrivateKey())
	sigA, err := decrypted.Serialize()
	require.NoError(t, err)
	sigA = append(sigA, byte(txscript.SigHashAll))

	cancelValue := btcutil.Amount(sellerResult.TxCancel.TxOut[0].Value)
	sigB, err := btc.SignInput(sellerResult.TxRefund, sellerResult.WitnessScript, cancelValue, buyerKeys.BSec)
	require.NoError(t, err)
	btc.CombineWitness(sellerResult.TxRefund, sigA, sigB, sellerResult.WitnessScript)
	chain.put(sellerResult.TxRefund, 50)

	final, err := d.Run(context.Background(), startState)
	require.NoError(t, err)
	require.Equal(t, KindXmrRefunded, final.Kind())

	refunded, ok := final.(*XmrRefunded)
	require.True(t, ok)

	_, expectedEd := sellerKeys.SSec.Add(buyerKeys.SSec)
	var expected [32]byte
	copy(expected[:], expectedEd.Bytes())
	require.Equal(t, expected, refunded.SpendPriv)
	require.True(t, xmrWallet.claimed)
	require.Equal(t, expected, xmrWallet.claimedSpendPriv)

	// tx_cancel must have actually been broadcast along the way.
	_, _, ok = chain.get(sellerResult.TxCancel.TxHash())
	require.True(t, ok)
}
