package buyer

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
	spent   map[wire.OutPoint]chainhash.Hash
	height  uint32
}

func newMockChain(height uint32) *mockChain {
	return &mockChain{
		known:   map[chainhash.Hash]*wire.MsgTx{},
		heights: map[chainhash.Hash]uint32{},
		spent:   map[wire.OutPoint]chainhash.Hash{},
		height:  height,
	}
}

// put records tx as already on chain, reserving the outpoints it spends
// so a conflicting tx can no longer be accepted, the same as a real
// mempool/chain would after the fact.
func (c *mockChain) put(tx *wire.MsgTx, height uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := tx.TxHash()
	c.known[h] = tx
	c.heights[h] = height
	for _, in := range tx.TxIn {
		c.spent[in.PreviousOutPoint] = h
	}
}

// reserve accepts tx into the mempool only if none of its inputs are
// already spent by a different transaction.
func (c *mockChain) reserve(tx *wire.MsgTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := tx.TxHash()
	for _, in := range tx.TxIn {
		if spender, ok := c.spent[in.PreviousOutPoint]; ok && spender != h {
			return fmt.Errorf("mockChain: outpoint %s already spent by %s", in.PreviousOutPoint, spender)
		}
	}
	for _, in := range tx.TxIn {
		c.spent[in.PreviousOutPoint] = h
	}
	return nil
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
	return nil, errors.New("mockBtcWallet: BuildTxLock not used by protocol/buyer")
}
func (w *mockBtcWallet) Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	h := tx.TxHash()
	if _, _, ok := w.chain.get(h); ok {
		return &h, btc.ErrAlreadyKnown
	}
	if err := w.chain.reserve(tx); err != nil {
		return nil, err
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
	checkConfirmations uint64
	checkReceived       xmr.Piconero

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
	return xmr.TransferProof{}, errors.New("mockXmrWallet: Transfer not used by protocol/buyer")
}
func (w *mockXmrWallet) CheckTxKey(ctx context.Context, proof xmr.TransferProof, address string) (uint64, xmr.Piconero, error) {
	return w.checkConfirmations, w.checkReceived, nil
}
func (w *mockXmrWallet) WatchForTransfer(ctx context.Context, destSpend, view [32]byte, proof xmr.TransferProof, expectedAmount xmr.Piconero, confTarget uint64) error {
	if w.checkReceived < expectedAmount {
		return xmr.ErrInsufficientFunds
	}
	if w.checkConfirmations >= confTarget {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
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
	mu   sync.Mutex
	sent [][]byte
}

func (p *mockPeerClient) SendEncSig(ctx context.Context, encsig []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, encsig)
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

	chain := newMockChain(0)
	btcWallet := &mockBtcWallet{network: params, chain: chain}
	xmrWallet := &mockXmrWallet{checkConfirmations: 10, checkReceived: xmr.Piconero(buyerResult.Shared.Xmr)}
	peer := &mockPeerClient{}
	db := openTestDB(t)
	d := NewDriver(db, btcWallet, xmrWallet, peer, 1, 10)

	negotiated, err := NewNegotiated(buyerKeys, buyerResult)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		d.DeliverTransferProof(xmr.TransferProof{TxHash: "deadbeef", TxKey: "cafebabe"})
	}()

	resultCh := make(chan struct {
		final State
		err   error
	}, 1)
	go func() {
		final, err := d.Run(context.Background(), negotiated)
		resultCh <- struct {
			final State
			err   error
		}{final, err}
	}()

	// Once EncSigSent is persisted and the encsig reaches the Seller,
	// complete tx_redeem exactly as protocol/seller's driver would: the
	// Seller decrypts the Buyer's encsig trivially (it already knows
	// s_a) and signs its own half directly.
	require.Eventually(t, func() bool {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		return len(peer.sent) == 1
	}, 2*time.Second, 5*time.Millisecond)

	peer.mu.Lock()
	sentEncSigBytes := peer.sent[0]
	peer.mu.Unlock()

	encsig, err := adaptor.UnmarshalEncryptedSignature(sentEncSigBytes)
	require.NoError(t, err)
	decrypted := adaptor.DecSig(encsig, sellerKeys.SSec.SecpPrivateKey())
	sigB, err := decrypted.Serialize()
	require.NoError(t, err)
	sigB = append(sigB, byte(txscript.SigHashAll))

	lockOut, err := btc.FindLockOutput(sellerResult.TxLock, sellerResult.Shared.A, sellerResult.Shared.B)
	require.NoError(t, err)
	sigA, err := btc.SignInput(sellerResult.TxRedeem, sellerResult.WitnessScript, lockOut.Value, sellerKeys.BSec)
	require.NoError(t, err)
	btc.CombineWitness(sellerResult.TxRedeem, sigA, sigB, sellerResult.WitnessScript)
	chain.put(sellerResult.TxRedeem, 50)

	res := <-resultCh
	require.NoError(t, res.err)
	require.Equal(t, KindXmrRedeemed, res.final.Kind())

	redeemed, ok := res.final.(*XmrRedeemed)
	require.True(t, ok)

	_, expectedEd := sellerKeys.SSec.Add(buyerKeys.SSec)
	var expected [32]byte
	copy(expected[:], expectedEd.Bytes())
	require.Equal(t, expected, redeemed.SpendPriv)
	require.True(t, xmrWallet.claimed)
	require.Equal(t, expected, xmrWallet.claimedSpendPriv)
}

func TestDriverRefundBeatsPunish(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	profile := swapcfg.Testnet
	buyerKeys, _, buyerResult, _ := runHandshake(t, params, profile, btcutil.Amount(1_000_000))

	chain := newMockChain(0)
	btcWallet := &mockBtcWallet{network: params, chain: chain}
	xmrWallet := &mockXmrWallet{}
	peer := &mockPeerClient{}
	db := openTestDB(t)
	d := NewDriver(db, btcWallet, xmrWallet, peer, 1, 10)

	negotiated, err := NewNegotiated(buyerKeys, buyerResult)
	require.NoError(t, err)
	snap := negotiated.Snapshot
	snap.LockHeight = 100
	startState := &CancelTimelockExpired{Snapshot: snap}

	final, err := d.Run(context.Background(), startState)
	require.NoError(t, err)
	require.Equal(t, KindBtcRefunded, final.Kind())

	_, _, ok := chain.get(buyerResult.TxCancel.TxHash())
	require.True(t, ok, "tx_cancel must have been broadcast")
	_, _, ok = chain.get(buyerResult.TxRefund.TxHash())
	require.True(t, ok, "tx_refund must have been broadcast")
}

func TestDriverPunishedWhenTooLate(t *testing.T) {
	params := &chaincfg.RegressionNetParams
	profile := swapcfg.Testnet
	buyerKeys, sellerKeys, buyerResult, sellerResult := runHandshake(t, params, profile, btcutil.Amount(1_000_000))

	chain := newMockChain(0)
	btcWallet := &mockBtcWallet{network: params, chain: chain}
	xmrWallet := &mockXmrWallet{}
	peer := &mockPeerClient{}
	db := openTestDB(t)
	d := NewDriver(db, btcWallet, xmrWallet, peer, 1, 10)

	negotiated, err := NewNegotiated(buyerKeys, buyerResult)
	require.NoError(t, err)
	snap := negotiated.Snapshot
	snap.LockHeight = 100
	snap.CancelHeight = 110

	// The Seller already punished while this role was offline: sign and
	// broadcast tx_punish with both pre-signatures before the driver
	// ever runs, exactly as protocol/seller's driver would on its own
	// stepBtcPunishable.
	cancelValue := btcutil.Amount(sellerResult.TxCancel.TxOut[0].Value)
	sigA, err := btc.SignInput(sellerResult.TxPunish, sellerResult.WitnessScript, cancelValue, sellerKeys.BSec)
	require.NoError(t, err)
	btc.CombineWitness(sellerResult.TxPunish, sigA, buyerResult.OwnTxPunishSig, sellerResult.WitnessScript)
	chain.put(sellerResult.TxPunish, 50)

	startState := &BtcCancelled{Snapshot: snap}
	final, err := d.Run(context.Background(), startState)
	require.NoError(t, err)
	require.Equal(t, KindBtcPunished, final.Kind())
}
