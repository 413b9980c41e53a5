package swaptest

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"github.com/ghostwire-labs/xmrbtc-swap/chain/xmr"
	"github.com/ghostwire-labs/xmrbtc-swap/crypto/dleq"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/buyer"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/seller"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/setup"
	"github.com/ghostwire-labs/xmrbtc-swap/swap"
	"github.com/ghostwire-labs/xmrbtc-swap/swapcfg"
	"github.com/ghostwire-labs/xmrbtc-swap/swapdb"
)

// pipe is protocol/setup's test double for a libp2p substream: a pair of
// unbuffered channels driving both ends of a handshake in-process, the
// same shape protocol/seller and protocol/buyer each keep a private copy
// of for their own driver tests.
type pipe struct {
	out chan interface{}
	in  chan interface{}
}

func newHandshakePipe() (a, b *pipe) {
	c1 := make(chan interface{})
	c2 := make(chan interface{})
	return &pipe{out: c1, in: c2}, &pipe{out: c2, in: c1}
}

func (p *pipe) Send(v interface{}) error {
	p.out <- v
	return nil
}

func (p *pipe) Recv(v interface{}) error {
	got := <-p.in
	rv := reflect.ValueOf(v).Elem()
	gv := reflect.ValueOf(got)
	if rv.Type() != gv.Type() {
		return fmt.Errorf("swaptest: pipe expected %s, got %s", rv.Type(), gv.Type())
	}
	rv.Set(gv)
	return nil
}

// Options configures a Harness. Zero-value fields fall back to sensible
// defaults for a happy-path run; scenario tests override only what they
// need to exercise a specific failure mode.
type Options struct {
	Amount      btcutil.Amount
	StartHeight uint32

	// SellerXmr overrides the Seller's default Monero wallet.
	SellerXmr xmr.Wallet

	// SellerPeer/BuyerPeer override the peer client each Driver is
	// built with, e.g. with silentPeer to model a counterparty that
	// stops responding partway through the protocol.
	SellerPeer seller.PeerClient
	BuyerPeer  buyer.PeerClient
}

// Harness wires a Seller and a Buyer Driver to each other and to a shared
// in-memory chain/ledger, standing in for swapnet + eventloop's message
// relay so a full swap can be driven start to finish without any real
// bitcoind or monero-wallet-rpc node.
type Harness struct {
	Params  *chaincfg.Params
	Profile swapcfg.Profile

	Chain  *chain
	Ledger *ledger

	ExpectedXmr swap.Piconero

	BuyerResult  *setup.Result
	SellerResult *setup.Result
	BuyerKeys    *dleq.KeyBundle
	SellerKeys   *dleq.KeyBundle

	SellerDriver *seller.Driver
	BuyerDriver  *buyer.Driver
	SellerDB     *swapdb.DB
	BuyerDB      *swapdb.DB

	// SellerXmr is the Seller's default concrete Monero wallet; nil when
	// Options.SellerXmr overrode it with something else.
	SellerXmr *xmrWallet
	BuyerXmr  *xmrWallet

	SellerNegotiated *seller.Negotiated
	BuyerNegotiated  *buyer.Negotiated
}

// New builds a Harness: runs a real setup handshake over an in-process
// pipe, builds both roles' Negotiated states from its result, and wires
// each Driver's peer client and wallets to the other, ready to Run.
func New(t *testing.T, opts Options) *Harness {
	t.Helper()
	params := &chaincfg.RegressionNetParams
	profile := swapcfg.Testnet
	if opts.Amount == 0 {
		opts.Amount = 1_000_000
	}
	if opts.StartHeight == 0 {
		opts.StartHeight = 100
	}

	btcChain := newChain(opts.StartHeight)
	moneroLedger := newLedger()

	buyerWallet := &wallet{network: params, chain: btcChain}
	sellerWallet := &wallet{network: params, chain: btcChain}

	buyerKeys, err := dleq.GenerateKeyBundle()
	require.NoError(t, err)
	buyerProof, err := dleq.Prove(buyerKeys.SSec)
	require.NoError(t, err)
	sellerKeys, err := dleq.GenerateKeyBundle()
	require.NoError(t, err)
	sellerProof, err := dleq.Prove(sellerKeys.SSec)
	require.NoError(t, err)

	refundAddr, err := segwitAddr(params)
	require.NoError(t, err)
	redeemAddr, err := segwitAddr(params)
	require.NoError(t, err)
	punishAddr, err := segwitAddr(params)
	require.NoError(t, err)

	buyerPipe, sellerPipe := newHandshakePipe()

	expectedXmr := swap.Piconero(7 * swap.PiconeroPerXmr / 10)
	buyerInput := setup.BuyerInput{
		SwapId:        swap.NewId(),
		Profile:       profile,
		Keys:          buyerKeys,
		Proof:         buyerProof,
		RefundAddress: refundAddr,
		ExpectedBtc:   opts.Amount,
		ExpectedXmr:   expectedXmr,
	}
	sellerInput := setup.SellerInput{
		Profile:       profile,
		Keys:          sellerKeys,
		Proof:         sellerProof,
		RedeemAddress: redeemAddr,
		PunishAddress: punishAddr,
		ExpectedBtc:   opts.Amount,
		ExpectedXmr:   expectedXmr,
	}

	feeRate := btcutil.Amount(10)
	type outcome struct {
		result *setup.Result
		err    error
	}
	sellerDone := make(chan outcome, 1)
	go func() {
		res, err := setup.RunSeller(sellerPipe, sellerInput, params, feeRate)
		sellerDone <- outcome{res, err}
	}()
	buyerResult, err := setup.RunBuyer(context.Background(), buyerPipe, buyerInput, buyerWallet, feeRate)
	require.NoError(t, err)
	so := <-sellerDone
	require.NoError(t, so.err)
	sellerResult := so.result

	sellerNegotiated, err := seller.NewNegotiated(sellerKeys, sellerResult)
	require.NoError(t, err)
	buyerNegotiated, err := buyer.NewNegotiated(buyerKeys, buyerResult)
	require.NoError(t, err)

	sellerDB, err := swapdb.Open(t.TempDir()+"/seller.db", false)
	require.NoError(t, err)
	t.Cleanup(func() { sellerDB.Close() })
	buyerDB, err := swapdb.Open(t.TempDir()+"/buyer.db", false)
	require.NoError(t, err)
	t.Cleanup(func() { buyerDB.Close() })

	sellerXmrConcrete := &xmrWallet{ledger: moneroLedger}
	var sellerXmr xmr.Wallet = sellerXmrConcrete
	if opts.SellerXmr != nil {
		sellerXmr = opts.SellerXmr
		sellerXmrConcrete = nil
	}
	buyerXmr := &xmrWallet{ledger: moneroLedger}

	sellerPeerSlot := &toSeller{}
	buyerPeerSlot := &toBuyer{}

	var sellerPeer seller.PeerClient = buyerPeerSlot
	if opts.SellerPeer != nil {
		sellerPeer = opts.SellerPeer
	}
	var buyerPeer buyer.PeerClient = sellerPeerSlot
	if opts.BuyerPeer != nil {
		buyerPeer = opts.BuyerPeer
	}

	sellerDriver := seller.NewDriver(sellerDB, sellerWallet, sellerXmr, sellerPeer, profile.BtcConfirmationTarget)
	buyerDriver := buyer.NewDriver(buyerDB, buyerWallet, buyerXmr, buyerPeer, profile.BtcConfirmationTarget, profile.XmrConfirmationTarget)

	buyerPeerSlot.driver = buyerDriver
	sellerPeerSlot.driver = sellerDriver

	return &Harness{
		Params:           params,
		Profile:          profile,
		Chain:            btcChain,
		Ledger:           moneroLedger,
		ExpectedXmr:      expectedXmr,
		BuyerResult:      buyerResult,
		SellerResult:     sellerResult,
		BuyerKeys:        buyerKeys,
		SellerKeys:       sellerKeys,
		SellerDriver:     sellerDriver,
		BuyerDriver:      buyerDriver,
		SellerDB:         sellerDB,
		BuyerDB:          buyerDB,
		SellerXmr:        sellerXmrConcrete,
		BuyerXmr:         buyerXmr,
		SellerNegotiated: sellerNegotiated,
		BuyerNegotiated:  buyerNegotiated,
	}
}
