package eventloop

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ghostwire-labs/xmrbtc-swap/chain/btc"
	"github.com/ghostwire-labs/xmrbtc-swap/chain/xmr"
	"github.com/ghostwire-labs/xmrbtc-swap/crypto/dleq"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/seller"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/setup"
	"github.com/ghostwire-labs/xmrbtc-swap/swap"
	"github.com/ghostwire-labs/xmrbtc-swap/swapcfg"
	"github.com/ghostwire-labs/xmrbtc-swap/swapdb"
	"github.com/ghostwire-labs/xmrbtc-swap/swapnet"
	"github.com/ghostwire-labs/xmrbtc-swap/swapnet/message"
)

// SellerConfig is everything SellerLoop needs beyond the wallets and the
// transport: the quoted price and the quantity bounds Seller is willing
// to accept when answering a spot-price request.
type SellerConfig struct {
	Profile swapcfg.Profile

	// PricePerBtc is the quoted price in piconero per whole Bitcoin.
	PricePerBtc   uint64
	MinQuantity   uint64 // satoshis
	MaxQuantity   uint64 // satoshis
}

// SellerLoop is the Seller's per-role cooperative task: it owns the
// peer transport handle, answers spot-price/quote requests,
// runs one setup handler per inbound swap-setup substream, and keeps a
// driver goroutine alive per negotiated swap until it reaches a terminal
// state.
type SellerLoop struct {
	cfg  SellerConfig
	db   *swapdb.DB
	btcw btc.Wallet
	xmrw xmr.Wallet
	host *swapnet.Host

	mu      sync.Mutex
	drivers map[swap.Id]*seller.Driver
}

// NewSellerLoop constructs a loop bound to host; callers must still call
// host.SetHandlers(loop) and host.Start() to begin serving traffic.
func NewSellerLoop(cfg SellerConfig, db *swapdb.DB, btcw btc.Wallet, xmrw xmr.Wallet, host *swapnet.Host) *SellerLoop {
	return &SellerLoop{
		cfg:     cfg,
		db:      db,
		btcw:    btcw,
		xmrw:    xmrw,
		host:    host,
		drivers: make(map[swap.Id]*seller.Driver),
	}
}

// HandleSpotPriceRequest implements swapnet.Handler.
func (l *SellerLoop) HandleSpotPriceRequest(from peer.ID, req message.SpotPriceRequest) message.SpotPriceResponse {
	if setup.CheckNetwork(req.BlockchainNetwork, l.cfg.Profile.Name) != nil {
		return message.SpotPriceResponse{Err: &message.SpotPriceError{
			Reason: message.ReasonBlockchainNetworkMismatch,
			Buyer:  req.BlockchainNetwork,
			Seller: l.cfg.Profile.Name,
		}}
	}
	if req.Btc < l.cfg.MinQuantity {
		return message.SpotPriceResponse{Err: &message.SpotPriceError{
			Reason: message.ReasonAmountBelowMinimum,
			Min:    l.cfg.MinQuantity,
			Buy:    req.Btc,
		}}
	}
	if req.Btc > l.cfg.MaxQuantity {
		return message.SpotPriceResponse{Err: &message.SpotPriceError{
			Reason: message.ReasonAmountAboveMaximum,
			Max:    l.cfg.MaxQuantity,
			Buy:    req.Btc,
		}}
	}

	xmrAmount := l.quote(req.Btc)
	balance, err := l.xmrw.UnlockedBalance(context.Background())
	if err != nil {
		return message.SpotPriceResponse{Err: &message.SpotPriceError{Reason: message.ReasonOther, Other: err.Error()}}
	}
	if uint64(balance) < xmrAmount {
		return message.SpotPriceResponse{Err: &message.SpotPriceError{
			Reason:  message.ReasonBalanceTooLow,
			Balance: uint64(balance),
		}}
	}
	return message.SpotPriceResponse{Xmr: &xmrAmount}
}

// quote converts a satoshi amount into the piconero amount this Seller
// will ask for, per cfg.PricePerBtc.
func (l *SellerLoop) quote(btcSats uint64) uint64 {
	const satsPerBtc = 100_000_000
	return btcSats * l.cfg.PricePerBtc / satsPerBtc
}

// HandleQuoteRequest implements swapnet.Handler.
func (l *SellerLoop) HandleQuoteRequest(from peer.ID) message.BidQuoteResponse {
	return message.BidQuoteResponse{
		Price:       l.cfg.PricePerBtc,
		MinQuantity: l.cfg.MinQuantity,
		MaxQuantity: l.cfg.MaxQuantity,
	}
}

// HandleSwapSetup implements swapnet.Handler: it owns the substream for
// the whole M0-M4 exchange and, on success, registers and starts a
// driver for the negotiated swap.
func (l *SellerLoop) HandleSwapSetup(from peer.ID, stream *swapnet.FramedStream) {
	defer stream.Close()
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.Profile.SetupTimeout())
	defer cancel()
	if err := l.runSetup(ctx, stream, from); err != nil {
		log.Errorf("eventloop: seller setup with %s failed: %v", from, err)
		_ = stream.Reset()
	}
}

func (l *SellerLoop) runSetup(ctx context.Context, stream setup.Stream, from peer.ID) error {
	keys, err := dleq.GenerateKeyBundle()
	if err != nil {
		return fmt.Errorf("generate key bundle: %w", err)
	}
	proof, err := dleq.Prove(keys.SSec)
	if err != nil {
		return fmt.Errorf("prove dleq: %w", err)
	}
	redeemAddr, err := l.btcw.NewAddress(ctx)
	if err != nil {
		return fmt.Errorf("redeem address: %w", err)
	}
	punishAddr, err := l.btcw.NewAddress(ctx)
	if err != nil {
		return fmt.Errorf("punish address: %w", err)
	}
	feeRate, err := l.btcw.EstimateFeeRate(ctx)
	if err != nil {
		return fmt.Errorf("estimate fee rate: %w", err)
	}

	in := setup.SellerInput{
		Profile:       l.cfg.Profile,
		Keys:          keys,
		Proof:         proof,
		RedeemAddress: redeemAddr,
		PunishAddress: punishAddr,
	}

	result, err := setup.RunSeller(stream, in, l.cfg.Profile.BtcParams, feeRate)
	if err != nil {
		return fmt.Errorf("run setup: %w", err)
	}

	id := result.Shared.Id
	if err := l.db.InsertPeer(id, from); err != nil {
		return fmt.Errorf("persist peer: %w", err)
	}

	negotiated, err := seller.NewNegotiated(keys, result)
	if err != nil {
		return fmt.Errorf("build negotiated state: %w", err)
	}
	data, err := seller.Encode(negotiated)
	if err != nil {
		return fmt.Errorf("encode negotiated state: %w", err)
	}
	if err := l.db.InsertLatestState(id, data); err != nil {
		return fmt.Errorf("persist negotiated state: %w", err)
	}

	driver, err := l.register(id, from)
	if err != nil {
		return err
	}
	go l.run(driver, id, negotiated)
	return nil
}

// register creates and stores a driver for id, backed by a PeerClient
// that opens fresh request substreams to peer p as needed.
func (l *SellerLoop) register(id swap.Id, p peer.ID) (*seller.Driver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.drivers[id]; ok {
		return nil, ErrAlreadyRegistered
	}
	client := &sellerPeerClient{host: l.host, peer: p, id: id}
	driver := seller.NewDriver(l.db, l.btcw, l.xmrw, client, l.cfg.Profile.BtcConfirmationTarget)
	l.drivers[id] = driver
	return driver, nil
}

func (l *SellerLoop) unregister(id swap.Id) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.drivers, id)
}

func (l *SellerLoop) run(driver *seller.Driver, id swap.Id, start seller.State) {
	defer l.unregister(id)
	final, err := driver.Run(context.Background(), start)
	if err != nil {
		log.Errorf("eventloop: seller driver for %s exited with error: %v", id, err)
		return
	}
	log.Infof("eventloop: seller swap %s reached terminal state %s", id, final.Kind())
}

// Resume restarts a driver for every swap this process was mid-way
// through at the last clean exit, picking up from its last persisted
// state.
func (l *SellerLoop) Resume() error {
	all, err := l.db.AllLatest()
	if err != nil {
		return fmt.Errorf("eventloop: resume: load latest states: %w", err)
	}
	for id, raw := range all {
		state, err := seller.Decode(raw)
		if err != nil {
			// Rows in a state whose kind only the buyer graph has
			// fail to decode and are skipped; kinds both graphs
			// share decode here whichever role wrote the row.
			continue
		}
		p, err := l.db.GetPeer(id)
		if err != nil {
			log.Errorf("eventloop: resume seller swap %s: no peer on record: %v", id, err)
			continue
		}
		driver, err := l.register(id, p)
		if err != nil {
			log.Errorf("eventloop: resume seller swap %s: %v", id, err)
			continue
		}
		go l.run(driver, id, state)
	}
	return nil
}

// HandleTransferProof implements swapnet.Handler. A Seller's host never
// legitimately receives this request, since the Seller is the sender of
// transfer-proof, not the recipient.
func (l *SellerLoop) HandleTransferProof(from peer.ID, req message.TransferProofRequest) (message.TransferProofResponse, error) {
	return message.TransferProofResponse{}, fmt.Errorf("eventloop: seller loop does not receive transfer-proof requests")
}

// HandleEncSig implements swapnet.Handler: the Buyer's encrypted redeem
// signature, forwarded to the matching driver if one is registered.
func (l *SellerLoop) HandleEncSig(from peer.ID, req message.EncSigRequest) (message.EncSigResponse, error) {
	l.mu.Lock()
	driver, ok := l.drivers[req.SwapId]
	l.mu.Unlock()
	if !ok {
		return message.EncSigResponse{}, ErrSwapNotFound
	}
	driver.DeliverEncSig(req.TxRedeemEncSig)
	return message.EncSigResponse{}, nil
}

// sellerPeerClient implements seller.PeerClient by opening a fresh
// transfer-proof request substream per attempt, retrying with backoff
// across peer disconnects until the Buyer acks or the context (the
// driver's lifetime) ends.
type sellerPeerClient struct {
	host *swapnet.Host
	peer peer.ID
	id   swap.Id
}

func (c *sellerPeerClient) SendTransferProof(ctx context.Context, proof xmr.TransferProof) error {
	return sendWithBackoff(ctx, func() error {
		stream, err := c.host.OpenRequestStream(ctx, c.peer, swapnet.TransferProofID)
		if err != nil {
			return err
		}
		defer stream.Close()
		req := message.TransferProofRequest{SwapId: c.id, TxHash: proof.TxHash, TxKey: proof.TxKey}
		if err := stream.Send(req); err != nil {
			return err
		}
		var resp message.TransferProofResponse
		return stream.Recv(&resp)
	})
}
