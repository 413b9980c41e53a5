package eventloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ghostwire-labs/xmrbtc-swap/chain/btc"
	"github.com/ghostwire-labs/xmrbtc-swap/chain/xmr"
	"github.com/ghostwire-labs/xmrbtc-swap/crypto/dleq"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/buyer"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/setup"
	"github.com/ghostwire-labs/xmrbtc-swap/swap"
	"github.com/ghostwire-labs/xmrbtc-swap/swapcfg"
	"github.com/ghostwire-labs/xmrbtc-swap/swapdb"
	"github.com/ghostwire-labs/xmrbtc-swap/swapnet"
	"github.com/ghostwire-labs/xmrbtc-swap/swapnet/message"
)

// BuyerLoop is the Buyer's per-role cooperative task: it requests spot
// prices and quotes, drives the setup handshake as the dialing side,
// forwards inbound transfer-proof requests to the matching driver
// (buffering one when no driver is registered yet), and keeps a driver
// goroutine alive per negotiated swap.
type BuyerLoop struct {
	profile swapcfg.Profile
	db      *swapdb.DB
	btcw    btc.Wallet
	xmrw    xmr.Wallet
	host    *swapnet.Host

	mu      sync.Mutex
	drivers map[swap.Id]*buyer.Driver
}

func NewBuyerLoop(profile swapcfg.Profile, db *swapdb.DB, btcw btc.Wallet, xmrw xmr.Wallet, host *swapnet.Host) *BuyerLoop {
	return &BuyerLoop{
		profile: profile,
		db:      db,
		btcw:    btcw,
		xmrw:    xmrw,
		host:    host,
		drivers: make(map[swap.Id]*buyer.Driver),
	}
}

// RequestSpotPrice opens the spot-price substream to p and returns the
// quoted piconero amount, or the Seller's refusal reason.
func (l *BuyerLoop) RequestSpotPrice(ctx context.Context, p peer.ID, btcSats uint64) (uint64, error) {
	stream, err := l.host.OpenRequestStream(ctx, p, swapnet.SpotPriceID)
	if err != nil {
		return 0, fmt.Errorf("eventloop: open spot-price stream: %w", err)
	}
	defer stream.Close()

	req := message.SpotPriceRequest{Btc: btcSats, BlockchainNetwork: l.profile.Name}
	if err := stream.Send(req); err != nil {
		return 0, fmt.Errorf("eventloop: send spot-price request: %w", err)
	}
	var resp message.SpotPriceResponse
	if err := stream.Recv(&resp); err != nil {
		return 0, fmt.Errorf("eventloop: recv spot-price response: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("eventloop: spot-price refused: %s", resp.Err.Reason)
	}
	return *resp.Xmr, nil
}

// StartSwap dials p, runs the setup handshake as Buyer for a swap buying
// xmrAmount piconero with btcAmount, and on success registers and starts
// a driver. It returns the new swap's id.
func (l *BuyerLoop) StartSwap(ctx context.Context, p peer.ID, btcAmount btcutil.Amount, xmrAmount swap.Piconero) (swap.Id, error) {
	stream, err := l.host.OpenSetupStream(ctx, p)
	if err != nil {
		return swap.Id{}, fmt.Errorf("eventloop: open setup stream: %w", err)
	}
	defer stream.Close()

	keys, err := dleq.GenerateKeyBundle()
	if err != nil {
		return swap.Id{}, fmt.Errorf("eventloop: generate key bundle: %w", err)
	}
	proof, err := dleq.Prove(keys.SSec)
	if err != nil {
		return swap.Id{}, fmt.Errorf("eventloop: prove dleq: %w", err)
	}
	refundAddr, err := l.btcw.NewAddress(ctx)
	if err != nil {
		return swap.Id{}, fmt.Errorf("eventloop: refund address: %w", err)
	}
	feeRate, err := l.btcw.EstimateFeeRate(ctx)
	if err != nil {
		return swap.Id{}, fmt.Errorf("eventloop: estimate fee rate: %w", err)
	}

	id := swap.NewId()
	in := setup.BuyerInput{
		SwapId:        id,
		Profile:       l.profile,
		Keys:          keys,
		Proof:         proof,
		RefundAddress: refundAddr,
		ExpectedBtc:   btcAmount,
		ExpectedXmr:   xmrAmount,
	}

	result, err := setup.RunBuyer(ctx, stream, in, l.btcw, feeRate)
	if err != nil {
		return swap.Id{}, fmt.Errorf("eventloop: run setup: %w", err)
	}

	if err := l.db.InsertPeer(id, p); err != nil {
		return swap.Id{}, fmt.Errorf("eventloop: persist peer: %w", err)
	}
	negotiated, err := buyer.NewNegotiated(keys, result)
	if err != nil {
		return swap.Id{}, fmt.Errorf("eventloop: build negotiated state: %w", err)
	}
	data, err := buyer.Encode(negotiated)
	if err != nil {
		return swap.Id{}, fmt.Errorf("eventloop: encode negotiated state: %w", err)
	}
	if err := l.db.InsertLatestState(id, data); err != nil {
		return swap.Id{}, fmt.Errorf("eventloop: persist negotiated state: %w", err)
	}

	driver, err := l.register(id, p)
	if err != nil {
		return swap.Id{}, err
	}
	go l.run(driver, id, negotiated)
	return id, nil
}

func (l *BuyerLoop) register(id swap.Id, p peer.ID) (*buyer.Driver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.drivers[id]; ok {
		return nil, ErrAlreadyRegistered
	}
	client := &buyerPeerClient{host: l.host, peer: p, id: id}
	driver := buyer.NewDriver(l.db, l.btcw, l.xmrw, client, l.profile.BtcConfirmationTarget, l.profile.XmrConfirmationTarget)
	l.drivers[id] = driver
	return driver, nil
}

func (l *BuyerLoop) unregister(id swap.Id) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.drivers, id)
}

func (l *BuyerLoop) run(driver *buyer.Driver, id swap.Id, start buyer.State) {
	defer l.unregister(id)
	final, err := driver.Run(context.Background(), start)
	if err != nil {
		log.Errorf("eventloop: buyer driver for %s exited with error: %v", id, err)
		return
	}
	log.Infof("eventloop: buyer swap %s reached terminal state %s", id, final.Kind())
}

// Resume restarts a driver for every swap this process was mid-way
// through at the last clean exit.
func (l *BuyerLoop) Resume() error {
	all, err := l.db.AllLatest()
	if err != nil {
		return fmt.Errorf("eventloop: resume: load latest states: %w", err)
	}
	for id, raw := range all {
		state, err := buyer.Decode(raw)
		if err != nil {
			continue
		}
		p, err := l.db.GetPeer(id)
		if err != nil {
			log.Errorf("eventloop: resume buyer swap %s: no peer on record: %v", id, err)
			continue
		}
		driver, err := l.register(id, p)
		if err != nil {
			log.Errorf("eventloop: resume buyer swap %s: %v", id, err)
			continue
		}
		go l.run(driver, id, state)
		l.deliverBuffered(driver, id)
	}
	return nil
}

// HandleTransferProof implements swapnet.Handler. If a driver is already
// waiting for this swap, the proof is handed straight to its single-slot
// buffered channel. If no driver is registered yet (the handshake's
// follow-up hasn't finished, or the process just restarted), the proof
// is durably buffered and the Seller is left to retry until a driver
// exists to take it.
func (l *BuyerLoop) HandleTransferProof(from peer.ID, req message.TransferProofRequest) (message.TransferProofResponse, error) {
	proof := xmr.TransferProof{TxHash: req.TxHash, TxKey: req.TxKey}

	l.mu.Lock()
	driver, ok := l.drivers[req.SwapId]
	l.mu.Unlock()
	if ok {
		driver.DeliverTransferProof(proof)
		return message.TransferProofResponse{}, nil
	}

	data, err := swapdb.MarshalState(proof)
	if err != nil {
		return message.TransferProofResponse{}, fmt.Errorf("eventloop: marshal transfer proof: %w", err)
	}
	if err := l.db.BufferTransferProof(req.SwapId, data); err != nil {
		return message.TransferProofResponse{}, fmt.Errorf("eventloop: buffer transfer proof: %w", err)
	}
	return message.TransferProofResponse{}, ErrSwapNotFound
}

// deliverBuffered takes any transfer proof buffered for id before driver
// existed and hands it to driver now.
func (l *BuyerLoop) deliverBuffered(driver *buyer.Driver, id swap.Id) {
	data, err := l.db.TakeBufferedTransferProof(id)
	if err != nil {
		return
	}
	var proof xmr.TransferProof
	if err := json.Unmarshal(data, &proof); err != nil {
		log.Errorf("eventloop: decode buffered transfer proof for %s: %v", id, err)
		return
	}
	driver.DeliverTransferProof(proof)
}

// HandleEncSig implements swapnet.Handler. A Buyer's host never
// legitimately receives this request, since the Buyer is the sender of
// the encrypted redeem signature, not the recipient.
func (l *BuyerLoop) HandleEncSig(from peer.ID, req message.EncSigRequest) (message.EncSigResponse, error) {
	return message.EncSigResponse{}, fmt.Errorf("eventloop: buyer loop does not receive enc-sig requests")
}

// HandleSpotPriceRequest implements swapnet.Handler. A Buyer's host
// never serves spot-price requests; it only issues them.
func (l *BuyerLoop) HandleSpotPriceRequest(from peer.ID, req message.SpotPriceRequest) message.SpotPriceResponse {
	return message.SpotPriceResponse{Err: &message.SpotPriceError{
		Reason: message.ReasonOther,
		Other:  "eventloop: buyer loop does not serve spot-price requests",
	}}
}

// HandleQuoteRequest implements swapnet.Handler.
func (l *BuyerLoop) HandleQuoteRequest(from peer.ID) message.BidQuoteResponse {
	return message.BidQuoteResponse{}
}

// HandleSwapSetup implements swapnet.Handler. A Buyer's host never
// accepts inbound setup substreams; it only dials out via StartSwap.
func (l *BuyerLoop) HandleSwapSetup(from peer.ID, stream *swapnet.FramedStream) {
	log.Warnf("eventloop: buyer loop received unexpected inbound setup stream from %s", from)
	_ = stream.Reset()
}

// buyerPeerClient implements buyer.PeerClient by opening a fresh
// enc-sig request substream per attempt, retrying with backoff across
// peer disconnects until the Seller acks or the context (the driver's
// lifetime) ends.
type buyerPeerClient struct {
	host *swapnet.Host
	peer peer.ID
	id   swap.Id
}

func (c *buyerPeerClient) SendEncSig(ctx context.Context, encsig []byte) error {
	return sendWithBackoff(ctx, func() error {
		stream, err := c.host.OpenRequestStream(ctx, c.peer, swapnet.EncSigID)
		if err != nil {
			return err
		}
		defer stream.Close()
		req := message.EncSigRequest{SwapId: c.id, TxRedeemEncSig: encsig}
		if err := stream.Send(req); err != nil {
			return err
		}
		var resp message.EncSigResponse
		return stream.Recv(&resp)
	})
}
