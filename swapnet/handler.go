package swapnet

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ghostwire-labs/xmrbtc-swap/swapnet/message"
)

// Handler is implemented by eventloop: the substream-level glue in this
// package only frames and routes, every domain decision (price, whether
// to accept a setup, how to answer a quote) belongs to the handler.
type Handler interface {
	// HandleSpotPriceRequest answers §4.4's pre-setup price check. It
	// must itself call protocol/setup.CheckNetwork against req's
	// blockchain network tag before quoting a price.
	HandleSpotPriceRequest(from peer.ID, req message.SpotPriceRequest) message.SpotPriceResponse

	// HandleQuoteRequest answers the standing bid-quote protocol.
	HandleQuoteRequest(from peer.ID) message.BidQuoteResponse

	// HandleSwapSetup takes ownership of stream for the duration of the
	// M0-M4 handshake (§4.3) and must Close or Reset it before
	// returning.
	HandleSwapSetup(from peer.ID, stream *FramedStream)

	HandleTransferProof(from peer.ID, req message.TransferProofRequest) (message.TransferProofResponse, error)
	HandleEncSig(from peer.ID, req message.EncSigRequest) (message.EncSigResponse, error)
}
