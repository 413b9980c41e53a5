package swapnet

import "github.com/libp2p/go-libp2p/core/protocol"

// The five substream protocols of §6.3. Every substream this node opens
// or accepts negotiates exactly one of these IDs.
const (
	// SpotPriceID carries one SpotPriceRequest/SpotPriceResponse
	// exchange, then closes.
	SpotPriceID protocol.ID = "/xmrbtc-swap/spot-price/1.0.0"

	// QuoteID carries one request/BidQuoteResponse exchange, then
	// closes.
	QuoteID protocol.ID = "/xmrbtc-swap/quote/1.0.0"

	// SwapSetupID carries the M0-M4 handshake of §4.3 and stays open
	// for its whole duration, bounded by Profile.SetupTimeoutSeconds.
	SwapSetupID protocol.ID = "/xmrbtc-swap/swap-setup/1.0.0"

	// TransferProofID carries one TransferProofRequest/Response
	// exchange, then closes.
	TransferProofID protocol.ID = "/xmrbtc-swap/transfer-proof/1.0.0"

	// EncSigID carries one EncSigRequest/Response exchange, then
	// closes.
	EncSigID protocol.ID = "/xmrbtc-swap/encrypted-signature/1.0.0"
)
