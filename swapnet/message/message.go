// Package message defines the wire types carried over the substreams of
// §4.4/§6.3: the spot-price exchange, the five setup handshake messages
// M0-M4, and the later transfer-proof/encrypted-signature request/response
// pairs. Every type here is plain data — CBOR-encodable, with no
// dependency on the wallets or state machines that produce or consume it.
package message

import (
	"github.com/ghostwire-labs/xmrbtc-swap/swap"
)

// SpotPriceRequest is the Buyer's opening message of §4.4's pre-sequence.
type SpotPriceRequest struct {
	Btc               uint64 `cbor:"btc"` // satoshis
	BlockchainNetwork string `cbor:"blockchain_network"`
}

// SpotPriceErrorReason enumerates §4.4's terminal spot-price error kinds.
type SpotPriceErrorReason string

const (
	ReasonNoSwapsAccepted            SpotPriceErrorReason = "no_swaps_accepted"
	ReasonAmountBelowMinimum         SpotPriceErrorReason = "amount_below_minimum"
	ReasonAmountAboveMaximum         SpotPriceErrorReason = "amount_above_maximum"
	ReasonBalanceTooLow              SpotPriceErrorReason = "balance_too_low"
	ReasonBlockchainNetworkMismatch  SpotPriceErrorReason = "blockchain_network_mismatch"
	ReasonOther                      SpotPriceErrorReason = "other"
)

// SpotPriceError is the payload attached to each reason; only the fields
// relevant to Reason are populated, the rest left at zero value.
type SpotPriceError struct {
	Reason SpotPriceErrorReason `cbor:"reason"`
	Min    uint64               `cbor:"min,omitempty"`    // satoshis, AmountBelowMinimum
	Max    uint64               `cbor:"max,omitempty"`    // satoshis, AmountAboveMaximum
	Buy    uint64               `cbor:"buy,omitempty"`    // satoshis, the requested amount
	Balance uint64              `cbor:"balance,omitempty"` // piconero, BalanceTooLow
	Buyer  string               `cbor:"buyer,omitempty"`  // BlockchainNetworkMismatch
	Seller string               `cbor:"seller,omitempty"` // BlockchainNetworkMismatch
	Other  string               `cbor:"other,omitempty"`
}

// SpotPriceResponse is Seller's reply: exactly one of Xmr or Err is set.
type SpotPriceResponse struct {
	Xmr *uint64         `cbor:"xmr,omitempty"` // piconero
	Err *SpotPriceError `cbor:"err,omitempty"`
}

// IsError reports whether this response is a terminal error per §4.4.
func (r *SpotPriceResponse) IsError() bool {
	return r.Err != nil
}

// M0 is the Buyer's first handshake message (§4.3).
type M0 struct {
	SwapId        swap.Id `cbor:"swap_id"`
	BBtc          []byte  `cbor:"b_btc"`        // compressed secp256k1 pubkey
	SBBtc         []byte  `cbor:"s_b_btc"`      // compressed secp256k1 pubkey
	SBXmr         [32]byte `cbor:"s_b_xmr"`     // ed25519 compressed point
	DleqProofB    []byte  `cbor:"dleq_proof_b"` // dleq.Proof.MarshalBinary()
	VBPriv        [32]byte `cbor:"v_b_priv"`
	RefundAddress string  `cbor:"refund_address"`
}

// M1 is the Seller's reply (§4.3).
type M1 struct {
	SwapId        swap.Id  `cbor:"swap_id"`
	ABtc          []byte   `cbor:"a_btc"`
	SABtc         []byte   `cbor:"s_a_btc"`
	SAXmr         [32]byte `cbor:"s_a_xmr"`
	DleqProofA    []byte   `cbor:"dleq_proof_a"`
	VAPriv        [32]byte `cbor:"v_a_priv"`
	RedeemAddress string   `cbor:"redeem_address"`
	PunishAddress string   `cbor:"punish_address"`
	TCancel       uint32   `cbor:"t_cancel"`
	TPunish       uint32   `cbor:"t_punish"`
}

// M2 carries the Buyer's unsigned tx_lock (§4.3), serialized via
// wire.MsgTx.Serialize.
type M2 struct {
	SwapId swap.Id `cbor:"swap_id"`
	TxLock []byte  `cbor:"tx_lock"`
}

// M3 carries the Seller's tx_cancel pre-signature and the refund
// encrypted signature (§4.3).
type M3 struct {
	SwapId         swap.Id `cbor:"swap_id"`
	TxCancelSig    []byte  `cbor:"tx_cancel_sig"`
	TxRefundEncSig []byte  `cbor:"tx_refund_encsig"` // adaptor.EncryptedSignature.MarshalBinary()
}

// M4 carries the Buyer's tx_cancel and tx_punish pre-signatures (§4.3),
// completing setup.
type M4 struct {
	SwapId      swap.Id `cbor:"swap_id"`
	TxCancelSig []byte  `cbor:"tx_cancel_sig"`
	TxPunishSig []byte  `cbor:"tx_punish_sig"`
}

// BidQuoteResponse answers the quote/1.0.0 protocol of §6.3.
type BidQuoteResponse struct {
	Price       uint64 `cbor:"price"`        // piconero per satoshi-equivalent spot quote, see swapnet
	MinQuantity uint64 `cbor:"min_quantity"` // satoshis
	MaxQuantity uint64 `cbor:"max_quantity"` // satoshis
}

// TransferProofRequest is the Seller->Buyer payload of transfer-proof/1.0.0.
type TransferProofRequest struct {
	SwapId swap.Id `cbor:"swap_id"`
	TxHash string  `cbor:"tx_hash"`
	TxKey  string  `cbor:"tx_key"`
}

// TransferProofResponse is the empty ack of transfer-proof/1.0.0.
type TransferProofResponse struct{}

// EncSigRequest is the Buyer->Seller payload of encrypted-signature/1.0.0.
type EncSigRequest struct {
	SwapId         swap.Id `cbor:"swap_id"`
	TxRedeemEncSig []byte  `cbor:"tx_redeem_encsig"`
}

// EncSigResponse is the empty ack of encrypted-signature/1.0.0.
type EncSigResponse struct{}
