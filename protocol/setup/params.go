package setup

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/ghostwire-labs/xmrbtc-swap/crypto/adaptor"
	"github.com/ghostwire-labs/xmrbtc-swap/crypto/dleq"
	"github.com/ghostwire-labs/xmrbtc-swap/swap"
	"github.com/ghostwire-labs/xmrbtc-swap/swapcfg"
)

// BuyerInput is everything the Buyer's side of setup needs that isn't
// carried by the wire messages themselves.
type BuyerInput struct {
	SwapId        swap.Id
	Profile       swapcfg.Profile
	Keys          *dleq.KeyBundle
	Proof         *dleq.Proof
	RefundAddress btcutil.Address
	ExpectedBtc   btcutil.Amount // agreed with Seller during the spot-price exchange
	ExpectedXmr   swap.Piconero  // agreed with Seller during the spot-price exchange
}

// SellerInput is everything the Seller's side of setup needs that isn't
// carried by the wire messages themselves.
type SellerInput struct {
	Profile       swapcfg.Profile
	Keys          *dleq.KeyBundle
	Proof         *dleq.Proof
	RedeemAddress btcutil.Address
	PunishAddress btcutil.Address
	ExpectedBtc   btcutil.Amount // the amount quoted during the spot-price exchange
	ExpectedXmr   swap.Piconero  // the amount quoted during the spot-price exchange
}

// Result is the outcome of a completed setup: the negotiated shared
// parameters, the five constructed transactions, and the pre-signatures
// each side holds for resolving the timelock ladder without further
// interaction (§4.3).
type Result struct {
	Shared swap.SharedParams

	TxLock   *wire.MsgTx
	TxCancel *wire.MsgTx
	TxRefund *wire.MsgTx
	TxPunish *wire.MsgTx
	TxRedeem *wire.MsgTx

	WitnessScript []byte // the 2-of-2 descriptor script

	// Pre-signatures held after M4. A Buyer result has OwnTxCancelSig,
	// OwnTxPunishSig and PeerTxCancelSig populated; a Seller result has
	// OwnTxCancelSig, PeerTxCancelSig and PeerTxPunishSig.
	OwnTxCancelSig  []byte
	OwnTxPunishSig  []byte // Buyer only: its pre-signature on tx_punish, sent in M4
	PeerTxCancelSig []byte
	PeerTxPunishSig []byte // Seller only: the Buyer's pre-signature received in M4

	// TxRefundEncSig is the Seller's encrypted refund signature under
	// S_b_btc, held by both parties after M3.
	TxRefundEncSig *adaptor.EncryptedSignature

	// PeerSBtc is the counterparty's secp256k1 public share of the
	// cross-curve secret (S_a_btc for a Buyer result, S_b_btc for a
	// Seller result), kept for later encsig verification.
	PeerSBtc *btcec.PublicKey
}
