package buyer

import (
	"encoding/json"
	"fmt"

	"github.com/ghostwire-labs/xmrbtc-swap/swap"
)

// Kind discriminates the nodes of the buyer's state graph.
type Kind string

const (
	KindStarted               Kind = "started"
	KindNegotiated            Kind = "negotiated"
	KindBtcLocked             Kind = "btc_locked"
	KindXmrLockProofReceived  Kind = "xmr_lock_proof_received"
	KindXmrLocked             Kind = "xmr_locked"
	KindEncSigSent            Kind = "enc_sig_sent"
	KindBtcRedeemed           Kind = "btc_redeemed"
	KindXmrRedeemed           Kind = "xmr_redeemed"
	KindCancelTimelockExpired Kind = "cancel_timelock_expired"
	KindBtcCancelled          Kind = "btc_cancelled"
	KindBtcRefunded           Kind = "btc_refunded"
	KindBtcPunished           Kind = "btc_punished"
	KindSafelyAborted         Kind = "safely_aborted"
)

// State is the tagged union of the buyer's state graph: one concrete
// type per graph node. It is never shared with protocol/seller.State —
// the two roles' graphs diverge too much for one discriminant space to
// serve both.
type State interface {
	Kind() Kind
	SwapId() swap.Id
}

// Snapshot is the data every post-Negotiated state carries: enough to
// resume signing, decrypting, and idempotent rebroadcasting after a
// restart without rerunning protocol/setup.
type Snapshot struct {
	Id swap.Id

	BSec []byte   // this role's Bitcoin signing key
	SSec [32]byte // this role's cross-curve scalar, canonical big-endian
	VSec []byte   // this role's Monero view scalar, little-endian

	PeerBtcPub  []byte // Seller's Bitcoin signing pubkey, A
	PeerAdaptor []byte // Seller's cross-curve Bitcoin pubkey, S_a_btc

	SAXmr, SBXmr [32]byte
	V            [32]byte
	TCancel      uint32
	TPunish      uint32

	// LockHeight is wallet_block_height_at_lock: the height tx_lock
	// confirmed at, recorded so the claim wallet built on redeem need
	// only rescan from here. CancelHeight is the height tx_cancel
	// confirmed at, anchoring the punish timelock.
	LockHeight   uint32
	CancelHeight uint32

	RefundAddress string
	RedeemAddress string
	PunishAddress string
	Btc           int64  // satoshis
	Xmr           uint64 // piconero, the amount this role expects at XmrLocked

	WitnessScript   []byte
	TxLock          []byte
	TxCancel        []byte
	TxRefund        []byte
	TxPunish        []byte
	TxRedeem        []byte
	OwnTxCancelSig  []byte
	OwnTxPunishSig  []byte
	PeerTxCancelSig []byte
	TxRefundEncSig  []byte

	// OwnTxRedeemEncSig is this role's own encrypted tx_redeem
	// signature, created at XmrLocked and sent to the Seller exactly
	// once. Recovering s_a once tx_redeem confirms needs this exact
	// value back, so it is persisted rather than recomputed.
	OwnTxRedeemEncSig []byte
}

// Started is the initial state: a swap has been accepted at spot-price
// time but setup has not yet run.
type Started struct {
	Id swap.Id
}

func (s *Started) Kind() Kind      { return KindStarted }
func (s *Started) SwapId() swap.Id { return s.Id }

// Negotiated is reached once setup completed successfully and every
// transaction/signature needed for the rest of the swap is in hand.
type Negotiated struct {
	Snapshot Snapshot
}

func (s *Negotiated) Kind() Kind      { return KindNegotiated }
func (s *Negotiated) SwapId() swap.Id { return s.Snapshot.Id }

// BtcLocked is reached once this role's own tx_lock has the agreed
// confirmations.
type BtcLocked struct {
	Snapshot Snapshot
}

func (s *BtcLocked) Kind() Kind      { return KindBtcLocked }
func (s *BtcLocked) SwapId() swap.Id { return s.Snapshot.Id }

// XmrLockProofReceived is reached when the Seller's transfer proof
// arrives, racing against the cancel timelock. The proof is not yet
// confirmed on the Monero chain.
type XmrLockProofReceived struct {
	Snapshot     Snapshot
	TransferHash string
	TransferKey  string
}

func (s *XmrLockProofReceived) Kind() Kind      { return KindXmrLockProofReceived }
func (s *XmrLockProofReceived) SwapId() swap.Id { return s.Snapshot.Id }

// XmrLocked is reached once the Seller's transfer is confirmed the
// agreed number of times and check_tx_key verifies amount and
// destination.
type XmrLocked struct {
	Snapshot     Snapshot
	TransferHash string
	TransferKey  string
}

func (s *XmrLocked) Kind() Kind      { return KindXmrLocked }
func (s *XmrLocked) SwapId() swap.Id { return s.Snapshot.Id }

// EncSigSent is reached once this role's tx_redeem_encsig has been sent
// to the Seller. It is sent exactly once per swap.
type EncSigSent struct {
	Snapshot     Snapshot
	TransferHash string
	TransferKey  string
}

func (s *EncSigSent) Kind() Kind      { return KindEncSigSent }
func (s *EncSigSent) SwapId() swap.Id { return s.Snapshot.Id }

// BtcRedeemed is reached once the Seller's tx_redeem is observed
// confirmed on-chain.
type BtcRedeemed struct {
	Snapshot Snapshot
	TxHash   string
}

func (s *BtcRedeemed) Kind() Kind      { return KindBtcRedeemed }
func (s *BtcRedeemed) SwapId() swap.Id { return s.Snapshot.Id }

// XmrRedeemed is terminal: this role recovered s_a from the Seller's
// published tx_redeem signature, derived the full Monero spend key, and
// pointed a claim wallet at it.
type XmrRedeemed struct {
	Snapshot  Snapshot
	SpendPriv [32]byte
}

func (s *XmrRedeemed) Kind() Kind      { return KindXmrRedeemed }
func (s *XmrRedeemed) SwapId() swap.Id { return s.Snapshot.Id }

// CancelTimelockExpired is reached when lock_height+T_cancel passes
// without a redeem, regardless of which concurrent branch triggered it.
type CancelTimelockExpired struct {
	Snapshot     Snapshot
	TransferHash string
	TransferKey  string
}

func (s *CancelTimelockExpired) Kind() Kind      { return KindCancelTimelockExpired }
func (s *CancelTimelockExpired) SwapId() swap.Id { return s.Snapshot.Id }

// BtcCancelled is reached once tx_cancel (published or observed) is
// confirmed.
type BtcCancelled struct {
	Snapshot     Snapshot
	TransferHash string
	TransferKey  string
}

func (s *BtcCancelled) Kind() Kind      { return KindBtcCancelled }
func (s *BtcCancelled) SwapId() swap.Id { return s.Snapshot.Id }

// BtcRefunded is terminal: this role published tx_refund before the
// Seller punished, recovering its own BTC.
type BtcRefunded struct {
	Snapshot Snapshot
	TxHash   string
}

func (s *BtcRefunded) Kind() Kind      { return KindBtcRefunded }
func (s *BtcRefunded) SwapId() swap.Id { return s.Snapshot.Id }

// BtcPunished is terminal: the Seller's tx_punish confirmed before this
// role ever published tx_refund. This role loses its locked BTC.
type BtcPunished struct {
	Snapshot Snapshot
}

func (s *BtcPunished) Kind() Kind      { return KindBtcPunished }
func (s *BtcPunished) SwapId() swap.Id { return s.Snapshot.Id }

// SafelyAborted is terminal: a fatal error occurred before any BTC lock
// was confirmed, so no funds ever moved.
type SafelyAborted struct {
	Id     swap.Id
	Reason string
}

func (s *SafelyAborted) Kind() Kind      { return KindSafelyAborted }
func (s *SafelyAborted) SwapId() swap.Id { return s.Id }

// Encode marshals a State as {"kind": ..., "data": ...} for
// swapdb.InsertLatestState.
func Encode(s State) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("buyer: marshal state: %w", err)
	}
	return json.Marshal(envelope{Kind: s.Kind(), Data: data})
}

// Decode is the inverse of Encode, dispatching on the envelope's kind.
func Decode(raw []byte) (State, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("buyer: unmarshal envelope: %w", err)
	}
	var s State
	switch env.Kind {
	case KindStarted:
		s = &Started{}
	case KindNegotiated:
		s = &Negotiated{}
	case KindBtcLocked:
		s = &BtcLocked{}
	case KindXmrLockProofReceived:
		s = &XmrLockProofReceived{}
	case KindXmrLocked:
		s = &XmrLocked{}
	case KindEncSigSent:
		s = &EncSigSent{}
	case KindBtcRedeemed:
		s = &BtcRedeemed{}
	case KindXmrRedeemed:
		s = &XmrRedeemed{}
	case KindCancelTimelockExpired:
		s = &CancelTimelockExpired{}
	case KindBtcCancelled:
		s = &BtcCancelled{}
	case KindBtcRefunded:
		s = &BtcRefunded{}
	case KindBtcPunished:
		s = &BtcPunished{}
	case KindSafelyAborted:
		s = &SafelyAborted{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedKind, env.Kind)
	}
	if err := json.Unmarshal(env.Data, s); err != nil {
		return nil, fmt.Errorf("buyer: unmarshal %s payload: %w", env.Kind, err)
	}
	return s, nil
}

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// terminal reports whether k has no outgoing transitions.
func terminal(k Kind) bool {
	switch k {
	case KindXmrRedeemed, KindBtcRefunded, KindBtcPunished, KindSafelyAborted:
		return true
	default:
		return false
	}
}
