package seller

import (
	"encoding/json"
	"fmt"

	"github.com/ghostwire-labs/xmrbtc-swap/swap"
)

// Kind discriminates the nodes of the seller's state graph.
type Kind string

const (
	KindStarted               Kind = "started"
	KindNegotiated            Kind = "negotiated"
	KindBtcLocked             Kind = "btc_locked"
	KindXmrLocked             Kind = "xmr_locked"
	KindEncSigLearned         Kind = "enc_sig_learned"
	KindBtcRedeemed           Kind = "btc_redeemed"
	KindCancelTimelockExpired Kind = "cancel_timelock_expired"
	KindBtcCancelled          Kind = "btc_cancelled"
	KindBtcPunishable         Kind = "btc_punishable"
	KindBtcPunished           Kind = "btc_punished"
	KindBtcRefunded           Kind = "btc_refunded"
	KindXmrRefunded           Kind = "xmr_refunded"
	KindSafelyAborted         Kind = "safely_aborted"
)

// State is the tagged union of the seller's state graph: one concrete
// type per graph node. It is never shared with protocol/buyer.State —
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

	PeerBtcPub  []byte // Buyer's Bitcoin signing pubkey, B
	PeerAdaptor []byte // Buyer's cross-curve Bitcoin pubkey, S_b_btc

	SAXmr, SBXmr [32]byte
	V            [32]byte
	TCancel      uint32
	TPunish      uint32

	// LockHeight is the height tx_lock confirmed at; CancelHeight is the
	// height tx_cancel confirmed at. Both anchor the absolute block
	// heights of the BIP-68 relative timelocks once known.
	LockHeight   uint32
	CancelHeight uint32

	RefundAddress string
	RedeemAddress string
	PunishAddress string
	Btc           int64  // satoshis
	Xmr           uint64 // piconero, the amount this role sends at XmrLocked

	WitnessScript   []byte
	TxLock          []byte
	TxCancel        []byte
	TxRefund        []byte
	TxPunish        []byte
	TxRedeem        []byte
	OwnTxCancelSig  []byte
	PeerTxCancelSig []byte
	PeerTxPunishSig []byte
	TxRefundEncSig  []byte
}

// Started is the initial state: a swap has been accepted at spot-price
// time but §4.3 setup has not yet run.
type Started struct {
	Id swap.Id
}

func (s *Started) Kind() Kind       { return KindStarted }
func (s *Started) SwapId() swap.Id  { return s.Id }

// Negotiated is reached once setup completed successfully and every
// transaction/signature needed for the rest of the swap is in hand.
type Negotiated struct {
	Snapshot Snapshot
}

func (s *Negotiated) Kind() Kind      { return KindNegotiated }
func (s *Negotiated) SwapId() swap.Id { return s.Snapshot.Id }

// BtcLocked is reached once tx_lock has the agreed confirmations.
type BtcLocked struct {
	Snapshot Snapshot
}

func (s *BtcLocked) Kind() Kind      { return KindBtcLocked }
func (s *BtcLocked) SwapId() swap.Id { return s.Snapshot.Id }

// XmrLocked is reached once the XMR transfer has been sent and its
// transfer proof delivered to the Buyer.
type XmrLocked struct {
	Snapshot     Snapshot
	TransferHash string
	TransferKey  string
}

func (s *XmrLocked) Kind() Kind      { return KindXmrLocked }
func (s *XmrLocked) SwapId() swap.Id { return s.Snapshot.Id }

// EncSigLearned is reached when tx_redeem_encsig arrives from the Buyer,
// racing against the cancel timelock.
type EncSigLearned struct {
	Snapshot       Snapshot
	TransferHash   string
	TransferKey    string
	TxRedeemEncSig []byte
}

func (s *EncSigLearned) Kind() Kind      { return KindEncSigLearned }
func (s *EncSigLearned) SwapId() swap.Id { return s.Snapshot.Id }

// BtcRedeemed is terminal: tx_redeem was broadcast and confirmed.
type BtcRedeemed struct {
	Snapshot Snapshot
	TxHash   string
}

func (s *BtcRedeemed) Kind() Kind      { return KindBtcRedeemed }
func (s *BtcRedeemed) SwapId() swap.Id { return s.Snapshot.Id }

// CancelTimelockExpired is reached when lock_height+T_cancel passes
// without a redeem, regardless of which concurrent branch triggered it.
type CancelTimelockExpired struct {
	Snapshot     Snapshot
	TransferHash string
	TransferKey  string
}

func (s *CancelTimelockExpired) Kind() Kind      { return KindCancelTimelockExpired }
func (s *CancelTimelockExpired) SwapId() swap.Id { return s.Snapshot.Id }

// BtcCancelled is reached once tx_cancel (broadcast by either party) is
// confirmed.
type BtcCancelled struct {
	Snapshot     Snapshot
	TransferHash string
	TransferKey  string
}

func (s *BtcCancelled) Kind() Kind      { return KindBtcCancelled }
func (s *BtcCancelled) SwapId() swap.Id { return s.Snapshot.Id }

// BtcPunishable is reached once cancel_height+T_punish passes
// with no tx_refund seen yet.
type BtcPunishable struct {
	Snapshot     Snapshot
	TransferHash string
	TransferKey  string
}

func (s *BtcPunishable) Kind() Kind      { return KindBtcPunishable }
func (s *BtcPunishable) SwapId() swap.Id { return s.Snapshot.Id }

// BtcPunished is terminal: tx_punish confirmed before any tx_refund
// appeared. The Seller keeps both the BTC and the XMR it sent.
type BtcPunished struct {
	Snapshot Snapshot
	TxHash   string
}

func (s *BtcPunished) Kind() Kind      { return KindBtcPunished }
func (s *BtcPunished) SwapId() swap.Id { return s.Snapshot.Id }

// BtcRefunded records that the Buyer's tx_refund confirmed first; the
// Seller moves on to recover the XMR it already sent.
type BtcRefunded struct {
	Snapshot Snapshot
	TxHash   string
}

func (s *BtcRefunded) Kind() Kind      { return KindBtcRefunded }
func (s *BtcRefunded) SwapId() swap.Id { return s.Snapshot.Id }

// XmrRefunded is terminal: the Seller recovered s_b from the Buyer's
// published tx_refund signature, derived the full Monero spend key, and
// pointed a claim wallet at it.
type XmrRefunded struct {
	Snapshot  Snapshot
	SpendPriv [32]byte
}

func (s *XmrRefunded) Kind() Kind      { return KindXmrRefunded }
func (s *XmrRefunded) SwapId() swap.Id { return s.Snapshot.Id }

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
		return nil, fmt.Errorf("seller: marshal state: %w", err)
	}
	return json.Marshal(envelope{Kind: s.Kind(), Data: data})
}

// Decode is the inverse of Encode, dispatching on the envelope's kind.
func Decode(raw []byte) (State, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("seller: unmarshal envelope: %w", err)
	}
	var s State
	switch env.Kind {
	case KindStarted:
		s = &Started{}
	case KindNegotiated:
		s = &Negotiated{}
	case KindBtcLocked:
		s = &BtcLocked{}
	case KindXmrLocked:
		s = &XmrLocked{}
	case KindEncSigLearned:
		s = &EncSigLearned{}
	case KindBtcRedeemed:
		s = &BtcRedeemed{}
	case KindCancelTimelockExpired:
		s = &CancelTimelockExpired{}
	case KindBtcCancelled:
		s = &BtcCancelled{}
	case KindBtcPunishable:
		s = &BtcPunishable{}
	case KindBtcPunished:
		s = &BtcPunished{}
	case KindBtcRefunded:
		s = &BtcRefunded{}
	case KindXmrRefunded:
		s = &XmrRefunded{}
	case KindSafelyAborted:
		s = &SafelyAborted{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedKind, env.Kind)
	}
	if err := json.Unmarshal(env.Data, s); err != nil {
		return nil, fmt.Errorf("seller: unmarshal %s payload: %w", env.Kind, err)
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
	case KindBtcRedeemed, KindBtcPunished, KindXmrRefunded, KindSafelyAborted:
		return true
	default:
		return false
	}
}
