package seller

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/ghostwire-labs/xmrbtc-swap/chain/btc"
	"github.com/ghostwire-labs/xmrbtc-swap/chain/xmr"
	"github.com/ghostwire-labs/xmrbtc-swap/crypto/adaptor"
	"github.com/ghostwire-labs/xmrbtc-swap/crypto/dleq"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/setup"
	"github.com/ghostwire-labs/xmrbtc-swap/swapdb"
)

// PeerClient delivers the transfer-proof message to the Buyer, retrying
// across reconnects until the Buyer acknowledges it. The Driver neither
// knows nor cares how; that belongs to the eventloop package.
type PeerClient interface {
	SendTransferProof(ctx context.Context, proof xmr.TransferProof) error
}

// Driver runs one seller-role swap forward from Negotiated to a terminal
// State. Every transition with an externally observable side effect
// (broadcast, transfer) is persisted before that effect is attempted,
// unless the effect is itself idempotent under "already on chain", so a
// crash can always resume from the last row swapdb.DB holds for this
// swap. The one exception is the Monero transfer at BtcLocked: unlike a
// Bitcoin broadcast it is not idempotent, and a crash between persisting
// BtcLocked and the transfer completing can double-send; this is a known,
// accepted gap rather than something this driver engineers around.
type Driver struct {
	db   *swapdb.DB
	btcw btc.Wallet
	xmrw xmr.Wallet
	peer PeerClient

	btcConfirmations uint32

	encSigCh chan []byte
}

// NewDriver constructs a Driver for a single swap. btcConfirmations is the
// local confirmation target for every Bitcoin transaction this role
// watches or broadcasts.
func NewDriver(db *swapdb.DB, btcw btc.Wallet, xmrw xmr.Wallet, peer PeerClient, btcConfirmations uint32) *Driver {
	return &Driver{
		db:               db,
		btcw:             btcw,
		xmrw:             xmrw,
		peer:             peer,
		btcConfirmations: btcConfirmations,
		encSigCh:         make(chan []byte, 1),
	}
}

// NewNegotiated builds the first post-setup state from a completed setup
// result and the role's own key bundle. The caller persists it (via Run,
// or directly via Encode/InsertLatestState) before the handshake's peer
// connection is torn down.
func NewNegotiated(keys *dleq.KeyBundle, result *setup.Result) (*Negotiated, error) {
	refundEncSig, err := result.TxRefundEncSig.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("seller: marshal tx_refund_encsig: %w", err)
	}
	txLock, err := serializeTx(result.TxLock)
	if err != nil {
		return nil, err
	}
	txCancel, err := serializeTx(result.TxCancel)
	if err != nil {
		return nil, err
	}
	txRefund, err := serializeTx(result.TxRefund)
	if err != nil {
		return nil, err
	}
	txPunish, err := serializeTx(result.TxPunish)
	if err != nil {
		return nil, err
	}
	txRedeem, err := serializeTx(result.TxRedeem)
	if err != nil {
		return nil, err
	}

	snap := Snapshot{
		Id: result.Shared.Id,

		BSec: keys.BSec.Serialize(),
		SSec: keys.SSec.Bytes(),
		VSec: keys.VSec.Bytes(),

		PeerBtcPub:  result.Shared.B.SerializeCompressed(),
		PeerAdaptor: result.PeerSBtc.SerializeCompressed(),

		SAXmr:   result.Shared.SAXmr,
		SBXmr:   result.Shared.SBXmr,
		V:       result.Shared.V,
		TCancel: result.Shared.TCancel,
		TPunish: result.Shared.TPunish,

		RefundAddress: result.Shared.RefundAddress.EncodeAddress(),
		RedeemAddress: result.Shared.RedeemAddress.EncodeAddress(),
		PunishAddress: result.Shared.PunishAddress.EncodeAddress(),
		Btc:           int64(result.Shared.Btc),
		Xmr:           uint64(result.Shared.Xmr),

		WitnessScript:   result.WitnessScript,
		TxLock:          txLock,
		TxCancel:        txCancel,
		TxRefund:        txRefund,
		TxPunish:        txPunish,
		TxRedeem:        txRedeem,
		OwnTxCancelSig:  result.OwnTxCancelSig,
		PeerTxCancelSig: result.PeerTxCancelSig,
		PeerTxPunishSig: result.PeerTxPunishSig,
		TxRefundEncSig:  refundEncSig,
	}
	return &Negotiated{Snapshot: snap}, nil
}

// DeliverEncSig hands the Buyer's tx_redeem_encsig to whichever step is
// currently blocked in stepXmrLocked's race. It is safe to call from the
// eventloop goroutine handling the inbound request; a second delivery for
// the same swap is dropped, since only one is ever expected.
func (d *Driver) DeliverEncSig(encsig []byte) {
	select {
	case d.encSigCh <- encsig:
	default:
	}
}

// Run drives state forward, step by step, until it reaches a terminal
// State or ctx is cancelled. Each step function is responsible for
// persisting its own result at the right point relative to its side
// effect; Run itself never persists.
func (d *Driver) Run(ctx context.Context, start State) (State, error) {
	state := start
	for !terminal(state.Kind()) {
		next, err := d.step(ctx, state)
		if err != nil {
			return state, err
		}
		state = next
	}
	return state, nil
}

func (d *Driver) step(ctx context.Context, s State) (State, error) {
	switch t := s.(type) {
	case *Negotiated:
		return d.stepNegotiated(ctx, t)
	case *BtcLocked:
		return d.stepBtcLocked(ctx, t)
	case *XmrLocked:
		return d.stepXmrLocked(ctx, t)
	case *EncSigLearned:
		return d.stepEncSigLearned(ctx, t)
	case *CancelTimelockExpired:
		return d.stepCancelTimelockExpired(ctx, t)
	case *BtcCancelled:
		return d.stepBtcCancelled(ctx, t)
	case *BtcPunishable:
		return d.stepBtcPunishable(ctx, t)
	case *BtcRefunded:
		return d.stepBtcRefunded(ctx, t)
	default:
		return nil, fmt.Errorf("seller: no transition out of %s", s.Kind())
	}
}

func (d *Driver) persist(s State) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	return d.db.InsertLatestState(s.SwapId(), data)
}

// stepNegotiated waits for tx_lock, broadcast by the Buyer, to reach the
// confirmation target.
func (d *Driver) stepNegotiated(ctx context.Context, s *Negotiated) (State, error) {
	snap := s.Snapshot
	txLock, err := deserializeTx(snap.TxLock)
	if err != nil {
		return nil, err
	}
	txid := txLock.TxHash()

	if _, err := d.btcw.WatchForRawTransaction(ctx, &txid); err != nil {
		return nil, fmt.Errorf("seller: watch tx_lock: %w", err)
	}
	if err := d.btcw.WaitForTransactionFinality(ctx, &txid, d.btcConfirmations); err != nil {
		return nil, fmt.Errorf("seller: confirm tx_lock: %w", err)
	}
	height, _, err := d.btcw.TransactionBlockHeight(ctx, &txid)
	if err != nil {
		return nil, err
	}
	snap.LockHeight = height

	next := &BtcLocked{Snapshot: snap}
	if err := d.persist(next); err != nil {
		return nil, err
	}
	return next, nil
}

// stepBtcLocked sends the agreed XMR amount to the swap's jointly
// controlled address and forwards the resulting transfer proof to the
// Buyer.
func (d *Driver) stepBtcLocked(ctx context.Context, s *BtcLocked) (State, error) {
	snap := s.Snapshot
	dest, err := xmr.SharedAddress(snap.SAXmr, snap.SBXmr, snap.V)
	if err != nil {
		return nil, fmt.Errorf("seller: derive shared address: %w", err)
	}

	proof, err := d.xmrw.Transfer(ctx, dest, xmr.Piconero(snap.Xmr))
	if err != nil {
		return nil, fmt.Errorf("seller: transfer xmr: %w", err)
	}

	next := &XmrLocked{Snapshot: snap, TransferHash: proof.TxHash, TransferKey: proof.TxKey}
	if err := d.persist(next); err != nil {
		return nil, err
	}

	if err := d.peer.SendTransferProof(ctx, proof); err != nil {
		return nil, fmt.Errorf("seller: send transfer proof: %w", err)
	}
	return next, nil
}

// stepXmrLocked races the Buyer's tx_redeem_encsig against the cancel
// timelock expiring, whichever happens first.
func (d *Driver) stepXmrLocked(ctx context.Context, s *XmrLocked) (State, error) {
	snap := s.Snapshot
	cancelHeight := snap.LockHeight + snap.TCancel

	var encsig []byte
	winner, err := race2(ctx,
		func(ctx context.Context) error {
			select {
			case encsig = <-d.encSigCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		func(ctx context.Context) error {
			return d.btcw.PollUntilBlockHeightIsGTE(ctx, cancelHeight)
		},
	)
	if err != nil {
		return nil, err
	}

	if winner == 0 {
		next := &EncSigLearned{
			Snapshot:       snap,
			TransferHash:   s.TransferHash,
			TransferKey:    s.TransferKey,
			TxRedeemEncSig: encsig,
		}
		if err := d.persist(next); err != nil {
			return nil, err
		}
		return next, nil
	}

	next := &CancelTimelockExpired{Snapshot: snap, TransferHash: s.TransferHash, TransferKey: s.TransferKey}
	if err := d.persist(next); err != nil {
		return nil, err
	}
	return next, nil
}

// stepEncSigLearned decrypts the Buyer's redeem signature, completes
// tx_redeem with this role's own signature, and broadcasts it.
func (d *Driver) stepEncSigLearned(ctx context.Context, s *EncSigLearned) (State, error) {
	snap := s.Snapshot

	encsig, err := adaptor.UnmarshalEncryptedSignature(s.TxRedeemEncSig)
	if err != nil {
		return nil, fmt.Errorf("seller: unmarshal tx_redeem_encsig: %w", err)
	}
	sSec, err := dleq.ScalarFromCanonicalBytes(snap.SSec)
	if err != nil {
		return nil, err
	}
	decrypted := adaptor.DecSig(encsig, sSec.SecpPrivateKey())
	sigB, err := decrypted.Serialize()
	if err != nil {
		return nil, fmt.Errorf("seller: serialize decrypted redeem signature: %w", err)
	}
	sigB = append(sigB, byte(txscript.SigHashAll))

	txRedeem, err := deserializeTx(snap.TxRedeem)
	if err != nil {
		return nil, err
	}
	txLock, err := deserializeTx(snap.TxLock)
	if err != nil {
		return nil, err
	}
	aPub, bPub, err := snap.btcPubs()
	if err != nil {
		return nil, err
	}
	lockOut, err := btc.FindLockOutput(txLock, aPub, bPub)
	if err != nil {
		return nil, err
	}

	bSec := btcec.PrivKeyFromBytes(snap.BSec)
	sigA, err := btc.SignInput(txRedeem, snap.WitnessScript, lockOut.Value, bSec)
	if err != nil {
		return nil, fmt.Errorf("seller: sign tx_redeem: %w", err)
	}
	btc.CombineWitness(txRedeem, sigA, sigB, snap.WitnessScript)

	txid, err := d.broadcast(ctx, txRedeem)
	if err != nil {
		return nil, fmt.Errorf("seller: broadcast tx_redeem: %w", err)
	}
	if err := d.btcw.WaitForTransactionFinality(ctx, txid, d.btcConfirmations); err != nil {
		return nil, fmt.Errorf("seller: confirm tx_redeem: %w", err)
	}

	next := &BtcRedeemed{Snapshot: snap, TxHash: txid.String()}
	if err := d.persist(next); err != nil {
		return nil, err
	}
	return next, nil
}

// stepCancelTimelockExpired combines the two cancel pre-signatures
// exchanged during setup and broadcasts tx_cancel.
func (d *Driver) stepCancelTimelockExpired(ctx context.Context, s *CancelTimelockExpired) (State, error) {
	snap := s.Snapshot
	txCancel, err := deserializeTx(snap.TxCancel)
	if err != nil {
		return nil, err
	}
	btc.CombineWitness(txCancel, snap.OwnTxCancelSig, snap.PeerTxCancelSig, snap.WitnessScript)

	txid, err := d.broadcast(ctx, txCancel)
	if err != nil {
		return nil, fmt.Errorf("seller: broadcast tx_cancel: %w", err)
	}
	if err := d.btcw.WaitForTransactionFinality(ctx, txid, d.btcConfirmations); err != nil {
		return nil, fmt.Errorf("seller: confirm tx_cancel: %w", err)
	}
	height, _, err := d.btcw.TransactionBlockHeight(ctx, txid)
	if err != nil {
		return nil, err
	}
	snap.CancelHeight = height

	next := &BtcCancelled{Snapshot: snap, TransferHash: s.TransferHash, TransferKey: s.TransferKey}
	if err := d.persist(next); err != nil {
		return nil, err
	}
	return next, nil
}

// stepBtcCancelled races the Buyer's tx_refund appearing against the
// punish timelock expiring.
func (d *Driver) stepBtcCancelled(ctx context.Context, s *BtcCancelled) (State, error) {
	snap := s.Snapshot
	punishHeight := snap.CancelHeight + snap.TPunish

	txRefund, err := deserializeTx(snap.TxRefund)
	if err != nil {
		return nil, err
	}
	// tx_refund's non-witness data is identical for both parties, so its
	// txid is known in advance of it ever being broadcast.
	refundTxid := txRefund.TxHash()

	winner, err := race2(ctx,
		func(ctx context.Context) error {
			_, err := d.btcw.WatchForRawTransaction(ctx, &refundTxid)
			return err
		},
		func(ctx context.Context) error {
			return d.btcw.PollUntilBlockHeightIsGTE(ctx, punishHeight)
		},
	)
	if err != nil {
		return nil, err
	}

	if winner == 0 {
		next := &BtcRefunded{Snapshot: snap, TxHash: refundTxid.String()}
		if err := d.persist(next); err != nil {
			return nil, err
		}
		return next, nil
	}

	next := &BtcPunishable{Snapshot: snap, TransferHash: s.TransferHash, TransferKey: s.TransferKey}
	if err := d.persist(next); err != nil {
		return nil, err
	}
	return next, nil
}

// stepBtcPunishable signs tx_punish with this role's own key (Seller
// never pre-signs it, since nothing protects the Seller from punishing
// early but the BIP-68 sequence baked into tx_punish itself) and combines
// it with the Buyer's pre-signature from setup.
func (d *Driver) stepBtcPunishable(ctx context.Context, s *BtcPunishable) (State, error) {
	snap := s.Snapshot
	txPunish, err := deserializeTx(snap.TxPunish)
	if err != nil {
		return nil, err
	}
	txCancel, err := deserializeTx(snap.TxCancel)
	if err != nil {
		return nil, err
	}
	cancelValue := btcutil.Amount(txCancel.TxOut[0].Value)

	bSec := btcec.PrivKeyFromBytes(snap.BSec)
	sigA, err := btc.SignInput(txPunish, snap.WitnessScript, cancelValue, bSec)
	if err != nil {
		return nil, fmt.Errorf("seller: sign tx_punish: %w", err)
	}
	btc.CombineWitness(txPunish, sigA, snap.PeerTxPunishSig, snap.WitnessScript)

	txid, err := d.broadcast(ctx, txPunish)
	if err != nil {
		return nil, fmt.Errorf("seller: broadcast tx_punish: %w", err)
	}
	if err := d.btcw.WaitForTransactionFinality(ctx, txid, d.btcConfirmations); err != nil {
		return nil, fmt.Errorf("seller: confirm tx_punish: %w", err)
	}

	next := &BtcPunished{Snapshot: snap, TxHash: txid.String()}
	if err := d.persist(next); err != nil {
		return nil, err
	}
	return next, nil
}

// stepBtcRefunded extracts the Buyer's completed signature from the
// confirmed tx_refund and recovers the Buyer's cross-curve secret from
// it, then derives the Monero spend key for the funds this role already
// sent at BtcLocked.
func (d *Driver) stepBtcRefunded(ctx context.Context, s *BtcRefunded) (State, error) {
	snap := s.Snapshot
	txid, err := chainhash.NewHashFromStr(s.TxHash)
	if err != nil {
		return nil, err
	}
	onChain, err := d.btcw.GetRawTransaction(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("seller: fetch confirmed tx_refund: %w", err)
	}
	witness := onChain.TxIn[0].Witness
	if len(witness) < 2 {
		return nil, errors.New("seller: tx_refund witness missing signatures")
	}
	// CombineWitness lays the stack out as {sigB, sigA, script}; sigA here
	// is this role's own signature, decrypted by the Buyer from
	// tx_refund_encsig, so it is what Recover needs.
	sigABytes := witness[1]
	if len(sigABytes) > 0 {
		sigABytes = sigABytes[:len(sigABytes)-1] // drop the sighash-type byte
	}
	completed, err := adaptor.ParseSignature(sigABytes)
	if err != nil {
		return nil, err
	}

	encsig, err := adaptor.UnmarshalEncryptedSignature(snap.TxRefundEncSig)
	if err != nil {
		return nil, err
	}
	peerAdaptor, err := btcec.ParsePubKey(snap.PeerAdaptor)
	if err != nil {
		return nil, err
	}
	recoveredSB, err := adaptor.Recover(encsig, completed, peerAdaptor)
	if err != nil {
		return nil, fmt.Errorf("seller: recover buyer's cross-curve secret: %w", err)
	}

	var sBBytes [32]byte
	copy(sBBytes[:], recoveredSB.Serialize())
	sB, err := dleq.ScalarFromCanonicalBytes(sBBytes)
	if err != nil {
		return nil, err
	}
	sA, err := dleq.ScalarFromCanonicalBytes(snap.SSec)
	if err != nil {
		return nil, err
	}
	_, edSum := sA.Add(sB)

	var spendPriv [32]byte
	copy(spendPriv[:], edSum.Bytes())

	next := &XmrRefunded{Snapshot: snap, SpendPriv: spendPriv}
	if err := d.persist(next); err != nil {
		return nil, err
	}
	if err := d.xmrw.CreateFromKeys(ctx, spendPriv, snap.V, uint64(snap.LockHeight)); err != nil {
		return nil, fmt.Errorf("seller: create claim wallet: %w", err)
	}
	return next, nil
}

// broadcast wraps Wallet.Broadcast, treating ErrAlreadyKnown as success
// per the idempotent-retry contract broadcasting is held to.
func (d *Driver) broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	txid, err := d.btcw.Broadcast(ctx, tx)
	if err != nil && !errors.Is(err, btc.ErrAlreadyKnown) {
		return nil, err
	}
	return txid, nil
}

func (s *Snapshot) btcPubs() (a, b *btcec.PublicKey, err error) {
	bSec := btcec.PrivKeyFromBytes(s.BSec)
	peerB, err := btcec.ParsePubKey(s.PeerBtcPub)
	if err != nil {
		return nil, nil, err
	}
	return bSec.PubKey(), peerB, nil
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

type raceResult struct {
	idx int
	err error
}

// race2 runs a and b concurrently and returns whichever finishes first,
// cancelling and draining the other. Both functions must respect ctx
// cancellation for the loser to actually stop.
func race2(parent context.Context, a, b func(context.Context) error) (int, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ch := make(chan raceResult, 2)
	go func() { ch <- raceResult{0, a(ctx)} }()
	go func() { ch <- raceResult{1, b(ctx)} }()

	first := <-ch
	cancel()
	<-ch
	return first.idx, first.err
}
