package buyer

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

// PeerClient delivers the encrypted tx_redeem signature to the Seller,
// retrying across reconnects until the Seller acknowledges it. The
// Driver neither knows nor cares how; that belongs to the eventloop
// package.
type PeerClient interface {
	SendEncSig(ctx context.Context, encsig []byte) error
}

// Driver runs one buyer-role swap forward from Negotiated to a terminal
// State. As with protocol/seller.Driver, every transition with an
// externally observable side effect is persisted first, except where the
// effect is itself idempotent under "already on chain".
type Driver struct {
	db   *swapdb.DB
	btcw btc.Wallet
	xmrw xmr.Wallet
	peer PeerClient

	btcConfirmations uint32
	xmrConfirmations uint64

	transferProofCh chan xmr.TransferProof
}

// NewDriver constructs a Driver for a single swap. btcConfirmations is
// the local confirmation target for Bitcoin transactions this role
// watches or broadcasts; xmrConfirmations is the confirmation target
// check_tx_key must see before the Seller's transfer is trusted.
func NewDriver(db *swapdb.DB, btcw btc.Wallet, xmrw xmr.Wallet, peer PeerClient, btcConfirmations uint32, xmrConfirmations uint64) *Driver {
	return &Driver{
		db:               db,
		btcw:             btcw,
		xmrw:             xmrw,
		peer:             peer,
		btcConfirmations: btcConfirmations,
		xmrConfirmations: xmrConfirmations,
		transferProofCh:  make(chan xmr.TransferProof, 1),
	}
}

// NewNegotiated builds the first post-setup state from a completed setup
// result and the role's own key bundle. The caller persists it (via Run,
// or directly via Encode/InsertLatestState) before the handshake's peer
// connection is torn down.
func NewNegotiated(keys *dleq.KeyBundle, result *setup.Result) (*Negotiated, error) {
	refundEncSig, err := result.TxRefundEncSig.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("buyer: marshal tx_refund_encsig: %w", err)
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

		PeerBtcPub:  result.Shared.A.SerializeCompressed(),
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
		OwnTxPunishSig:  result.OwnTxPunishSig,
		PeerTxCancelSig: result.PeerTxCancelSig,
		TxRefundEncSig:  refundEncSig,
	}
	return &Negotiated{Snapshot: snap}, nil
}

// DeliverTransferProof hands an arrived transfer proof to whichever step
// is currently blocked in stepBtcLocked's race. The eventloop is
// responsible for routing a proof to the right swap's Driver and for
// buffering proofs that arrive for a swap not yet at BtcLocked.
func (d *Driver) DeliverTransferProof(proof xmr.TransferProof) {
	select {
	case d.transferProofCh <- proof:
	default:
	}
}

// Run drives state forward, step by step, until it reaches a terminal
// State or ctx is cancelled.
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
	case *XmrLockProofReceived:
		return d.stepXmrLockProofReceived(ctx, t)
	case *XmrLocked:
		return d.stepXmrLocked(ctx, t)
	case *EncSigSent:
		return d.stepEncSigSent(ctx, t)
	case *BtcRedeemed:
		return d.stepBtcRedeemed(ctx, t)
	case *CancelTimelockExpired:
		return d.stepCancelTimelockExpired(ctx, t)
	case *BtcCancelled:
		return d.stepBtcCancelled(ctx, t)
	default:
		return nil, fmt.Errorf("buyer: no transition out of %s", s.Kind())
	}
}

func (d *Driver) persist(s State) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	return d.db.InsertLatestState(s.SwapId(), data)
}

// stepNegotiated broadcasts this role's tx_lock and waits for it to
// reach the confirmation target, recording wallet_block_height_at_lock.
func (d *Driver) stepNegotiated(ctx context.Context, s *Negotiated) (State, error) {
	snap := s.Snapshot
	txLock, err := deserializeTx(snap.TxLock)
	if err != nil {
		return nil, err
	}

	txid, err := d.broadcast(ctx, txLock)
	if err != nil {
		return nil, fmt.Errorf("buyer: broadcast tx_lock: %w", err)
	}
	if err := d.btcw.WaitForTransactionFinality(ctx, txid, d.btcConfirmations); err != nil {
		return nil, fmt.Errorf("buyer: confirm tx_lock: %w", err)
	}
	height, _, err := d.btcw.TransactionBlockHeight(ctx, txid)
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

// stepBtcLocked races the Seller's transfer proof against the cancel
// timelock expiring. A proof for this swap's id is delivered to
// transferProofCh by the eventloop; proofs for other swaps never reach
// here, since those are buffered and acked independently.
func (d *Driver) stepBtcLocked(ctx context.Context, s *BtcLocked) (State, error) {
	snap := s.Snapshot
	cancelHeight := snap.LockHeight + snap.TCancel

	var proof xmr.TransferProof
	winner, err := race2(ctx,
		func(ctx context.Context) error {
			select {
			case proof = <-d.transferProofCh:
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
		next := &XmrLockProofReceived{Snapshot: snap, TransferHash: proof.TxHash, TransferKey: proof.TxKey}
		if err := d.persist(next); err != nil {
			return nil, err
		}
		return next, nil
	}

	next := &CancelTimelockExpired{Snapshot: snap}
	if err := d.persist(next); err != nil {
		return nil, err
	}
	return next, nil
}

// stepXmrLockProofReceived races the transfer's confirmation (verified
// via check_tx_key) against the cancel timelock expiring.
func (d *Driver) stepXmrLockProofReceived(ctx context.Context, s *XmrLockProofReceived) (State, error) {
	snap := s.Snapshot
	cancelHeight := snap.LockHeight + snap.TCancel

	destSpend, err := xmr.CombinedSpendKey(snap.SAXmr, snap.SBXmr)
	if err != nil {
		return nil, fmt.Errorf("buyer: derive combined spend key: %w", err)
	}
	view, err := xmr.ViewPublicKey(snap.V)
	if err != nil {
		return nil, fmt.Errorf("buyer: derive view public key: %w", err)
	}
	proof := xmr.TransferProof{TxHash: s.TransferHash, TxKey: s.TransferKey}

	winner, err := race2(ctx,
		func(ctx context.Context) error {
			return d.xmrw.WatchForTransfer(ctx, destSpend, view, proof, xmr.Piconero(snap.Xmr), d.xmrConfirmations)
		},
		func(ctx context.Context) error {
			return d.btcw.PollUntilBlockHeightIsGTE(ctx, cancelHeight)
		},
	)
	if err != nil {
		return nil, err
	}

	if winner == 0 {
		next := &XmrLocked{Snapshot: snap, TransferHash: s.TransferHash, TransferKey: s.TransferKey}
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

// stepXmrLocked encrypts this role's tx_redeem signature under the
// Seller's cross-curve Bitcoin point and sends it. This is a local,
// synchronous operation with no timelock race: the cancel-timelock race
// resumes once more at EncSigSent, watching for tx_redeem on-chain.
func (d *Driver) stepXmrLocked(ctx context.Context, s *XmrLocked) (State, error) {
	snap := s.Snapshot
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
	digest, err := btc.SighashDigest(txRedeem, snap.WitnessScript, lockOut.Value)
	if err != nil {
		return nil, err
	}

	peerAdaptor, err := btcec.ParsePubKey(snap.PeerAdaptor)
	if err != nil {
		return nil, err
	}
	bSec := btcec.PrivKeyFromBytes(snap.BSec)
	encsig, err := adaptor.EncSign(bSec, peerAdaptor, digest)
	if err != nil {
		return nil, fmt.Errorf("buyer: encrypt tx_redeem signature: %w", err)
	}
	encsigBytes, err := encsig.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("buyer: marshal tx_redeem_encsig: %w", err)
	}
	snap.OwnTxRedeemEncSig = encsigBytes

	next := &EncSigSent{Snapshot: snap, TransferHash: s.TransferHash, TransferKey: s.TransferKey}
	if err := d.persist(next); err != nil {
		return nil, err
	}

	if err := d.peer.SendEncSig(ctx, encsigBytes); err != nil {
		return nil, fmt.Errorf("buyer: send tx_redeem_encsig: %w", err)
	}
	return next, nil
}

// stepEncSigSent races tx_redeem appearing on-chain against the cancel
// timelock expiring.
func (d *Driver) stepEncSigSent(ctx context.Context, s *EncSigSent) (State, error) {
	snap := s.Snapshot
	cancelHeight := snap.LockHeight + snap.TCancel

	txRedeem, err := deserializeTx(snap.TxRedeem)
	if err != nil {
		return nil, err
	}
	redeemTxid := txRedeem.TxHash()

	winner, err := race2(ctx,
		func(ctx context.Context) error {
			_, err := d.btcw.WatchForRawTransaction(ctx, &redeemTxid)
			return err
		},
		func(ctx context.Context) error {
			return d.btcw.PollUntilBlockHeightIsGTE(ctx, cancelHeight)
		},
	)
	if err != nil {
		return nil, err
	}

	if winner == 0 {
		if err := d.btcw.WaitForTransactionFinality(ctx, &redeemTxid, d.btcConfirmations); err != nil {
			return nil, fmt.Errorf("buyer: confirm tx_redeem: %w", err)
		}
		next := &BtcRedeemed{Snapshot: snap, TxHash: redeemTxid.String()}
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

// stepBtcRedeemed recovers the Seller's cross-curve secret from the
// confirmed tx_redeem's signature, combines it with this role's own
// share, and derives the Monero spend key for the XMR the Seller
// locked.
func (d *Driver) stepBtcRedeemed(ctx context.Context, s *BtcRedeemed) (State, error) {
	snap := s.Snapshot
	txid, err := chainhash.NewHashFromStr(s.TxHash)
	if err != nil {
		return nil, err
	}
	onChain, err := d.btcw.GetRawTransaction(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("buyer: fetch confirmed tx_redeem: %w", err)
	}
	witness := onChain.TxIn[0].Witness
	if len(witness) < 2 {
		return nil, errors.New("buyer: tx_redeem witness missing signatures")
	}
	// CombineWitness lays the stack out as {sigB, sigA, script}; sigB
	// here is this role's own signature, decrypted by the Seller from
	// tx_redeem_encsig, so it is what Recover needs.
	sigBBytes := witness[0]
	if len(sigBBytes) > 0 {
		sigBBytes = sigBBytes[:len(sigBBytes)-1] // drop the sighash-type byte
	}
	completed, err := adaptor.ParseSignature(sigBBytes)
	if err != nil {
		return nil, err
	}

	encsig, err := adaptor.UnmarshalEncryptedSignature(snap.OwnTxRedeemEncSig)
	if err != nil {
		return nil, err
	}
	peerAdaptor, err := btcec.ParsePubKey(snap.PeerAdaptor)
	if err != nil {
		return nil, err
	}
	recoveredSA, err := adaptor.Recover(encsig, completed, peerAdaptor)
	if err != nil {
		return nil, fmt.Errorf("buyer: recover seller's cross-curve secret: %w", err)
	}

	var sABytes [32]byte
	copy(sABytes[:], recoveredSA.Serialize())
	sA, err := dleq.ScalarFromCanonicalBytes(sABytes)
	if err != nil {
		return nil, err
	}
	sB, err := dleq.ScalarFromCanonicalBytes(snap.SSec)
	if err != nil {
		return nil, err
	}
	_, edSum := sA.Add(sB)

	var spendPriv [32]byte
	copy(spendPriv[:], edSum.Bytes())

	next := &XmrRedeemed{Snapshot: snap, SpendPriv: spendPriv}
	if err := d.persist(next); err != nil {
		return nil, err
	}
	if err := d.xmrw.CreateFromKeys(ctx, spendPriv, snap.V, uint64(snap.LockHeight)); err != nil {
		return nil, fmt.Errorf("buyer: create claim wallet: %w", err)
	}
	return next, nil
}

// stepCancelTimelockExpired combines the two cancel pre-signatures
// exchanged during setup and broadcasts tx_cancel, idempotently: the
// Seller may already have published it.
func (d *Driver) stepCancelTimelockExpired(ctx context.Context, s *CancelTimelockExpired) (State, error) {
	snap := s.Snapshot
	txCancel, err := deserializeTx(snap.TxCancel)
	if err != nil {
		return nil, err
	}
	btc.CombineWitness(txCancel, snap.PeerTxCancelSig, snap.OwnTxCancelSig, snap.WitnessScript)

	txid, err := d.broadcast(ctx, txCancel)
	if err != nil {
		return nil, fmt.Errorf("buyer: broadcast tx_cancel: %w", err)
	}
	if err := d.btcw.WaitForTransactionFinality(ctx, txid, d.btcConfirmations); err != nil {
		return nil, fmt.Errorf("buyer: confirm tx_cancel: %w", err)
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

// stepBtcCancelled races this role's own tx_refund broadcast against the
// Seller's tx_punish landing on-chain. tx_refund carries no further
// timelock, so this role can attempt it the moment tx_cancel confirms;
// the only way to end up BtcPunished is coming back online after the
// Seller already won that race.
func (d *Driver) stepBtcCancelled(ctx context.Context, s *BtcCancelled) (State, error) {
	snap := s.Snapshot
	txRefund, err := deserializeTx(snap.TxRefund)
	if err != nil {
		return nil, err
	}
	txPunish, err := deserializeTx(snap.TxPunish)
	if err != nil {
		return nil, err
	}
	if err := d.completeTxRefund(txRefund, snap); err != nil {
		return nil, fmt.Errorf("buyer: complete tx_refund: %w", err)
	}
	// tx_refund's non-witness data is identical for both parties, so its
	// txid is known in advance of it ever being broadcast.
	refundTxid := txRefund.TxHash()
	punishTxid := txPunish.TxHash()

	winner, err := race2(ctx,
		func(ctx context.Context) error {
			txid, err := d.broadcast(ctx, txRefund)
			if err != nil {
				// The Seller may already have spent tx_cancel's
				// output via tx_punish; let that branch decide
				// instead of failing this one out from under it.
				<-ctx.Done()
				return ctx.Err()
			}
			return d.btcw.WaitForTransactionFinality(ctx, txid, d.btcConfirmations)
		},
		func(ctx context.Context) error {
			_, err := d.btcw.WatchForRawTransaction(ctx, &punishTxid)
			if err != nil {
				return err
			}
			return d.btcw.WaitForTransactionFinality(ctx, &punishTxid, d.btcConfirmations)
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

	next := &BtcPunished{Snapshot: snap}
	if err := d.persist(next); err != nil {
		return nil, err
	}
	return next, nil
}

// completeTxRefund decrypts the Seller's adaptor-encrypted tx_refund
// signature using this role's own cross-curve secret, the same secret
// the Seller encrypted under, and combines it with this role's own
// signature into tx_refund's witness.
func (d *Driver) completeTxRefund(txRefund *wire.MsgTx, snap Snapshot) error {
	txCancel, err := deserializeTx(snap.TxCancel)
	if err != nil {
		return err
	}
	cancelValue := btcutil.Amount(txCancel.TxOut[0].Value)

	sSec, err := dleq.ScalarFromCanonicalBytes(snap.SSec)
	if err != nil {
		return err
	}
	encsig, err := adaptor.UnmarshalEncryptedSignature(snap.TxRefundEncSig)
	if err != nil {
		return fmt.Errorf("unmarshal tx_refund_encsig: %w", err)
	}
	decrypted := adaptor.DecSig(encsig, sSec.SecpPrivateKey())
	sigA, err := decrypted.Serialize()
	if err != nil {
		return fmt.Errorf("serialize decrypted refund signature: %w", err)
	}
	sigA = append(sigA, byte(txscript.SigHashAll))

	bSec := btcec.PrivKeyFromBytes(snap.BSec)
	sigB, err := btc.SignInput(txRefund, snap.WitnessScript, cancelValue, bSec)
	if err != nil {
		return fmt.Errorf("sign tx_refund: %w", err)
	}
	btc.CombineWitness(txRefund, sigA, sigB, snap.WitnessScript)
	return nil
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
	peerA, err := btcec.ParsePubKey(s.PeerBtcPub)
	if err != nil {
		return nil, nil, err
	}
	bSec := btcec.PrivKeyFromBytes(s.BSec)
	return peerA, bSec.PubKey(), nil
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
