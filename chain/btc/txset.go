package btc

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ErrLockOutputNotFound is returned when a lock transaction has no output
// paying the expected 2-of-2 descriptor.
var ErrLockOutputNotFound = errors.New("btc: tx_lock has no output paying the 2-of-2 descriptor")

// TxRefundSequence is the sequence tx_refund uses: refund carries no
// further relative timelock once tx_cancel has confirmed.
const TxRefundSequence = wire.MaxTxInSequenceNum

// Outpoint identifies the spendable 2-of-2 output of either tx_lock or
// tx_cancel.
type Outpoint struct {
	Hash  chainhash.Hash
	Index uint32
	Value btcutil.Amount
}

// FindLockOutput locates the output of tx paying the (a, b) 2-of-2
// descriptor, as required after receiving M2's tx_lock.
func FindLockOutput(tx *wire.MsgTx, a, b *btcec.PublicKey) (Outpoint, error) {
	want, err := LockPkScript(a, b)
	if err != nil {
		return Outpoint{}, err
	}
	for i, out := range tx.TxOut {
		if scriptsEqual(out.PkScript, want) {
			return Outpoint{Hash: tx.TxHash(), Index: uint32(i), Value: btcutil.Amount(out.Value)}, nil
		}
	}
	return Outpoint{}, ErrLockOutputNotFound
}

func scriptsEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func spendingTx(prev Outpoint, sequence uint32, outScript []byte, value btcutil.Amount) *wire.MsgTx {
	// Version 2: BIP-68 relative locks in the input sequence are only
	// enforced for transactions of version 2 or higher.
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prev.Hash, Index: prev.Index},
		Sequence:         sequence,
	})
	tx.AddTxOut(&wire.TxOut{Value: int64(value), PkScript: outScript})
	return tx
}

// BuildTxCancel spends tx_lock's 2-of-2 output after TCancel blocks into a
// fresh output under the same (a, b) descriptor (§4.2, §3.1 tx_cancel).
func BuildTxCancel(lock Outpoint, a, b *btcec.PublicKey, tCancel uint32, feeRate btcutil.Amount) (*wire.MsgTx, error) {
	outScript, err := LockPkScript(a, b)
	if err != nil {
		return nil, err
	}
	value := lock.Value - CancelFee(feeRate)
	if value <= 0 {
		return nil, fmt.Errorf("btc: tx_lock value %s too small to cover tx_cancel fee", lock.Value)
	}
	return spendingTx(lock, tCancel, outScript, value), nil
}

// BuildTxRefund spends tx_cancel to the Buyer's refund address, with no
// further timelock.
func BuildTxRefund(cancel Outpoint, refundAddr btcutil.Address, feeRate btcutil.Amount) (*wire.MsgTx, error) {
	outScript, err := txscript.PayToAddrScript(refundAddr)
	if err != nil {
		return nil, err
	}
	value := cancel.Value - RefundFee(feeRate)
	if value <= 0 {
		return nil, fmt.Errorf("btc: tx_cancel value %s too small to cover tx_refund fee", cancel.Value)
	}
	return spendingTx(cancel, TxRefundSequence, outScript, value), nil
}

// BuildTxPunish spends tx_cancel to the Seller's punish address after
// TPunish further blocks.
func BuildTxPunish(cancel Outpoint, punishAddr btcutil.Address, tPunish uint32, feeRate btcutil.Amount) (*wire.MsgTx, error) {
	outScript, err := txscript.PayToAddrScript(punishAddr)
	if err != nil {
		return nil, err
	}
	value := cancel.Value - PunishFee(feeRate)
	if value <= 0 {
		return nil, fmt.Errorf("btc: tx_cancel value %s too small to cover tx_punish fee", cancel.Value)
	}
	return spendingTx(cancel, tPunish, outScript, value), nil
}

// BuildTxRedeem spends tx_lock directly to the Seller's redeem address.
func BuildTxRedeem(lock Outpoint, redeemAddr btcutil.Address, feeRate btcutil.Amount) (*wire.MsgTx, error) {
	outScript, err := txscript.PayToAddrScript(redeemAddr)
	if err != nil {
		return nil, err
	}
	value := lock.Value - RedeemFee(feeRate)
	if value <= 0 {
		return nil, fmt.Errorf("btc: tx_lock value %s too small to cover tx_redeem fee", lock.Value)
	}
	return spendingTx(lock, wire.MaxTxInSequenceNum, outScript, value), nil
}

// SighashDigest computes the BIP-143 SIGHASH_ALL digest for tx's single
// input spending a 2-of-2 descriptor output of the given witness script
// and value.
func SighashDigest(tx *wire.MsgTx, witnessScript []byte, prevValue btcutil.Amount) ([32]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(nil, int64(prevValue))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	digest, err := txscript.CalcWitnessSigHash(witnessScript, sigHashes, txscript.SigHashAll, tx, 0, int64(prevValue))
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], digest)
	return out, nil
}

// SignInput produces a DER-encoded SIGHASH_ALL signature over tx's single
// input, for the given private key.
func SignInput(tx *wire.MsgTx, witnessScript []byte, prevValue btcutil.Amount, priv *btcec.PrivateKey) ([]byte, error) {
	digest, err := SighashDigest(tx, witnessScript, prevValue)
	if err != nil {
		return nil, err
	}
	sig := btcecdsa.Sign(priv, digest[:])
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

// CombineWitness assembles the witness stack for and_v(v:pk(A),pk(B))
// spending. The script is "<A> CHECKSIGVERIFY <B> CHECKSIG": the first
// opcode encountered checks against A and consumes whatever is on top of
// the stack, so sigA must be pushed last (i.e. listed last, before the
// script itself) and sigB first.
func CombineWitness(tx *wire.MsgTx, sigA, sigB, witnessScript []byte) {
	tx.TxIn[0].Witness = wire.TxWitness{sigB, sigA, witnessScript}
}
