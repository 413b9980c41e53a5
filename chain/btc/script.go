// Package btc implements §4.2: the 2-of-2 descriptor, the five swap
// transactions (lock, cancel, refund, redeem, punish) with their BIP-68
// relative timelocks and BIP-143 signature digests, and the narrow wallet
// contract of §6.1.
package btc

import (
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ErrScriptMismatch is returned when a counterparty-supplied lock output
// does not pay the locally computed 2-of-2 descriptor address.
var ErrScriptMismatch = errors.New("btc: lock output does not match the computed 2-of-2 descriptor")

// LockScript builds the witness script for the miniscript policy
// and_v(v:pk(A),pk(B)) — "A signs, then B signs" — which spends only with
// both signatures, in a fixed key order so both parties derive the
// identical script from (A, B).
//
//	<A> OP_CHECKSIGVERIFY <B> OP_CHECKSIG
func LockScript(a, b *btcec.PublicKey) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddData(a.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddData(b.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIG)
	return builder.Script()
}

// LockPkScript is the scriptPubKey paying to the 2-of-2 descriptor,
// suitable as a transaction output directly (P2WSH: OP_0 <sha256(script)>).
func LockPkScript(a, b *btcec.PublicKey) ([]byte, error) {
	script, err := LockScript(a, b)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(script)
	return txscript.PayToWitnessScriptHashScript(hash[:])
}

// LockAddress derives the P2WSH address for the 2-of-2 descriptor.
func LockAddress(a, b *btcec.PublicKey, params *chaincfg.Params) (*btcutil.AddressWitnessScriptHash, []byte, error) {
	script, err := LockScript(a, b)
	if err != nil {
		return nil, nil, err
	}
	hash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(hash[:], params)
	if err != nil {
		return nil, nil, err
	}
	return addr, script, nil
}

// VerifyLockOutput checks that pkScript is exactly the P2WSH scriptPubKey
// for the 2-of-2 descriptor of (a, b).
func VerifyLockOutput(pkScript []byte, a, b *btcec.PublicKey) error {
	want, err := LockPkScript(a, b)
	if err != nil {
		return err
	}
	if len(want) != len(pkScript) {
		return ErrScriptMismatch
	}
	for i := range want {
		if want[i] != pkScript[i] {
			return ErrScriptMismatch
		}
	}
	return nil
}
