package setup

import (
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/ghostwire-labs/xmrbtc-swap/chain/btc"
	"github.com/ghostwire-labs/xmrbtc-swap/crypto/adaptor"
	"github.com/ghostwire-labs/xmrbtc-swap/crypto/dleq"

	"github.com/btcsuite/btcd/btcec/v2"
)

// CheckNetwork implements §4.4's BlockchainNetworkMismatch gate: the
// Seller's spot-price handler (eventloop.SellerLoop) calls this during the
// spot-price exchange, before setup ever begins.
func CheckNetwork(peerNetwork, localNetwork string) error {
	if peerNetwork != localNetwork {
		return ErrNetworkMismatch
	}
	return nil
}

// verifyPeerDleq implements verify_dleq of §4.1 for a counterparty's
// cross-curve key share.
func verifyPeerDleq(proof []byte, sBtc *btcec.PublicKey, sXmr [32]byte) error {
	var p dleq.Proof
	if err := p.UnmarshalBinary(proof); err != nil {
		return ErrDleqInvalid
	}
	if err := dleq.Verify(&p, sBtc, sXmr); err != nil {
		return ErrDleqInvalid
	}
	return nil
}

// verifyTxLock implements §4.3's "tx_lock indeed pays btc to the computed
// descriptor address" gate: it locates the 2-of-2 output, checks its
// script matches the canonical descriptor for (a, b), and checks its
// value matches the agreed amount.
func verifyTxLock(tx *wire.MsgTx, a, b *btcec.PublicKey, expectedBtc btcutil.Amount) (btc.Outpoint, error) {
	out, err := btc.FindLockOutput(tx, a, b)
	if err != nil {
		return btc.Outpoint{}, ErrScriptMismatch
	}
	if out.Value != expectedBtc {
		return btc.Outpoint{}, ErrAmountMismatch
	}
	return out, nil
}

// verifyCleartextSig checks a witness-ready signature (DER encoding plus
// trailing SIGHASH_ALL byte, as produced by btc.SignInput) against a
// precomputed BIP-143 digest and a public key, used for the M3/M4
// tx_cancel and tx_punish pre-signatures.
func verifyCleartextSig(sigWithHashType []byte, digest [32]byte, pub *btcec.PublicKey) error {
	if len(sigWithHashType) == 0 {
		return ErrSignatureInvalid
	}
	der := sigWithHashType[:len(sigWithHashType)-1]
	sig, err := btcecdsa.ParseDERSignature(der)
	if err != nil {
		return ErrSignatureInvalid
	}
	if !sig.Verify(digest[:], pub) {
		return ErrSignatureInvalid
	}
	return nil
}

// verifyEncSig wraps verify_encsig of §4.2 with this package's error type.
func verifyEncSig(encSigBytes []byte, pub, adaptorPoint *btcec.PublicKey, digest [32]byte) (*adaptor.EncryptedSignature, error) {
	encSig, err := adaptor.UnmarshalEncryptedSignature(encSigBytes)
	if err != nil {
		return nil, ErrEncSigInvalid
	}
	if err := adaptor.VerifyEncSig(pub, adaptorPoint, digest, encSig); err != nil {
		return nil, ErrEncSigInvalid
	}
	return encSig, nil
}

func checkTimelocks(tCancel, tPunish uint32) error {
	if tCancel == 0 || tPunish == 0 {
		return ErrTimelockInvalid
	}
	return nil
}

// lockDescriptorAddress derives both parties' canonical lock address and
// witness script, as both sides must independently when verifying
// tx_lock (§4.2 "Both parties must derive the identical script").
func lockDescriptorAddress(a, b *btcec.PublicKey, params *chaincfg.Params) ([]byte, error) {
	_, witnessScript, err := btc.LockAddress(a, b, params)
	if err != nil {
		return nil, err
	}
	return witnessScript, nil
}
