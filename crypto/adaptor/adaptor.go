// Package adaptor implements §4.2's encrypted ("adaptor") ECDSA signatures:
// one party signs a Bitcoin transaction under the counterparty's adaptor
// point without revealing its discrete log, and publishing a signature
// decrypted from that encrypted signature reveals the adaptor secret to
// anyone watching the chain. This is the mechanism that ties redemption of
// the Bitcoin leg to release of the cross-curve secret proved by
// crypto/dleq.
package adaptor

import (
	"errors"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ErrInvalidEncSig is returned by VerifyEncSig when an encrypted signature
// fails to validate against the claimed signing key and adaptor point.
var ErrInvalidEncSig = errors.New("adaptor: encrypted signature failed to verify")

// ErrRecoveryFailed is returned by Recover when the decryption key implied
// by a decrypted signature does not match the claimed adaptor point.
var ErrRecoveryFailed = errors.New("adaptor: could not recover adaptor secret from signature")

// EncryptedSignature is the pre-signature produced by EncSign: it commits
// to a signature over a message under signing key X that only the holder
// of the adaptor secret y (with Y = y·G) can complete.
type EncryptedSignature struct {
	RHat  *btcec.PublicKey // k·G, the ordinary nonce commitment
	R     *btcec.PublicKey // k·Y, ties the final signature's r to y
	SHat  *big.Int
	Proof *chaumPedersenProof
}

// Signature is a decrypted, standard low-S ECDSA signature (r, s).
type Signature struct {
	R, S *big.Int
}

// hashToScalar reduces a 32-byte digest (e.g. a BIP-143 sighash) to a
// scalar mod the curve order, as plain ECDSA does for messages no longer
// than the order's bit length.
func hashToScalar(digest [32]byte) *big.Int {
	return modN(new(big.Int).SetBytes(digest[:]))
}

// EncSign implements encsign(x, Y, m) of §4.2: it produces an encrypted
// signature over digest under signing key priv, adaptor-encrypted to
// adaptorPoint.
func EncSign(priv *btcec.PrivateKey, adaptorPoint *btcec.PublicKey, digest [32]byte) (*EncryptedSignature, error) {
	z := hashToScalar(digest)
	x := new(big.Int).SetBytes(priv.Serialize())

	for {
		k, err := randScalar()
		if err != nil {
			return nil, err
		}
		rHat := scalarMultG(k)
		r := scalarMultPoint(adaptorPoint, k)

		rx := modN(pointX(r))
		if rx.Sign() == 0 {
			continue
		}

		kInv := invModN(k)
		sHat := modN(new(big.Int).Mul(kInv, modN(new(big.Int).Add(z, new(big.Int).Mul(rx, x)))))
		if sHat.Sign() == 0 {
			continue
		}

		proof, err := proveChaumPedersen(k, rHat, adaptorPoint, r)
		if err != nil {
			return nil, err
		}

		log.Debugf("encsign: produced encrypted signature R=%x", r.SerializeCompressed())
		return &EncryptedSignature{RHat: rHat, R: r, SHat: sHat, Proof: proof}, nil
	}
}

// VerifyEncSig implements verify_encsig(X, Y, m, encsig) of §4.2.
func VerifyEncSig(pub, adaptorPoint *btcec.PublicKey, digest [32]byte, sig *EncryptedSignature) error {
	if !verifyChaumPedersen(sig.Proof, sig.RHat, adaptorPoint, sig.R) {
		return ErrInvalidEncSig
	}

	z := hashToScalar(digest)
	rx := modN(pointX(sig.R))
	if rx.Sign() == 0 || sig.SHat.Sign() == 0 {
		return ErrInvalidEncSig
	}

	sHatInv := invModN(sig.SHat)
	rhsScalarZ := modN(new(big.Int).Mul(sHatInv, z))
	rhsScalarR := modN(new(big.Int).Mul(sHatInv, rx))
	rhs := addPoints(scalarMultG(rhsScalarZ), scalarMultPoint(pub, rhsScalarR))
	if !pointsEqual(sig.RHat, rhs) {
		return ErrInvalidEncSig
	}
	return nil
}

// DecSig implements decsig(encsig, y) of §4.2: it decrypts an encrypted
// signature into an ordinary low-S ECDSA signature once the adaptor
// secret is known.
func DecSig(sig *EncryptedSignature, adaptorSecret *btcec.PrivateKey) *Signature {
	y := new(big.Int).SetBytes(adaptorSecret.Serialize())
	yInv := invModN(y)
	s := modN(new(big.Int).Mul(yInv, sig.SHat))

	halfOrder := new(big.Int).Rsh(curveOrder(), 1)
	if s.Cmp(halfOrder) > 0 {
		s = modN(new(big.Int).Sub(curveOrder(), s))
	}
	return &Signature{R: modN(pointX(sig.R)), S: s}
}

// Recover implements recover(encsig, sig) of §4.2: given an encrypted
// signature and the completed signature that was published on the
// opposing chain, it extracts the adaptor secret that decrypted it.
func Recover(sig *EncryptedSignature, completed *Signature, adaptorPoint *btcec.PublicKey) (*btcec.PrivateKey, error) {
	sInv := invModN(completed.S)
	y := modN(new(big.Int).Mul(sig.SHat, sInv))

	if candidate := privFromScalar(y); pointsEqual(candidate.PubKey(), adaptorPoint) {
		log.Debugf("recover: recovered adaptor secret")
		return candidate, nil
	}

	negY := modN(new(big.Int).Sub(curveOrder(), y))
	if candidate := privFromScalar(negY); pointsEqual(candidate.PubKey(), adaptorPoint) {
		log.Debugf("recover: recovered adaptor secret (negated)")
		return candidate, nil
	}

	return nil, ErrRecoveryFailed
}

func privFromScalar(s *big.Int) *btcec.PrivateKey {
	var b [32]byte
	s.FillBytes(b[:])
	return btcec.PrivKeyFromBytes(b[:])
}
