package adaptor

import (
	"crypto/sha256"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// chaumPedersenProof shows that RHat and R share the same discrete log
// relative to bases G and Y respectively: RHat = k·G, R = k·Y, for some k
// known to the prover but not revealed. This is the auxiliary proof
// EncSign attaches to an encrypted signature: it is what lets VerifyEncSig check
// that R really is k·Y for the same k used in the (G, RHat) nonce
// commitment, without ever learning k or the adaptor secret y.
type chaumPedersenProof struct {
	A, B *btcec.PublicKey
	Z    *big.Int
}

func proveChaumPedersen(k *big.Int, rHat, y, r *btcec.PublicKey) (*chaumPedersenProof, error) {
	t, err := randScalar()
	if err != nil {
		return nil, err
	}
	a := scalarMultG(t)
	b := scalarMultPoint(y, t)
	e := chaumPedersenChallenge(y, rHat, r, a, b)
	z := modN(new(big.Int).Add(t, new(big.Int).Mul(e, k)))
	return &chaumPedersenProof{A: a, B: b, Z: z}, nil
}

func verifyChaumPedersen(proof *chaumPedersenProof, rHat, y, r *btcec.PublicKey) bool {
	e := chaumPedersenChallenge(y, rHat, r, proof.A, proof.B)

	lhs1 := scalarMultG(proof.Z)
	rhs1 := addPoints(proof.A, scalarMultPoint(rHat, e))
	if !pointsEqual(lhs1, rhs1) {
		return false
	}

	lhs2 := scalarMultPoint(y, proof.Z)
	rhs2 := addPoints(proof.B, scalarMultPoint(r, e))
	return pointsEqual(lhs2, rhs2)
}

func chaumPedersenChallenge(y, rHat, r, a, b *btcec.PublicKey) *big.Int {
	h := sha256.New()
	h.Write([]byte("xmrbtc-swap/adaptor/dleq"))
	h.Write(y.SerializeCompressed())
	h.Write(rHat.SerializeCompressed())
	h.Write(r.SerializeCompressed())
	h.Write(a.SerializeCompressed())
	h.Write(b.SerializeCompressed())
	return modN(new(big.Int).SetBytes(h.Sum(nil)))
}
