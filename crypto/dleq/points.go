package dleq

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"math/big"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
)

// pedersenGenerators holds the two alternate Pedersen-commitment generators
// used by the bit-decomposition proof of proof.go: one on each curve, each
// derived deterministically from a fixed domain tag via hash-and-increment
// so that neither prover nor verifier can know its discrete log relative to
// the curve's standard base point.
type pedersenGenerators struct {
	Hb secpPoint
	Hx *edwards25519.Point
}

var generators = computeGenerators()

func computeGenerators() pedersenGenerators {
	return pedersenGenerators{
		Hb: secpHashToCurve("xmrbtc-swap/dleq/Hb"),
		Hx: edHashToCurve("xmrbtc-swap/dleq/Hx"),
	}
}

// secpPoint is an affine secp256k1 point, following crypto/elliptic's
// convention that (nil, nil) / (0, 0) denotes the point at infinity so that
// bit commitments with a zero bit value can be represented without forcing
// every intermediate value through the SEC1-encoded PublicKey type.
type secpPoint struct {
	x, y *big.Int
}

func secpInfinity() secpPoint {
	return secpPoint{x: big.NewInt(0), y: big.NewInt(0)}
}

func (p secpPoint) isInfinity() bool {
	return p.x.Sign() == 0 && p.y.Sign() == 0
}

func secpFromPublicKey(pub *btcec.PublicKey) secpPoint {
	raw := pub.SerializeUncompressed()
	return secpPoint{
		x: new(big.Int).SetBytes(raw[1:33]),
		y: new(big.Int).SetBytes(raw[33:65]),
	}
}

func (p secpPoint) toPublicKey() *btcec.PublicKey {
	if p.isInfinity() {
		panic("dleq: cannot encode the point at infinity as a public key")
	}
	var xb, yb [32]byte
	p.x.FillBytes(xb[:])
	p.y.FillBytes(yb[:])
	raw := make([]byte, 65)
	raw[0] = 0x04
	copy(raw[1:33], xb[:])
	copy(raw[33:65], yb[:])
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		panic("dleq: generated point failed to parse: " + err.Error())
	}
	return pub
}

func secpHashToCurve(domain string) secpPoint {
	curve := btcec.S256()
	p := curve.Params().P
	three := big.NewInt(3)
	seven := big.NewInt(7)

	for counter := uint32(0); ; counter++ {
		var ctr [4]byte
		binary.BigEndian.PutUint32(ctr[:], counter)
		h := sha256.Sum256(append([]byte(domain), ctr[:]...))

		x := new(big.Int).SetBytes(h[:])
		x.Mod(x, p)

		rhs := new(big.Int).Exp(x, three, p)
		rhs.Add(rhs, seven)
		rhs.Mod(rhs, p)

		// p ≡ 3 (mod 4) for secp256k1, so modular sqrt is exponentiation.
		exp := new(big.Int).Add(p, big.NewInt(1))
		exp.Div(exp, big.NewInt(4))
		y := new(big.Int).Exp(rhs, exp, p)

		check := new(big.Int).Exp(y, big.NewInt(2), p)
		if check.Cmp(rhs) != 0 {
			continue
		}
		if !curve.IsOnCurve(x, y) {
			continue
		}
		return secpPoint{x: x, y: y}
	}
}

func edHashToCurve(domain string) *edwards25519.Point {
	for counter := uint32(0); ; counter++ {
		var ctr [4]byte
		binary.BigEndian.PutUint32(ctr[:], counter)
		h := sha512.Sum512(append([]byte(domain), ctr[:]...))
		p, err := edwards25519.NewIdentityPoint().SetBytes(h[:32])
		if err != nil {
			continue
		}
		return p
	}
}

func secpScalarMult(p secpPoint, k *big.Int) secpPoint {
	if p.isInfinity() || k.Sign() == 0 {
		return secpInfinity()
	}
	curve := btcec.S256()
	rx, ry := curve.ScalarMult(p.x, p.y, k.Bytes())
	return secpPoint{x: rx, y: ry}
}

func secpAdd(a, b secpPoint) secpPoint {
	if a.isInfinity() {
		return b
	}
	if b.isInfinity() {
		return a
	}
	curve := btcec.S256()
	x, y := curve.Add(a.x, a.y, b.x, b.y)
	return secpPoint{x: x, y: y}
}

func secpNegate(a secpPoint) secpPoint {
	if a.isInfinity() {
		return a
	}
	p := btcec.S256().Params().P
	return secpPoint{x: new(big.Int).Set(a.x), y: new(big.Int).Sub(p, a.y)}
}

func secpSub(a, b secpPoint) secpPoint {
	return secpAdd(a, secpNegate(b))
}

func secpGenerator() secpPoint {
	params := btcec.S256().Params()
	return secpPoint{x: params.Gx, y: params.Gy}
}

func edScalarFromBigInt(n *big.Int) *edwards25519.Scalar {
	wide := make([]byte, 64)
	nb := n.Bytes() // big-endian
	for i, j := 0, len(nb)-1; j >= 0; i, j = i+1, j-1 {
		wide[i] = nb[j]
	}
	sc, err := edwards25519.NewScalar().SetUniformBytes(wide)
	if err != nil {
		panic("dleq: invalid uniform bytes: " + err.Error())
	}
	return sc
}
