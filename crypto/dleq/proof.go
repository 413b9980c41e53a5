// Package dleq implements §4.1: per-swap key generation and the
// cross-curve discrete-log-equality proof binding a secp256k1 point to an
// ed25519 point through one shared scalar.
package dleq

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
)

// numBits is the bit-width of the decomposed scalar proved by Proof: one
// OR-proof per bit of the canonical 256-bit representation.
const numBits = 256

// expBits bounds every per-bit witness, nonce, and challenge to 2^expBits so
// that responses computed as plain (non-modular) integers stay below both
// curve orders; Verify therefore extracts the same literal witness on both
// curves instead of two independently-reduced residues that could diverge.
const expBits = 80

// ErrInvalidDleq is returned by Verify when a proof fails to validate.
var ErrInvalidDleq = errors.New("dleq: proof failed to verify")

// KeyBundle is the per-role, per-swap key material of §3.1.
type KeyBundle struct {
	BSec *btcec.PrivateKey // Bitcoin signing key
	SSec *Scalar           // cross-curve secret; S_btc = s·G_btc, S_xmr = s·G_xmr
	VSec *edwards25519.Scalar
}

// GenerateKeyBundle implements generate_key_bundle(rng) of §4.1.
func GenerateKeyBundle() (*KeyBundle, error) {
	bSec, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	sSec, err := GenerateScalar()
	if err != nil {
		return nil, err
	}
	var vRaw [32]byte
	if _, err := rand.Read(vRaw[:]); err != nil {
		return nil, err
	}
	vPriv, err := edwards25519.NewScalar().SetUniformBytes(wideFrom32(vRaw))
	if err != nil {
		return nil, err
	}
	log.Debugf("generated key bundle: B=%x S_btc=%x", bSec.PubKey().SerializeCompressed(), sSec.SecpPublic().SerializeCompressed())
	return &KeyBundle{BSec: bSec, SSec: sSec, VSec: vPriv}, nil
}

func wideFrom32(b [32]byte) []byte {
	wide := make([]byte, 64)
	copy(wide, b[:])
	return wide
}

// SBtc returns S_btc = s·G_btc.
func (k *KeyBundle) SBtc() *btcec.PublicKey { return k.SSec.SecpPublic() }

// SXmr returns S_xmr = s·G_xmr, in Monero's compressed point encoding.
func (k *KeyBundle) SXmr() [32]byte { return k.SSec.EdPublic() }

// VPub returns v·G_xmr, this role's Monero view-key share.
func (k *KeyBundle) VPub() [32]byte {
	p := new(edwards25519.Point).ScalarBaseMult(k.VSec)
	var out [32]byte
	copy(out[:], p.Bytes())
	return out
}

// Zero clears the secret material in place.
func (k *KeyBundle) Zero() {
	k.BSec.Key.Zero()
	var zero [32]byte
	k.SSec.b = zero
	k.VSec.Set(edwards25519.NewScalar())
}

// bitProof is one AOS-style OR-proof that a Pedersen-committed bit is 0 or
// 1, with the same blinding scalar committed simultaneously on both curves.
type bitProof struct {
	Cb       secpPoint
	Cx       *edwards25519.Point
	A0b, A1b secpPoint
	A0x, A1x *edwards25519.Point
	E0       *big.Int
	Z0, Z1   *big.Int
}

// Proof is the cross-curve DLEQ proof of §3.1/§4.1.
type Proof struct {
	bits [numBits]bitProof
	r    *big.Int // Σ 2^i·r_i, the opening of the aggregate commitment
}

// Prove implements prove_dleq(rng, s_sec) of §4.1.
func Prove(sSec *Scalar) (*Proof, error) {
	sInt := new(big.Int).SetBytes(sSec.b[:])

	p := &Proof{r: big.NewInt(0)}
	for i := 0; i < numBits; i++ {
		bit := sInt.Bit(i)
		r, err := randExpBits()
		if err != nil {
			return nil, err
		}

		bp, err := proveBit(bit, r)
		if err != nil {
			return nil, err
		}
		p.bits[i] = *bp

		weight := new(big.Int).Lsh(big.NewInt(1), uint(i))
		p.r.Add(p.r, new(big.Int).Mul(weight, r))
	}
	return p, nil
}

func randExpBits() (*big.Int, error) {
	buf := make([]byte, (expBits+7)/8)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(buf)
	n.Mod(n, new(big.Int).Lsh(big.NewInt(1), expBits))
	return n, nil
}

// proveBit builds the OR-proof for a single bit with true value `bit` and
// shared blinding `r`, committed as Cb = bit·G_btc + r·Hb and
// Cx = bit·G_xmr + r·Hx.
func proveBit(bit uint, r *big.Int) (*bitProof, error) {
	cb := secpAdd(secpScalarMult(generators.Hb, r), bitTimesG(bit))
	cx := new(edwards25519.Point).Add(
		new(edwards25519.Point).ScalarMult(edScalarFromBigInt(r), generators.Hx),
		bitTimesEdG(bit),
	)

	kReal, err := randExpBits()
	if err != nil {
		return nil, err
	}
	eSim, err := randExpBits()
	if err != nil {
		return nil, err
	}
	zSim, err := randExpBits()
	if err != nil {
		return nil, err
	}

	realBranch := bit
	simBranch := 1 - bit

	// Honest commitments for the real branch.
	ARb := secpScalarMult(generators.Hb, kReal)
	ARx := new(edwards25519.Point).ScalarMult(edScalarFromBigInt(kReal), generators.Hx)

	// Simulated commitments for the other branch: pick (e_sim, z_sim) and
	// derive A_sim = z_sim·H - e_sim·(C - branch·G).
	diffB := commitmentMinusBranch(cb, simBranch)
	ASimB := secpSub(secpScalarMult(generators.Hb, zSim), secpScalarMult(diffB, eSim))

	diffX := commitmentMinusBranchEd(cx, simBranch)
	ASimX := new(edwards25519.Point).Subtract(
		new(edwards25519.Point).ScalarMult(edScalarFromBigInt(zSim), generators.Hx),
		new(edwards25519.Point).ScalarMult(edScalarFromBigInt(eSim), diffX),
	)

	var A0b, A1b secpPoint
	var A0x, A1x *edwards25519.Point
	if realBranch == 0 {
		A0b, A0x = ARb, ARx
		A1b, A1x = ASimB, ASimX
	} else {
		A1b, A1x = ARb, ARx
		A0b, A0x = ASimB, ASimX
	}

	e := fiatShamirChallenge(cb, cx, A0b, A0x, A1b, A1x)

	var e0, e1, z0, z1 *big.Int
	if realBranch == 0 {
		e1 = eSim
		e0 = new(big.Int).Mod(new(big.Int).Sub(e, e1), expModulus())
		z1 = zSim
		z0 = new(big.Int).Add(kReal, new(big.Int).Mul(e0, r))
	} else {
		e0 = eSim
		z0 = zSim
		e1 = new(big.Int).Mod(new(big.Int).Sub(e, e0), expModulus())
		z1 = new(big.Int).Add(kReal, new(big.Int).Mul(e1, r))
	}

	return &bitProof{
		Cb: cb, Cx: cx,
		A0b: A0b, A1b: A1b,
		A0x: A0x, A1x: A1x,
		E0: e0, Z0: z0, Z1: z1,
	}, nil
}

func bitTimesG(bit uint) secpPoint {
	if bit == 0 {
		return secpInfinity()
	}
	return secpGenerator()
}

func bitTimesEdG(bit uint) *edwards25519.Point {
	if bit == 0 {
		return edwards25519.NewIdentityPoint()
	}
	return edwards25519.NewGeneratorPoint()
}

// commitmentMinusBranch returns C - branch·G on secp256k1.
func commitmentMinusBranch(c secpPoint, branch uint) secpPoint {
	if branch == 0 {
		return c
	}
	return secpSub(c, secpGenerator())
}

func commitmentMinusBranchEd(c *edwards25519.Point, branch uint) *edwards25519.Point {
	if branch == 0 {
		return c
	}
	return new(edwards25519.Point).Subtract(c, edwards25519.NewGeneratorPoint())
}

func expModulus() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), expBits)
}

// fiatShamirChallenge hashes the compressed SEC1 encoding of the secp256k1
// points, which requires each of cb, a0b, a1b to be non-infinity; that holds
// with overwhelming probability for honestly generated commitments and
// nonces, since hitting the identity would require a specific adversarial
// choice of the discrete log of Hb, which secpHashToCurve's construction
// rules out.
func fiatShamirChallenge(cb secpPoint, cx *edwards25519.Point, a0b secpPoint, a0x *edwards25519.Point, a1b secpPoint, a1x *edwards25519.Point) *big.Int {
	h := sha256.New()
	h.Write([]byte("xmrbtc-swap/dleq/challenge"))
	h.Write(cb.toPublicKey().SerializeCompressed())
	h.Write(cx.Bytes())
	h.Write(a0b.toPublicKey().SerializeCompressed())
	h.Write(a0x.Bytes())
	h.Write(a1b.toPublicKey().SerializeCompressed())
	h.Write(a1x.Bytes())
	sum := h.Sum(nil)
	n := new(big.Int).SetBytes(sum)
	n.Mod(n, expModulus())
	return n
}

// Verify implements verify_dleq(proof, S_btc, S_xmr) of §4.1: it rejects a
// torsion-impure or off-curve S_xmr, an off-curve S_btc, and any
// inconsistent per-bit proof or aggregate opening.
func Verify(p *Proof, sBtc *btcec.PublicKey, sXmr [32]byte) error {
	xmrPoint, err := edwards25519.NewIdentityPoint().SetBytes(sXmr[:])
	if err != nil {
		return ErrInvalidDleq
	}
	eight := edwards25519.NewScalar()
	if _, err := eight.SetCanonicalBytes(leBytes(8)); err != nil {
		return ErrInvalidDleq
	}
	torsionCheck := new(edwards25519.Point).ScalarMult(eight, xmrPoint)
	if torsionCheck.Equal(edwards25519.NewIdentityPoint()) == 1 {
		return ErrInvalidDleq
	}

	sumB := secpInfinity()
	sumX := edwards25519.NewIdentityPoint()
	for i := 0; i < numBits; i++ {
		bp := &p.bits[i]
		if err := verifyBit(bp); err != nil {
			return err
		}
		weight := new(big.Int).Lsh(big.NewInt(1), uint(i))
		sumB = secpAdd(sumB, secpScalarMult(bp.Cb, weight))
		sumX = new(edwards25519.Point).Add(sumX, new(edwards25519.Point).ScalarMult(edScalarFromBigIntUnbounded(weight), bp.Cx))
	}

	rhsB := secpAdd(secpFromPublicKey(sBtc), secpScalarMult(generators.Hb, p.r))
	if !pointsEqualSecp(sumB, rhsB) {
		return ErrInvalidDleq
	}

	rEdResidue := new(big.Int).Mod(p.r, edOrder())
	rhsX := new(edwards25519.Point).Add(xmrPoint, new(edwards25519.Point).ScalarMult(edScalarFromBigIntUnbounded(rEdResidue), generators.Hx))
	if sumX.Equal(rhsX) != 1 {
		return ErrInvalidDleq
	}
	return nil
}

func verifyBit(bp *bitProof) error {
	e := fiatShamirChallenge(bp.Cb, bp.Cx, bp.A0b, bp.A0x, bp.A1b, bp.A1x)
	e1 := new(big.Int).Mod(new(big.Int).Sub(e, bp.E0), expModulus())

	lhs0b := secpScalarMult(generators.Hb, bp.Z0)
	rhs0b := secpAdd(bp.A0b, secpScalarMult(commitmentMinusBranch(bp.Cb, 0), bp.E0))
	if !pointsEqualSecp(lhs0b, rhs0b) {
		return ErrInvalidDleq
	}
	lhs1b := secpScalarMult(generators.Hb, bp.Z1)
	rhs1b := secpAdd(bp.A1b, secpScalarMult(commitmentMinusBranch(bp.Cb, 1), e1))
	if !pointsEqualSecp(lhs1b, rhs1b) {
		return ErrInvalidDleq
	}

	lhs0x := new(edwards25519.Point).ScalarMult(edScalarFromBigInt(bp.Z0), generators.Hx)
	rhs0x := new(edwards25519.Point).Add(bp.A0x, new(edwards25519.Point).ScalarMult(edScalarFromBigInt(bp.E0), commitmentMinusBranchEd(bp.Cx, 0)))
	if lhs0x.Equal(rhs0x) != 1 {
		return ErrInvalidDleq
	}
	lhs1x := new(edwards25519.Point).ScalarMult(edScalarFromBigInt(bp.Z1), generators.Hx)
	rhs1x := new(edwards25519.Point).Add(bp.A1x, new(edwards25519.Point).ScalarMult(edScalarFromBigInt(e1), commitmentMinusBranchEd(bp.Cx, 1)))
	if lhs1x.Equal(rhs1x) != 1 {
		return ErrInvalidDleq
	}
	return nil
}

func pointsEqualSecp(a, b secpPoint) bool {
	if a.isInfinity() || b.isInfinity() {
		return a.isInfinity() && b.isInfinity()
	}
	return a.x.Cmp(b.x) == 0 && a.y.Cmp(b.y) == 0
}

func edOrder() *big.Int {
	l, _ := new(big.Int).SetString("1000000000000000000000000000000000000014DEF9DEA2F79CD65812631A5CF5D3ED", 16)
	return l
}

// edScalarFromBigIntUnbounded reduces an arbitrary-size integer mod the
// ed25519 order before use as a scalar; unlike edScalarFromBigInt it is
// only used where the magnitude is a public aggregate value rather than a
// cross-curve-bound witness.
func edScalarFromBigIntUnbounded(n *big.Int) *edwards25519.Scalar {
	residue := new(big.Int).Mod(n, edOrder())
	return edScalarFromBigInt(residue)
}

func leBytes(v uint64) []byte {
	var out [32]byte
	b := big.NewInt(0).SetUint64(v)
	raw := b.Bytes()
	for i, j := 0, len(raw)-1; j >= 0; i, j = i+1, j-1 {
		out[i] = raw[j]
	}
	return out[:]
}
