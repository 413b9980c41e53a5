package dleq

import (
	"crypto/rand"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
)

// ErrNotCanonicalSecp256k1 is returned when 32 bytes do not represent a
// nonzero scalar below the secp256k1 group order.
var ErrNotCanonicalSecp256k1 = errors.New("dleq: value is not a canonical secp256k1 scalar")

// ErrNotCanonicalEd25519 is returned when 32 bytes do not represent a
// nonzero scalar below the ed25519 group order.
var ErrNotCanonicalEd25519 = errors.New("dleq: value is not a canonical ed25519 scalar")

// Scalar is the cross-curve secret of §3.1/§9: one 256-bit integer that is
// simultaneously a valid secp256k1 and ed25519 scalar. It is stored once, as
// 32 canonical big-endian bytes, and converted to each curve's native
// representation on demand rather than exposed as two types whose equality
// would hold only by convention.
type Scalar struct {
	b [32]byte
}

// ScalarFromCanonicalBytes validates b as a dual-curve scalar.
func ScalarFromCanonicalBytes(b [32]byte) (*Scalar, error) {
	s := &Scalar{b: b}
	if _, err := s.secpScalar(); err != nil {
		return nil, err
	}
	if _, err := s.edScalar(); err != nil {
		return nil, err
	}
	return s, nil
}

// GenerateScalar draws a scalar uniformly from the intersection of both
// curves' scalar fields by rejection sampling, per §4.1.
func GenerateScalar() (*Scalar, error) {
	for attempt := 0; attempt < 1000; attempt++ {
		var raw [32]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return nil, err
		}
		s, err := ScalarFromCanonicalBytes(raw)
		if err == nil {
			return s, nil
		}
	}
	return nil, errors.New("dleq: exhausted rejection-sampling attempts for a dual-curve scalar")
}

// Bytes returns the 32 canonical big-endian bytes of the scalar.
func (s *Scalar) Bytes() [32]byte {
	return s.b
}

func (s *Scalar) secpScalar() (*btcec.ModNScalar, error) {
	var sc btcec.ModNScalar
	overflow := sc.SetByteSlice(s.b[:])
	if overflow || sc.IsZero() {
		return nil, ErrNotCanonicalSecp256k1
	}
	return &sc, nil
}

func (s *Scalar) edScalar() (*edwards25519.Scalar, error) {
	var le [32]byte
	reverseBytes(&le, &s.b)
	sc, err := edwards25519.NewScalar().SetCanonicalBytes(le[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCanonicalEd25519, err)
	}
	if sc.Equal(edwards25519.NewScalar()) == 1 {
		return nil, ErrNotCanonicalEd25519
	}
	return sc, nil
}

func reverseBytes(dst, src *[32]byte) {
	for i := 0; i < 32; i++ {
		dst[i] = src[31-i]
	}
}

// SecpPrivateKey returns the scalar as a secp256k1 private key.
func (s *Scalar) SecpPrivateKey() *btcec.PrivateKey {
	return btcec.PrivKeyFromBytes(s.b[:])
}

// SecpPublic returns s·G_btc.
func (s *Scalar) SecpPublic() *btcec.PublicKey {
	return s.SecpPrivateKey().PubKey()
}

// EdPublic returns s·G_xmr, in Monero's 32-byte compressed point encoding.
func (s *Scalar) EdPublic() [32]byte {
	sc, _ := s.edScalar()
	p := new(edwards25519.Point).ScalarBaseMult(sc)
	var out [32]byte
	copy(out[:], p.Bytes())
	return out
}

// Add returns s + o, reduced independently on each curve; used to combine a
// swap's two private key shares (§4.5/§4.6 "s_a + s_b") once both are known.
func (s *Scalar) Add(o *Scalar) (secp *btcec.ModNScalar, ed *edwards25519.Scalar) {
	a, _ := s.secpScalar()
	b, _ := o.secpScalar()
	var sum btcec.ModNScalar
	sum.Add2(a, b)

	ae, _ := s.edScalar()
	be, _ := o.edScalar()
	sumEd := edwards25519.NewScalar().Add(ae, be)

	return &sum, sumEd
}
