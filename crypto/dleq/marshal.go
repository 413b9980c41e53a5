package dleq

import (
	"encoding/binary"
	"errors"
	"math/big"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
)

// ErrMalformedProof is returned by UnmarshalBinary when the byte stream
// does not decode into a structurally valid Proof.
var ErrMalformedProof = errors.New("dleq: malformed proof encoding")

// MarshalBinary encodes a Proof for wire transport (§4.4's CBOR framing
// wraps this as a byte string rather than reaching into Proof's
// unexported fields directly).
func (p *Proof) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, numBits*200)
	for i := 0; i < numBits; i++ {
		bp := &p.bits[i]
		cb, err := encodeSecpPoint(bp.Cb)
		if err != nil {
			return nil, err
		}
		out = append(out, cb...)
		out = append(out, bp.Cx.Bytes()...)

		a0b, err := encodeSecpPoint(bp.A0b)
		if err != nil {
			return nil, err
		}
		out = append(out, a0b...)
		out = append(out, bp.A0x.Bytes()...)

		a1b, err := encodeSecpPoint(bp.A1b)
		if err != nil {
			return nil, err
		}
		out = append(out, a1b...)
		out = append(out, bp.A1x.Bytes()...)

		out = append(out, encodeBigInt(bp.E0)...)
		out = append(out, encodeBigInt(bp.Z0)...)
		out = append(out, encodeBigInt(bp.Z1)...)
	}
	out = append(out, encodeBigInt(p.r)...)
	return out, nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (p *Proof) UnmarshalBinary(data []byte) error {
	r := &byteReader{buf: data}
	var bits [numBits]bitProof
	for i := 0; i < numBits; i++ {
		var bp bitProof
		var err error
		if bp.Cb, err = r.secpPoint(); err != nil {
			return err
		}
		if bp.Cx, err = r.edPoint(); err != nil {
			return err
		}
		if bp.A0b, err = r.secpPoint(); err != nil {
			return err
		}
		if bp.A0x, err = r.edPoint(); err != nil {
			return err
		}
		if bp.A1b, err = r.secpPoint(); err != nil {
			return err
		}
		if bp.A1x, err = r.edPoint(); err != nil {
			return err
		}
		if bp.E0, err = r.bigInt(); err != nil {
			return err
		}
		if bp.Z0, err = r.bigInt(); err != nil {
			return err
		}
		if bp.Z1, err = r.bigInt(); err != nil {
			return err
		}
		bits[i] = bp
	}
	rOpening, err := r.bigInt()
	if err != nil {
		return err
	}
	if !r.atEnd() {
		return ErrMalformedProof
	}
	p.bits = bits
	p.r = rOpening
	return nil
}

func encodeSecpPoint(pt secpPoint) ([]byte, error) {
	if pt.isInfinity() {
		return make([]byte, 33), nil
	}
	return pt.toPublicKey().SerializeCompressed(), nil
}

func encodeBigInt(n *big.Int) []byte {
	b := n.Bytes()
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	return append(lenBuf[:], b...)
}

// byteReader is a minimal cursor over a flat byte slice; Proof's
// encoding mixes fixed-width point fields with length-prefixed integers,
// so a running offset is simpler than reusing bytes.Reader's API.
type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) atEnd() bool { return r.off == len(r.buf) }

func (r *byteReader) take(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, ErrMalformedProof
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *byteReader) secpPoint() (secpPoint, error) {
	raw, err := r.take(33)
	if err != nil {
		return secpPoint{}, err
	}
	zero := make([]byte, 33)
	isZero := true
	for i, b := range raw {
		if b != zero[i] {
			isZero = false
			break
		}
	}
	if isZero {
		return secpInfinity(), nil
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return secpPoint{}, ErrMalformedProof
	}
	return secpFromPublicKey(pub), nil
}

func (r *byteReader) edPoint() (*edwards25519.Point, error) {
	raw, err := r.take(32)
	if err != nil {
		return nil, err
	}
	pt, err := edwards25519.NewIdentityPoint().SetBytes(raw)
	if err != nil {
		return nil, ErrMalformedProof
	}
	return pt, nil
}

func (r *byteReader) bigInt() (*big.Int, error) {
	lenBuf, err := r.take(2)
	if err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(lenBuf))
	raw, err := r.take(n)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}
