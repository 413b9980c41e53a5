package adaptor

import (
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ErrMalformedEncSig is returned by UnmarshalEncryptedSignature when the
// byte stream does not decode into a structurally valid EncryptedSignature.
var ErrMalformedEncSig = errors.New("adaptor: malformed encrypted signature encoding")

// Serialize DER-encodes a decrypted Signature's (r, s) pair, with no
// trailing sighash-type byte; callers append one the way btc.SignInput
// does before using the result in a witness.
func (sig *Signature) Serialize() ([]byte, error) {
	der, err := asn1.Marshal(struct{ R, S *big.Int }{sig.R, sig.S})
	if err != nil {
		return nil, fmt.Errorf("adaptor: serialize signature: %w", err)
	}
	return der, nil
}

// ParseSignature decodes a DER-encoded ECDSA signature, stripped of its
// trailing sighash-type byte, into the (r, s) pair Recover and DecSig
// compare against. A completed signature observed on chain (e.g. a
// published tx_refund) must be parsed through this, not re-derived, since
// Recover only succeeds against the exact signature that was decrypted.
func ParseSignature(der []byte) (*Signature, error) {
	var parsed struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(der, &parsed); err != nil {
		return nil, fmt.Errorf("adaptor: parse signature: %w", err)
	}
	return &Signature{R: parsed.R, S: parsed.S}, nil
}

// MarshalBinary encodes an EncryptedSignature for wire transport: M3's
// tx_refund_encsig and the later encrypted-signature protocol both carry
// this as an opaque byte string over CBOR.
func (sig *EncryptedSignature) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 33+33+2+32+33+33+2+32)
	out = append(out, sig.RHat.SerializeCompressed()...)
	out = append(out, sig.R.SerializeCompressed()...)
	out = append(out, encodeScalar(sig.SHat)...)
	out = append(out, sig.Proof.A.SerializeCompressed()...)
	out = append(out, sig.Proof.B.SerializeCompressed()...)
	out = append(out, encodeScalar(sig.Proof.Z)...)
	return out, nil
}

// UnmarshalEncryptedSignature is the inverse of MarshalBinary.
func UnmarshalEncryptedSignature(data []byte) (*EncryptedSignature, error) {
	r := &cursor{buf: data}
	rHat, err := r.pubKey()
	if err != nil {
		return nil, err
	}
	rPoint, err := r.pubKey()
	if err != nil {
		return nil, err
	}
	sHat, err := r.scalar()
	if err != nil {
		return nil, err
	}
	a, err := r.pubKey()
	if err != nil {
		return nil, err
	}
	b, err := r.pubKey()
	if err != nil {
		return nil, err
	}
	z, err := r.scalar()
	if err != nil {
		return nil, err
	}
	if !r.atEnd() {
		return nil, ErrMalformedEncSig
	}
	return &EncryptedSignature{
		RHat:  rHat,
		R:     rPoint,
		SHat:  sHat,
		Proof: &chaumPedersenProof{A: a, B: b, Z: z},
	}, nil
}

func encodeScalar(n *big.Int) []byte {
	b := n.Bytes()
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	return append(lenBuf[:], b...)
}

type cursor struct {
	buf []byte
	off int
}

func (c *cursor) atEnd() bool { return c.off == len(c.buf) }

func (c *cursor) take(n int) ([]byte, error) {
	if c.off+n > len(c.buf) {
		return nil, ErrMalformedEncSig
	}
	out := c.buf[c.off : c.off+n]
	c.off += n
	return out, nil
}

func (c *cursor) pubKey() (*btcec.PublicKey, error) {
	raw, err := c.take(33)
	if err != nil {
		return nil, err
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, ErrMalformedEncSig
	}
	return pub, nil
}

func (c *cursor) scalar() (*big.Int, error) {
	lenBuf, err := c.take(2)
	if err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(lenBuf))
	raw, err := c.take(n)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}
