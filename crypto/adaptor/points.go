package adaptor

import (
	"crypto/rand"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

func curveOrder() *big.Int {
	return btcec.S256().Params().N
}

// randScalar draws a uniform nonzero scalar below the curve order.
func randScalar() (*big.Int, error) {
	n := curveOrder()
	for {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		k := new(big.Int).SetBytes(buf)
		if k.Sign() != 0 && k.Cmp(n) < 0 {
			return k, nil
		}
	}
}

func modN(x *big.Int) *big.Int {
	return new(big.Int).Mod(x, curveOrder())
}

func invModN(x *big.Int) *big.Int {
	return new(big.Int).ModInverse(x, curveOrder())
}

func affineOf(pub *btcec.PublicKey) (x, y *big.Int) {
	raw := pub.SerializeUncompressed()
	return new(big.Int).SetBytes(raw[1:33]), new(big.Int).SetBytes(raw[33:65])
}

func publicKeyFromAffine(x, y *big.Int) *btcec.PublicKey {
	var xb, yb [32]byte
	x.FillBytes(xb[:])
	y.FillBytes(yb[:])
	raw := make([]byte, 65)
	raw[0] = 0x04
	copy(raw[1:33], xb[:])
	copy(raw[33:65], yb[:])
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		panic("adaptor: generated point failed to parse: " + err.Error())
	}
	return pub
}

func scalarMultG(k *big.Int) *btcec.PublicKey {
	x, y := btcec.S256().ScalarBaseMult(k.Bytes())
	return publicKeyFromAffine(x, y)
}

func scalarMultPoint(p *btcec.PublicKey, k *big.Int) *btcec.PublicKey {
	px, py := affineOf(p)
	x, y := btcec.S256().ScalarMult(px, py, k.Bytes())
	return publicKeyFromAffine(x, y)
}

func addPoints(a, b *btcec.PublicKey) *btcec.PublicKey {
	ax, ay := affineOf(a)
	bx, by := affineOf(b)
	x, y := btcec.S256().Add(ax, ay, bx, by)
	return publicKeyFromAffine(x, y)
}

func pointX(p *btcec.PublicKey) *big.Int {
	x, _ := affineOf(p)
	return x
}

func pointsEqual(a, b *btcec.PublicKey) bool {
	return a.IsEqual(b)
}
