package xmr

import (
	"errors"

	"filippo.io/edwards25519"
)

// ErrInvalidSpendShare is returned when a 32-byte value is not a valid
// compressed ed25519 point or canonical scalar.
var ErrInvalidSpendShare = errors.New("xmr: invalid spend key share or view scalar")

// CombinedSpendKey adds two public spend-key shares (S_a_xmr, S_b_xmr) into
// the single public spend key a standard address, or
// Wallet.WatchForTransfer's destSpend parameter, expects.
func CombinedSpendKey(sAXmr, sBXmr [32]byte) ([32]byte, error) {
	a, err := new(edwards25519.Point).SetBytes(sAXmr[:])
	if err != nil {
		return [32]byte{}, ErrInvalidSpendShare
	}
	b, err := new(edwards25519.Point).SetBytes(sBXmr[:])
	if err != nil {
		return [32]byte{}, ErrInvalidSpendShare
	}
	var out [32]byte
	copy(out[:], new(edwards25519.Point).Add(a, b).Bytes())
	return out, nil
}

// ViewPublicKey derives the public view key from the combined private
// view scalar V (both parties learn v_a + v_b in the clear during setup,
// since the view key carries no spending authority).
func ViewPublicKey(viewPriv [32]byte) ([32]byte, error) {
	v, err := edwards25519.NewScalar().SetCanonicalBytes(viewPriv[:])
	if err != nil {
		return [32]byte{}, ErrInvalidSpendShare
	}
	var out [32]byte
	copy(out[:], new(edwards25519.Point).ScalarBaseMult(v).Bytes())
	return out, nil
}

// SharedAddress builds the standard Monero address for the swap's
// jointly-controlled output: the transfer destination funded at
// XmrLocked, spendable by neither party alone until one of them recovers
// the other's cross-curve secret.
func SharedAddress(sAXmr, sBXmr, viewPriv [32]byte) (string, error) {
	spend, err := CombinedSpendKey(sAXmr, sBXmr)
	if err != nil {
		return "", err
	}
	view, err := ViewPublicKey(viewPriv)
	if err != nil {
		return "", err
	}
	return encodeMoneroAddress(networkTag, spend, view), nil
}
