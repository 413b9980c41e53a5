package swap

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// Role distinguishes the two parties of a swap for logging and for
// selecting the right state graph: state enums are never shared across
// roles.
type Role int

const (
	RoleSeller Role = iota
	RoleBuyer
)

func (r Role) String() string {
	if r == RoleSeller {
		return "seller"
	}
	return "buyer"
}

// SharedParams is the per-swap data both parties agree on during setup
// and both retain for the lifetime of the swap.
type SharedParams struct {
	Id Id

	A *btcec.PublicKey // Seller's Bitcoin key
	B *btcec.PublicKey // Buyer's Bitcoin key

	SAXmr [32]byte // Seller's Monero spend share, S_a_xmr
	SBXmr [32]byte // Buyer's Monero spend share, S_b_xmr
	V     [32]byte // shared Monero view scalar, v_a + v_b, little-endian

	TCancel uint32 // T_cancel, BIP-68 relative block count
	TPunish uint32 // T_punish, BIP-68 relative block count

	RefundAddress btcutil.Address // Buyer's refund address
	RedeemAddress btcutil.Address // Seller's redeem address
	PunishAddress btcutil.Address // Seller's punish address

	Btc btcutil.Amount // amount of Bitcoin being swapped
	Xmr Piconero        // amount of Monero being swapped
}

// Piconero is the atomic Monero unit, 10^-12 XMR.
type Piconero uint64

const PiconeroPerXmr Piconero = 1_000_000_000_000

func (p Piconero) Xmr() float64 {
	return float64(p) / float64(PiconeroPerXmr)
}
