// Package swapcfg holds the two fixed network profiles of §6.6: mainnet
// and testnet. Each profile pins the Bitcoin and Monero network, default
// timelocks, confirmation targets, and fee/estimation constants, the way
// the teacher's watchtower/wtpolicy.Policy holds tunables as a plain
// struct with a DefaultPolicy() constructor.
package swapcfg

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

// MoneroNetwork is a coarse tag for the Monero network, mirroring
// chaincfg.Params for Bitcoin since go-monero-rpc-client has no equivalent
// registry type.
type MoneroNetwork string

const (
	MoneroMainnet MoneroNetwork = "mainnet"
	MoneroStagenet MoneroNetwork = "stagenet"
)

// Profile is one of the two fixed environment profiles of §6.6. Both
// peers must present the same profile at spot-price time, or the setup is
// rejected with BlockchainNetworkMismatch.
type Profile struct {
	Name string

	BtcParams    *chaincfg.Params
	MoneroParams MoneroNetwork

	// DefaultTCancel/DefaultTPunish are the BIP-68 relative block counts
	// used when a swap does not otherwise negotiate bespoke timelocks.
	DefaultTCancel uint32
	DefaultTPunish uint32

	// BtcConfirmationTarget is how many confirmations tx_lock needs
	// before the Seller transfers XMR.
	BtcConfirmationTarget uint32
	// XmrConfirmationTarget is how many confirmations the Monero
	// transfer needs before the Buyer trusts it (§6.2 conf_target).
	XmrConfirmationTarget uint64

	// SetupTimeout bounds §4.4's substream lifetime, in seconds.
	SetupTimeoutSeconds uint32
	// RequestTimeout bounds a single request/response exchange (bid
	// quote, enc-sig send), in seconds.
	RequestTimeoutSeconds uint32
}

// Mainnet is Bitcoin mainnet + Monero mainnet.
var Mainnet = Profile{
	Name:                  "mainnet",
	BtcParams:             &chaincfg.MainNetParams,
	MoneroParams:          MoneroMainnet,
	DefaultTCancel:        144,
	DefaultTPunish:        144,
	BtcConfirmationTarget: 1,
	XmrConfirmationTarget: 10,
	SetupTimeoutSeconds:   120,
	RequestTimeoutSeconds: 60,
}

// Testnet is Bitcoin testnet3 + Monero stagenet.
var Testnet = Profile{
	Name:                  "testnet",
	BtcParams:             &chaincfg.TestNet3Params,
	MoneroParams:          MoneroStagenet,
	DefaultTCancel:        12,
	DefaultTPunish:        6,
	BtcConfirmationTarget: 1,
	XmrConfirmationTarget: 5,
	SetupTimeoutSeconds:   120,
	RequestTimeoutSeconds: 60,
}

// SetupTimeout is SetupTimeoutSeconds as a time.Duration, for callers
// building a context.WithTimeout around a setup substream.
func (p Profile) SetupTimeout() time.Duration {
	return time.Duration(p.SetupTimeoutSeconds) * time.Second
}

// RequestTimeout is RequestTimeoutSeconds as a time.Duration.
func (p Profile) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds) * time.Second
}

// ByName returns Mainnet or Testnet for "mainnet"/"testnet", or false if
// name does not match either fixed profile.
func ByName(name string) (Profile, bool) {
	switch name {
	case Mainnet.Name:
		return Mainnet, true
	case Testnet.Name:
		return Testnet, true
	default:
		return Profile{}, false
	}
}
