package main

import (
	"fmt"

	"github.com/btcsuite/btcd/rpcclient"
	flags "github.com/jessevdk/go-flags"

	"github.com/ghostwire-labs/xmrbtc-swap/swapcfg"
)

const defaultDataDir = "swapd-data"

// config mirrors the teacher's own lncfg-style flat struct parsed by
// jessevdk/go-flags: one struct, one set of `long`/`default`/
// `description` tags, no subcommands.
type config struct {
	DataDir string `long:"datadir" description:"directory holding the swap database and node identity" default:"swapd-data"`
	Network string `long:"network" description:"mainnet or testnet" default:"testnet"`

	ListenIP  string   `long:"listenip" default:"0.0.0.0"`
	Port      uint16   `long:"port" default:"9735"`
	Bootnodes []string `long:"bootnode" description:"multiaddr (with /p2p/<id>) of a peer to dial at startup; may be repeated"`

	Role string `long:"role" description:"seller or buyer"`

	BtcRPCHost string `long:"btc.rpchost" description:"host:port of the Bitcoin node's JSON-RPC interface"`
	BtcRPCUser string `long:"btc.rpcuser"`
	BtcRPCPass string `long:"btc.rpcpass"`

	XmrWalletRPC string `long:"xmr.walletrpc" description:"address of monero-wallet-rpc, e.g. http://127.0.0.1:18083/json_rpc"`

	SellerPricePerBtc uint64 `long:"seller.pricopiconeroperbtc" description:"quoted price in piconero per whole bitcoin"`
	SellerMinSats     uint64 `long:"seller.minsatoshis"`
	SellerMaxSats     uint64 `long:"seller.maxsatoshis"`
}

func loadConfig() (*config, error) {
	cfg := config{
		DataDir:  defaultDataDir,
		Network:  "testnet",
		ListenIP: "0.0.0.0",
		Port:     9735,
	}
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *config) profile() (swapcfg.Profile, error) {
	p, ok := swapcfg.ByName(cfg.Network)
	if !ok {
		return swapcfg.Profile{}, fmt.Errorf("unknown network %q, must be %q or %q", cfg.Network, swapcfg.Mainnet.Name, swapcfg.Testnet.Name)
	}
	return p, nil
}

func (cfg *config) btcConnConfig() *rpcclient.ConnConfig {
	return &rpcclient.ConnConfig{
		Host:         cfg.BtcRPCHost,
		User:         cfg.BtcRPCUser,
		Pass:         cfg.BtcRPCPass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
}
