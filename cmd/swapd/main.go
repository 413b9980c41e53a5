package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/monero-ecosystem/go-monero-rpc-client/wallet"

	swapcore "github.com/ghostwire-labs/xmrbtc-swap"
	"github.com/ghostwire-labs/xmrbtc-swap/buildlog"
	"github.com/ghostwire-labs/xmrbtc-swap/chain/btc"
	"github.com/ghostwire-labs/xmrbtc-swap/chain/xmr"
	"github.com/ghostwire-labs/xmrbtc-swap/eventloop"
	"github.com/ghostwire-labs/xmrbtc-swap/swapdb"
	"github.com/ghostwire-labs/xmrbtc-swap/swapnet"
)

// resumer is implemented by both eventloop.SellerLoop and
// eventloop.BuyerLoop; swapd only needs to know which one Resume to call
// once it has built whichever loop the configured role wants.
type resumer interface {
	Resume() error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "swapd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	profile, err := cfg.profile()
	if err != nil {
		return err
	}

	backend := buildlog.NewBackend(nil)
	swapcore.SetupLoggers(backend, btclog.LevelInfo)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	db, err := swapdb.Open(filepath.Join(cfg.DataDir, "swap.db"), false)
	if err != nil {
		return fmt.Errorf("open swap database: %w", err)
	}
	defer db.Close()

	btcConn, err := rpcclient.New(cfg.btcConnConfig(), nil)
	if err != nil {
		return fmt.Errorf("connect to bitcoin node: %w", err)
	}
	defer btcConn.Shutdown()
	btcWallet := btc.NewRPCWallet(btcConn, profile.BtcParams)

	xmrClient := wallet.New(wallet.Config{Address: cfg.XmrWalletRPC})
	xmrWallet := xmr.NewRPCWallet(xmrClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host, err := swapnet.NewHost(swapnet.Config{
		Ctx:            ctx,
		KeyFile:        filepath.Join(cfg.DataDir, "identity.key"),
		ListenIP:       cfg.ListenIP,
		Port:           cfg.Port,
		Bootnodes:      cfg.Bootnodes,
		SetupTimeout:   profile.SetupTimeout(),
		RequestTimeout: profile.RequestTimeout(),
	})
	if err != nil {
		return fmt.Errorf("construct network host: %w", err)
	}

	var r resumer
	switch cfg.Role {
	case "seller":
		loop := eventloop.NewSellerLoop(eventloop.SellerConfig{
			Profile:     profile,
			PricePerBtc: cfg.SellerPricePerBtc,
			MinQuantity: cfg.SellerMinSats,
			MaxQuantity: cfg.SellerMaxSats,
		}, db, btcWallet, xmrWallet, host)
		host.SetHandlers(loop)
		r = loop
	case "buyer":
		loop := eventloop.NewBuyerLoop(profile, db, btcWallet, xmrWallet, host)
		host.SetHandlers(loop)
		r = loop
	default:
		return fmt.Errorf("role must be %q or %q, got %q", "seller", "buyer", cfg.Role)
	}

	if err := host.Start(); err != nil {
		return fmt.Errorf("start network host: %w", err)
	}
	if err := r.Resume(); err != nil {
		return fmt.Errorf("resume in-flight swaps: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	return nil
}
