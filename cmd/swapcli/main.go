package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/monero-ecosystem/go-monero-rpc-client/wallet"
	"github.com/urfave/cli"

	"github.com/ghostwire-labs/xmrbtc-swap/chain/btc"
	"github.com/ghostwire-labs/xmrbtc-swap/chain/xmr"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/buyer"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/seller"
	"github.com/ghostwire-labs/xmrbtc-swap/swapdb"
)

// swapcli is a read-only status tool: it opens the running daemon's
// swap.db with swapdb.Open(path, true) rather than talking to swapd over
// any control-plane RPC, matching the "two modes" swapdb.Open's readOnly
// argument was built for. "balance" is the one exception, since a
// balance figure has no persisted row to read — it asks the wallets
// directly, the same two RPC endpoints swapd itself was configured
// against.
func main() {
	app := cli.NewApp()
	app.Name = "swapcli"
	app.Usage = "inspect a swapd node's swap history and wallet balances"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "datadir", Value: "swapd-data", Usage: "swapd's data directory"},
	}
	app.Commands = []cli.Command{historyCommand, balanceCommand}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "swapcli:", err)
		os.Exit(1)
	}
}

var historyCommand = cli.Command{
	Name:  "history",
	Usage: "list every swap in the daemon's database and its current state",
	Action: func(ctx *cli.Context) error {
		dbPath := filepath.Join(ctx.GlobalString("datadir"), "swap.db")
		db, err := swapdb.Open(dbPath, true)
		if err != nil {
			return fmt.Errorf("open %s: %w", dbPath, err)
		}
		defer db.Close()

		all, err := db.AllLatest()
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("no swaps recorded")
			return nil
		}
		for id, raw := range all {
			fmt.Printf("%s  %s\n", id, describeState(raw))
		}
		return nil
	},
}

// describeState tries both roles' Decode, since a single swapcli
// invocation doesn't know ahead of time whether the daemon it's
// inspecting is running as Seller or Buyer.
func describeState(raw []byte) string {
	if s, err := seller.Decode(raw); err == nil {
		return fmt.Sprintf("seller:%s", s.Kind())
	}
	if s, err := buyer.Decode(raw); err == nil {
		return fmt.Sprintf("buyer:%s", s.Kind())
	}
	return "unknown state"
}

var balanceCommand = cli.Command{
	Name:  "balance",
	Usage: "print on-chain and wallet-rpc balances for both legs",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "btc.rpchost"},
		cli.StringFlag{Name: "btc.rpcuser"},
		cli.StringFlag{Name: "btc.rpcpass"},
		cli.StringFlag{Name: "xmr.walletrpc"},
	},
	Action: func(ctx *cli.Context) error {
		ctxBg := context.Background()

		btcConn, err := rpcclient.New(&rpcclient.ConnConfig{
			Host:         ctx.String("btc.rpchost"),
			User:         ctx.String("btc.rpcuser"),
			Pass:         ctx.String("btc.rpcpass"),
			HTTPPostMode: true,
			DisableTLS:   true,
		}, nil)
		if err != nil {
			return fmt.Errorf("connect to bitcoin node: %w", err)
		}
		defer btcConn.Shutdown()
		btcWallet := btc.NewRPCWallet(btcConn, nil)

		btcBal, err := btcWallet.Balance(ctxBg)
		if err != nil {
			return fmt.Errorf("bitcoin balance: %w", err)
		}
		fmt.Printf("btc: %s\n", btcBal)

		xmrClient := wallet.New(wallet.Config{Address: ctx.String("xmr.walletrpc")})
		xmrWallet := xmr.NewRPCWallet(xmrClient)

		total, err := xmrWallet.TotalBalance(ctxBg)
		if err != nil {
			return fmt.Errorf("monero total balance: %w", err)
		}
		unlocked, err := xmrWallet.UnlockedBalance(ctxBg)
		if err != nil {
			return fmt.Errorf("monero unlocked balance: %w", err)
		}
		fmt.Printf("xmr: %.12f total, %.12f unlocked\n",
			float64(total)/float64(xmr.PiconeroPerXmr),
			float64(unlocked)/float64(xmr.PiconeroPerXmr))
		return nil
	},
}
