package xmr

import (
	"context"
	"fmt"

	walletrpc "github.com/monero-ecosystem/go-monero-rpc-client/wallet"
)

// RPCWallet implements Wallet over monero-wallet-rpc, via
// go-monero-rpc-client/wallet. It is the sole place in the module that
// speaks the wallet-rpc wire shape; everything above it consumes the
// narrow Wallet interface instead.
type RPCWallet struct {
	client walletrpc.Client
}

// NewRPCWallet wraps an already-connected wallet-rpc client.
func NewRPCWallet(client walletrpc.Client) *RPCWallet {
	return &RPCWallet{client: client}
}

func (w *RPCWallet) MainAddress(ctx context.Context) (string, error) {
	resp, err := w.client.GetAddress(&walletrpc.RequestGetAddress{AccountIndex: 0})
	if err != nil {
		return "", fmt.Errorf("xmr: get_address: %w", err)
	}
	return resp.Address, nil
}

func (w *RPCWallet) TotalBalance(ctx context.Context) (Piconero, error) {
	resp, err := w.client.GetBalance(&walletrpc.RequestGetBalance{AccountIndex: 0})
	if err != nil {
		return 0, fmt.Errorf("xmr: get_balance: %w", err)
	}
	return Piconero(resp.Balance), nil
}

func (w *RPCWallet) UnlockedBalance(ctx context.Context) (Piconero, error) {
	resp, err := w.client.GetBalance(&walletrpc.RequestGetBalance{AccountIndex: 0})
	if err != nil {
		return 0, fmt.Errorf("xmr: get_balance: %w", err)
	}
	return Piconero(resp.UnlockedBalance), nil
}

func (w *RPCWallet) Transfer(ctx context.Context, to string, amount Piconero) (TransferProof, error) {
	resp, err := w.client.Transfer(&walletrpc.RequestTransfer{
		Destinations: []walletrpc.Destination{{Address: to, Amount: uint64(amount)}},
		AccountIndex: 0,
		GetTxKey:     true,
	})
	if err != nil {
		return TransferProof{}, fmt.Errorf("xmr: transfer: %w", err)
	}
	log.Debugf("transferred %d piconero to %s, tx=%s", amount, to, resp.TxHash)
	return TransferProof{TxHash: resp.TxHash, TxKey: resp.TxKey}, nil
}

func (w *RPCWallet) CheckTxKey(ctx context.Context, proof TransferProof, address string) (uint64, Piconero, error) {
	resp, err := w.client.CheckTxKey(&walletrpc.RequestCheckTxKey{
		TxID:    proof.TxHash,
		TxKey:   proof.TxKey,
		Address: address,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("xmr: check_tx_key: %w", err)
	}
	return resp.Confirmations, Piconero(resp.Received), nil
}

func (w *RPCWallet) WatchForTransfer(ctx context.Context, destSpend, view [32]byte, proof TransferProof, expectedAmount Piconero, confTarget uint64) error {
	address := subaddressFromKeys(destSpend, view)
	for {
		confirmations, received, err := w.CheckTxKey(ctx, proof, address)
		if err != nil {
			return err
		}
		if received < expectedAmount {
			return fmt.Errorf("%w: expected %d, got %d", ErrInsufficientFunds, expectedAmount, received)
		}
		if confirmations >= confTarget {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (w *RPCWallet) Refresh(ctx context.Context) error {
	_, err := w.client.Refresh(&walletrpc.RequestRefresh{})
	if err != nil {
		return fmt.Errorf("xmr: refresh: %w", err)
	}
	return nil
}

func (w *RPCWallet) WaitUntilSynced(ctx context.Context, progress func(height, target uint64)) error {
	for {
		height, err := w.client.GetHeight()
		if err != nil {
			return fmt.Errorf("xmr: get_height: %w", err)
		}
		if progress != nil {
			progress(height.Height, height.Height)
		}
		return nil
	}
}

func (w *RPCWallet) CreateFromKeys(ctx context.Context, spendPriv, viewPriv [32]byte, restoreHeight uint64) error {
	_, err := w.client.GenerateFromKeys(&walletrpc.RequestGenerateFromKeys{
		Spendkey:     hexEncode(spendPriv[:]),
		Viewkey:      hexEncode(viewPriv[:]),
		RestoreHeight: restoreHeight,
	})
	if err != nil {
		return fmt.Errorf("xmr: generate_from_keys: %w", err)
	}
	return nil
}

// subaddressFromKeys derives the Monero standard address string for a
// (spend, view) public key pair. go-monero-rpc-client is a JSON-RPC
// client only; it has no address-encoding helper, and no other pack
// dependency implements Monero's base58 variant, so this package carries
// its own minimal encoder rather than reach for bitcoin-style base58check.
func subaddressFromKeys(spend, view [32]byte) string {
	return encodeMoneroAddress(networkTag, spend, view)
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}
