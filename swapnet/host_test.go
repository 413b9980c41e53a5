package swapnet

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/ghostwire-labs/xmrbtc-swap/swapnet/message"
)

type stubHandler struct {
	spotPrice message.SpotPriceResponse
	quote     message.BidQuoteResponse
}

func (h *stubHandler) HandleSpotPriceRequest(peer.ID, message.SpotPriceRequest) message.SpotPriceResponse {
	return h.spotPrice
}
func (h *stubHandler) HandleQuoteRequest(peer.ID) message.BidQuoteResponse { return h.quote }
func (h *stubHandler) HandleSwapSetup(_ peer.ID, stream *FramedStream)     { _ = stream.Close() }
func (h *stubHandler) HandleTransferProof(_ peer.ID, req message.TransferProofRequest) (message.TransferProofResponse, error) {
	return message.TransferProofResponse{}, nil
}
func (h *stubHandler) HandleEncSig(_ peer.ID, req message.EncSigRequest) (message.EncSigResponse, error) {
	return message.EncSigResponse{}, nil
}

func newTestHost(t *testing.T) *Host {
	t.Helper()
	dir := t.TempDir()
	h, err := NewHost(Config{
		Ctx:            context.Background(),
		KeyFile:        filepath.Join(dir, "node.key"),
		ListenIP:       "127.0.0.1",
		Port:           0,
		SetupTimeout:   5 * time.Second,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

func TestSpotPriceAndQuoteRoundTrip(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)

	xmr := uint64(42)
	b.SetHandlers(&stubHandler{
		spotPrice: message.SpotPriceResponse{Xmr: &xmr},
		quote:     message.BidQuoteResponse{Price: 1000, MinQuantity: 1, MaxQuantity: 100},
	})
	a.SetHandlers(&stubHandler{})

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	bAddrInfo := peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()}
	require.NoError(t, a.h.Connect(context.Background(), bAddrInfo))

	spotStream, err := a.OpenRequestStream(context.Background(), b.ID(), SpotPriceID)
	require.NoError(t, err)
	require.NoError(t, spotStream.Send(message.SpotPriceRequest{Btc: 100000, BlockchainNetwork: "testnet"}))
	var spotResp message.SpotPriceResponse
	require.NoError(t, spotStream.Recv(&spotResp))
	require.NoError(t, spotStream.Close())
	require.False(t, spotResp.IsError())
	require.Equal(t, xmr, *spotResp.Xmr)

	quoteStream, err := a.OpenRequestStream(context.Background(), b.ID(), QuoteID)
	require.NoError(t, err)
	var quoteResp message.BidQuoteResponse
	require.NoError(t, quoteStream.Recv(&quoteResp))
	require.NoError(t, quoteStream.Close())
	require.Equal(t, uint64(1000), quoteResp.Price)
}

func TestSwapSetupStreamOpensAndCloses(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)

	a.SetHandlers(&stubHandler{})
	b.SetHandlers(&stubHandler{})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	require.NoError(t, a.h.Connect(context.Background(), peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()}))

	setupStream, err := a.OpenSetupStream(context.Background(), b.ID())
	require.NoError(t, err)
	require.NoError(t, setupStream.Close())
}
