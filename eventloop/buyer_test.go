package eventloop

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ghostwire-labs/xmrbtc-swap/swap"
	"github.com/ghostwire-labs/xmrbtc-swap/swapcfg"
	"github.com/ghostwire-labs/xmrbtc-swap/swapdb"
	"github.com/ghostwire-labs/xmrbtc-swap/swapnet/message"
)

func swapTestProfile() swapcfg.Profile { return swapcfg.Testnet }

func openTestDB(t *testing.T) *swapdb.DB {
	t.Helper()
	db, err := swapdb.Open(filepath.Join(t.TempDir(), "swap.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBuyerLoopHandleTransferProofBuffersWhenNoDriver(t *testing.T) {
	db := openTestDB(t)
	l := NewBuyerLoop(swapTestProfile(), db, nil, nil, nil)

	id := swap.NewId()
	req := message.TransferProofRequest{SwapId: id, TxHash: "deadbeef", TxKey: "cafebabe"}
	_, err := l.HandleTransferProof("", req)
	require.ErrorIs(t, err, ErrSwapNotFound)

	data, err := db.TakeBufferedTransferProof(id)
	require.NoError(t, err)
	require.Contains(t, string(data), "deadbeef")
	require.Contains(t, string(data), "cafebabe")

	// Taken once: a second take finds nothing left to buffer.
	_, err = db.TakeBufferedTransferProof(id)
	require.ErrorIs(t, err, swapdb.ErrNotFound)
}

func TestBuyerLoopHandleTransferProofDeliversToRegisteredDriver(t *testing.T) {
	db := openTestDB(t)
	l := NewBuyerLoop(swapTestProfile(), db, nil, nil, nil)

	id := swap.NewId()
	driver, err := l.register(id, "")
	require.NoError(t, err)
	require.NotNil(t, driver)

	req := message.TransferProofRequest{SwapId: id, TxHash: "deadbeef", TxKey: "cafebabe"}
	_, err = l.HandleTransferProof("", req)
	require.NoError(t, err)

	// Delivered straight to the driver's channel, never durably
	// buffered, since a driver already existed to take it.
	_, err = db.TakeBufferedTransferProof(id)
	require.ErrorIs(t, err, swapdb.ErrNotFound)
}

func TestBuyerLoopRegisterRejectsDuplicate(t *testing.T) {
	db := openTestDB(t)
	l := NewBuyerLoop(swapTestProfile(), db, nil, nil, nil)

	id := swap.NewId()
	_, err := l.register(id, "")
	require.NoError(t, err)

	_, err = l.register(id, "")
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestBuyerLoopHandleEncSigAlwaysRejected(t *testing.T) {
	l := NewBuyerLoop(swapTestProfile(), nil, nil, nil, nil)
	_, err := l.HandleEncSig("", message.EncSigRequest{})
	require.Error(t, err)
}

func TestBuyerLoopHandleSpotPriceAlwaysRejected(t *testing.T) {
	l := NewBuyerLoop(swapTestProfile(), nil, nil, nil, nil)
	resp := l.HandleSpotPriceRequest("", message.SpotPriceRequest{})
	require.True(t, resp.IsError())
}
