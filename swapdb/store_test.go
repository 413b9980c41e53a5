package swapdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ghostwire-labs/xmrbtc-swap/swap"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "swap.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertGetLatestState(t *testing.T) {
	db := openTestDB(t)
	id := swap.NewId()

	_, err := db.GetLatestState(id)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.InsertLatestState(id, []byte(`{"kind":"Started"}`)))
	require.NoError(t, db.InsertLatestState(id, []byte(`{"kind":"Negotiated"}`)))

	got, err := db.GetLatestState(id)
	require.NoError(t, err)
	require.Equal(t, `{"kind":"Negotiated"}`, string(got))

	history, err := db.StateHistory(id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, `{"kind":"Started"}`, string(history[0]))
	require.Equal(t, `{"kind":"Negotiated"}`, string(history[1]))
}

// TestStateHistoryMonotonicityAndTerminality drives a sequence of opaque
// "kind" tags through InsertLatestState and checks two invariants: once a
// kind appears it never appears again (no backwards transitions back to
// an earlier logical stage), and nothing follows a terminal kind.
func TestStateHistoryMonotonicityAndTerminality(t *testing.T) {
	db := openTestDB(t)
	id := swap.NewId()

	order := map[string]int{
		"Started":     0,
		"Negotiated":  1,
		"BtcLocked":   2,
		"XmrLocked":   3,
		"BtcRedeemed": 4,
	}
	terminal := map[string]bool{"BtcRedeemed": true}

	sequence := []string{"Started", "Negotiated", "BtcLocked", "XmrLocked", "BtcRedeemed"}
	for _, kind := range sequence {
		require.NoError(t, db.InsertLatestState(id, []byte(`{"kind":"`+kind+`"}`)))
	}

	history, err := db.StateHistory(id)
	require.NoError(t, err)
	require.Len(t, history, len(sequence))

	sawTerminal := false
	lastRank := -1
	for i, raw := range history {
		kind := sequence[i]
		require.False(t, sawTerminal, "state %q followed a terminal state", kind)
		rank, ok := order[kind]
		require.True(t, ok)
		require.Greater(t, rank, lastRank, "state %q is not forward of the prior state", kind)
		lastRank = rank
		if terminal[kind] {
			sawTerminal = true
		}
		require.Contains(t, string(raw), kind)
	}
}

func TestAllLatestCoversEverySwap(t *testing.T) {
	db := openTestDB(t)
	idA, idB := swap.NewId(), swap.NewId()

	require.NoError(t, db.InsertLatestState(idA, []byte(`{"kind":"Started"}`)))
	require.NoError(t, db.InsertLatestState(idB, []byte(`{"kind":"BtcLocked"}`)))

	all, err := db.AllLatest()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, `{"kind":"Started"}`, string(all[idA]))
	require.Equal(t, `{"kind":"BtcLocked"}`, string(all[idB]))
}

func TestPeerAndAddressBook(t *testing.T) {
	db := openTestDB(t)
	id := swap.NewId()
	p := peer.ID("12D3KooWExamplePeerId")

	require.NoError(t, db.InsertPeer(id, p))
	got, err := db.GetPeer(id)
	require.NoError(t, err)
	require.Equal(t, p, got)

	require.NoError(t, db.InsertAddress(p, "/ip4/127.0.0.1/tcp/9939"))
	require.NoError(t, db.InsertAddress(p, "/ip4/10.0.0.1/tcp/9939"))

	addrs, err := db.GetAddresses(p)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"/ip4/127.0.0.1/tcp/9939", "/ip4/10.0.0.1/tcp/9939"}, addrs)
}

func TestMoneroAddressBook(t *testing.T) {
	db := openTestDB(t)
	id := swap.NewId()

	_, err := db.GetMoneroAddress(id)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.InsertMoneroAddress(id, "4ExampleAddress"))
	got, err := db.GetMoneroAddress(id)
	require.NoError(t, err)
	require.Equal(t, "4ExampleAddress", got)
}

func TestBufferedTransferProofTakeOnce(t *testing.T) {
	db := openTestDB(t)
	id := swap.NewId()

	_, err := db.TakeBufferedTransferProof(id)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.BufferTransferProof(id, []byte(`{"tx_hash":"abc"}`)))

	got, err := db.TakeBufferedTransferProof(id)
	require.NoError(t, err)
	require.Equal(t, `{"tx_hash":"abc"}`, string(got))

	_, err = db.TakeBufferedTransferProof(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReadOnlyOpenRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swap.db")

	db := openAndClose(t, path)
	_ = db

	ro, err := Open(path, true)
	require.NoError(t, err)
	defer ro.Close()

	err = ro.InsertLatestState(swap.NewId(), []byte(`{}`))
	require.Error(t, err)
}

func openAndClose(t *testing.T, path string) *DB {
	t.Helper()
	db, err := Open(path, false)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
	return db
}
