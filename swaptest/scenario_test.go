package swaptest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghostwire-labs/xmrbtc-swap/chain/btc"
	"github.com/ghostwire-labs/xmrbtc-swap/crypto/adaptor"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/buyer"
	"github.com/ghostwire-labs/xmrbtc-swap/protocol/seller"
)

const raceTimeout = 5 * time.Second

type sellerRun struct {
	state seller.State
	err   error
}

type buyerRun struct {
	state buyer.State
	err   error
}

func runSellerAsync(ctx context.Context, d *seller.Driver, start seller.State) <-chan sellerRun {
	ch := make(chan sellerRun, 1)
	go func() {
		state, err := d.Run(ctx, start)
		ch <- sellerRun{state, err}
	}()
	return ch
}

func runBuyerAsync(ctx context.Context, d *buyer.Driver, start buyer.State) <-chan buyerRun {
	ch := make(chan buyerRun, 1)
	go func() {
		state, err := d.Run(ctx, start)
		ch <- buyerRun{state, err}
	}()
	return ch
}

// waitBuyerKind polls db until the swap's latest persisted state decodes
// to kind, or ctx expires. It lets a test cut a Driver's context at an
// exact, observed transition instead of guessing at a sleep duration.
func waitBuyerKind(ctx context.Context, h *Harness, kind buyer.Kind) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	id := h.BuyerNegotiated.SwapId()
	for {
		if raw, err := h.BuyerDB.GetLatestState(id); err == nil {
			if s, err := buyer.Decode(raw); err == nil && s.Kind() == kind {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TestHappyPathRedeem drives both roles with every message delivered and
// every chain watch satisfied promptly: the Seller should redeem and the
// Buyer should recover the Monero spend key in turn.
func TestHappyPathRedeem(t *testing.T) {
	h := New(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), raceTimeout)
	defer cancel()

	sellerCh := runSellerAsync(ctx, h.SellerDriver, h.SellerNegotiated)
	buyerCh := runBuyerAsync(ctx, h.BuyerDriver, h.BuyerNegotiated)

	sellerOut := <-sellerCh
	buyerOut := <-buyerCh
	require.NoError(t, sellerOut.err)
	require.NoError(t, buyerOut.err)
	require.Equal(t, seller.KindBtcRedeemed, sellerOut.state.Kind())
	require.Equal(t, buyer.KindXmrRedeemed, buyerOut.state.Kind())

	amount, sent := h.Ledger.sentAmount()
	require.True(t, sent)
	require.Equal(t, h.ExpectedXmr, amount)

	_, claimed := h.BuyerXmr.wasClaimed()
	require.True(t, claimed)
}

// TestSellerNeverLocksXmr models a Seller that vanishes right after
// tx_lock confirms: the Buyer's own Driver never sees a transfer proof,
// so once the cancel timelock expires it must fall back to tx_cancel and
// recover its Bitcoin via tx_refund rather than hang forever.
func TestSellerNeverLocksXmr(t *testing.T) {
	h := New(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), raceTimeout)
	defer cancel()

	buyerCh := runBuyerAsync(ctx, h.BuyerDriver, h.BuyerNegotiated)

	txLockId := h.BuyerResult.TxLock.TxHash()
	lockHeight, err := waitKnown(ctx, h.Chain, txLockId)
	require.NoError(t, err)
	h.Chain.advanceTo(lockHeight + h.Profile.DefaultTCancel + 1)

	buyerOut := <-buyerCh
	require.NoError(t, buyerOut.err)
	require.Equal(t, buyer.KindBtcRefunded, buyerOut.state.Kind())

	_, sent := h.Ledger.sentAmount()
	require.False(t, sent)
}

// TestBuyerNeverSendsEncSig models a Buyer that disappears the instant
// its own tx_lock confirms, before ever producing tx_redeem_encsig. The
// Seller's Driver waits out the cancel timelock and, with no refund ever
// appearing either, eventually punishes.
func TestBuyerNeverSendsEncSig(t *testing.T) {
	h := New(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), raceTimeout)
	defer cancel()

	// The Buyer locked its BTC (it already committed by the time it goes
	// quiet) but no Buyer Driver ever runs in this scenario, so its
	// tx_lock is put on the chain directly rather than broadcast by one.
	lockHeight := h.Chain.currentHeight()
	h.Chain.put(h.SellerResult.TxLock, lockHeight)

	sellerCh := runSellerAsync(ctx, h.SellerDriver, h.SellerNegotiated)

	cancelHeight := lockHeight + h.Profile.DefaultTCancel
	h.Chain.advanceTo(cancelHeight + 1)

	txCancelId := h.SellerResult.TxCancel.TxHash()
	cancelConfirmedHeight, err := waitKnown(ctx, h.Chain, txCancelId)
	require.NoError(t, err)
	h.Chain.advanceTo(cancelConfirmedHeight + h.Profile.DefaultTPunish + 1)

	sellerOut := <-sellerCh
	require.NoError(t, sellerOut.err)
	require.Equal(t, seller.KindBtcPunished, sellerOut.state.Kind())
}

// TestBuyerRefusesRefundWithinPunishWindow differs from
// TestBuyerNeverSendsEncSig in where the Buyer stops cooperating: its
// Driver stays up and follows the Seller all the way into BtcCancelled
// (its tx_redeem_encsig just never arrives, same as a dropped message),
// then simply never broadcasts its own tx_refund. The Seller must still
// win the race once T_punish elapses.
func TestBuyerRefusesRefundWithinPunishWindow(t *testing.T) {
	h := New(t, Options{BuyerPeer: silentPeer{}})
	ctx, cancel := context.WithTimeout(context.Background(), raceTimeout)
	defer cancel()

	sellerCh := runSellerAsync(ctx, h.SellerDriver, h.SellerNegotiated)

	buyerCtx, stopBuyer := context.WithCancel(ctx)
	buyerCh := runBuyerAsync(buyerCtx, h.BuyerDriver, h.BuyerNegotiated)

	txLockId := h.BuyerResult.TxLock.TxHash()
	lockHeight, err := waitKnown(ctx, h.Chain, txLockId)
	require.NoError(t, err)
	h.Chain.advanceTo(lockHeight + h.Profile.DefaultTCancel + 1)

	require.NoError(t, waitBuyerKind(ctx, h, buyer.KindBtcCancelled))
	stopBuyer()
	<-buyerCh // drain the cancelled run so it doesn't leak past the test

	txCancelId := h.SellerResult.TxCancel.TxHash()
	cancelHeight, err := waitKnown(ctx, h.Chain, txCancelId)
	require.NoError(t, err)
	h.Chain.advanceTo(cancelHeight + h.Profile.DefaultTPunish + 1)

	sellerOut := <-sellerCh
	require.NoError(t, sellerOut.err)
	require.Equal(t, seller.KindBtcPunished, sellerOut.state.Kind())
}

// TestBuyerRestartsBetweenLockAndXmrLocked cuts the Buyer's Driver right
// after it records the Seller's transfer proof but before check_tx_key
// has confirmed it, simulating a daemon restart, then resumes a fresh
// Driver from the persisted row and checks the swap still completes.
func TestBuyerRestartsBetweenLockAndXmrLocked(t *testing.T) {
	h := New(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), raceTimeout)
	defer cancel()

	sellerCh := runSellerAsync(ctx, h.SellerDriver, h.SellerNegotiated)

	buyerCtx, stopBuyer := context.WithCancel(ctx)
	buyerCh := runBuyerAsync(buyerCtx, h.BuyerDriver, h.BuyerNegotiated)

	require.NoError(t, waitBuyerKind(ctx, h, buyer.KindXmrLockProofReceived))
	stopBuyer()
	firstRun := <-buyerCh
	require.ErrorIs(t, firstRun.err, context.Canceled)

	raw, err := h.BuyerDB.GetLatestState(h.BuyerNegotiated.SwapId())
	require.NoError(t, err)
	resumed, err := buyer.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, buyer.KindXmrLockProofReceived, resumed.Kind())

	newDriver := buyer.NewDriver(h.BuyerDB, &wallet{network: h.Params, chain: h.Chain}, h.BuyerXmr, &toSeller{driver: h.SellerDriver}, h.Profile.BtcConfirmationTarget, h.Profile.XmrConfirmationTarget)
	finalState, err := newDriver.Run(ctx, resumed)
	require.NoError(t, err)
	require.Equal(t, buyer.KindXmrRedeemed, finalState.Kind())

	sellerOut := <-sellerCh
	require.NoError(t, sellerOut.err)
	require.Equal(t, seller.KindBtcRedeemed, sellerOut.state.Kind())
}

// TestXmrLockedRace enters protocol/seller.Driver directly at XmrLocked,
// the exact node stepXmrLocked races tx_redeem_encsig's arrival against
// the cancel timelock expiring, and checks both outcomes: whichever
// signal is already satisfied when the race starts determines whether
// the Seller redeems or falls back to tx_cancel.
func TestXmrLockedRace(t *testing.T) {
	t.Run("encsig arrives first", func(t *testing.T) {
		h := New(t, Options{})
		snap := h.SellerNegotiated.Snapshot
		snap.LockHeight = h.Chain.currentHeight()
		xmrLocked := &seller.XmrLocked{Snapshot: snap, TransferHash: "deadbeef", TransferKey: "cafebabe"}

		h.SellerDriver.DeliverEncSig(redeemEncSigBytes(t, h))

		ctx, cancel := context.WithTimeout(context.Background(), raceTimeout)
		defer cancel()
		final, err := h.SellerDriver.Run(ctx, xmrLocked)
		require.NoError(t, err)
		require.Equal(t, seller.KindBtcRedeemed, final.Kind())
	})

	t.Run("cancel timelock expires first", func(t *testing.T) {
		h := New(t, Options{})
		snap := h.SellerNegotiated.Snapshot
		snap.LockHeight = h.Chain.currentHeight()
		xmrLocked := &seller.XmrLocked{Snapshot: snap, TransferHash: "deadbeef", TransferKey: "cafebabe"}

		h.Chain.advanceTo(snap.LockHeight + snap.TCancel + 1)

		ctx, cancel := context.WithTimeout(context.Background(), raceTimeout)
		defer cancel()
		sellerCh := runSellerAsync(ctx, h.SellerDriver, xmrLocked)

		// Run only returns at a terminal state: once tx_cancel lands, the
		// punish timelock is let expire too, with no tx_refund ever seen.
		cancelHeight, err := waitKnown(ctx, h.Chain, h.SellerResult.TxCancel.TxHash())
		require.NoError(t, err)
		h.Chain.advanceTo(cancelHeight + snap.TPunish + 1)

		out := <-sellerCh
		require.NoError(t, out.err)
		require.NotEqual(t, seller.KindBtcRedeemed, out.state.Kind())
		require.Equal(t, seller.KindBtcPunished, out.state.Kind())
	})
}

// redeemEncSigBytes reconstructs the Buyer's tx_redeem_encsig the same
// way buyer.Driver.stepXmrLocked does, without running a Buyer Driver at
// all, so TestXmrLockedRace can enter the Seller's state graph directly
// at XmrLocked.
func redeemEncSigBytes(t *testing.T, h *Harness) []byte {
	t.Helper()
	lockOut, err := btc.FindLockOutput(h.SellerResult.TxLock, h.SellerResult.Shared.A, h.SellerResult.Shared.B)
	require.NoError(t, err)
	digest, err := btc.SighashDigest(h.BuyerResult.TxRedeem, h.BuyerResult.WitnessScript, lockOut.Value)
	require.NoError(t, err)
	encsig, err := adaptor.EncSign(h.BuyerKeys.BSec, h.BuyerResult.PeerSBtc, digest)
	require.NoError(t, err)
	raw, err := encsig.MarshalBinary()
	require.NoError(t, err)
	return raw
}
