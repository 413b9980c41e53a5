package setup

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/ghostwire-labs/xmrbtc-swap/chain/btc"
	"github.com/ghostwire-labs/xmrbtc-swap/swap"
	"github.com/ghostwire-labs/xmrbtc-swap/swapnet/message"

	"filippo.io/edwards25519"
)

// RunBuyer drives the Buyer's side of §4.3 end to end: M0 out, M1 in
// (verified), tx_lock built and sent as M2, M3 in (verified), M4 out.
// It returns once the substream's fixed message sequence is complete; the
// caller (eventloop.BuyerLoop.StartSwap) persists Negotiated only after
// this returns successfully, per §9 "setup is all-or-nothing."
func RunBuyer(ctx context.Context, stream Stream, in BuyerInput, wallet btc.Wallet, feeRate btcutil.Amount) (*Result, error) {
	var vBPriv [32]byte
	copy(vBPriv[:], in.Keys.VSec.Bytes())

	m0 := message.M0{
		SwapId:        in.SwapId,
		BBtc:          in.Keys.BSec.PubKey().SerializeCompressed(),
		SBBtc:         in.Keys.SBtc().SerializeCompressed(),
		SBXmr:         in.Keys.SXmr(),
		DleqProofB:    mustMarshalProof(in.Proof),
		VBPriv:        vBPriv,
		RefundAddress: in.RefundAddress.EncodeAddress(),
	}
	if err := stream.Send(m0); err != nil {
		return nil, fmt.Errorf("setup: send M0: %w", err)
	}

	var m1 message.M1
	if err := stream.Recv(&m1); err != nil {
		return nil, fmt.Errorf("setup: recv M1: %w", err)
	}
	if m1.SwapId != in.SwapId {
		return nil, ErrUnexpectedSwapId
	}
	if err := checkTimelocks(m1.TCancel, m1.TPunish); err != nil {
		return nil, err
	}

	aBtc, err := btcec.ParsePubKey(m1.ABtc)
	if err != nil {
		return nil, ErrSignatureInvalid
	}
	sABtc, err := btcec.ParsePubKey(m1.SABtc)
	if err != nil {
		return nil, ErrSignatureInvalid
	}
	if err := verifyPeerDleq(m1.DleqProofA, sABtc, m1.SAXmr); err != nil {
		return nil, err
	}

	redeemAddr, err := btcutil.DecodeAddress(m1.RedeemAddress, wallet.Network())
	if err != nil {
		return nil, fmt.Errorf("setup: decode redeem address: %w", err)
	}
	punishAddr, err := btcutil.DecodeAddress(m1.PunishAddress, wallet.Network())
	if err != nil {
		return nil, fmt.Errorf("setup: decode punish address: %w", err)
	}

	vAScalar, err := edwards25519.NewScalar().SetCanonicalBytes(m1.VAPriv[:])
	if err != nil {
		return nil, fmt.Errorf("setup: decode v_a_priv: %w", err)
	}
	vCombined := edwards25519.NewScalar().Add(vAScalar, in.Keys.VSec)
	var v [32]byte
	copy(v[:], vCombined.Bytes())

	bBtc := in.Keys.BSec.PubKey()

	lockAddr, lockScript, err := btc.LockAddress(aBtc, bBtc, wallet.Network())
	if err != nil {
		return nil, err
	}

	txLock, err := wallet.BuildTxLock(ctx, lockAddr, in.ExpectedBtc)
	if err != nil {
		return nil, fmt.Errorf("setup: build tx_lock: %w", err)
	}

	m2 := message.M2{SwapId: in.SwapId, TxLock: mustSerializeTx(txLock)}
	if err := stream.Send(m2); err != nil {
		return nil, fmt.Errorf("setup: send M2: %w", err)
	}

	lockOut, err := verifyTxLock(txLock, aBtc, bBtc, in.ExpectedBtc)
	if err != nil {
		return nil, err
	}

	txCancel, err := btc.BuildTxCancel(lockOut, aBtc, bBtc, m1.TCancel, feeRate)
	if err != nil {
		return nil, fmt.Errorf("setup: build tx_cancel: %w", err)
	}
	cancelDigest, err := btc.SighashDigest(txCancel, lockScript, lockOut.Value)
	if err != nil {
		return nil, err
	}

	var m3 message.M3
	if err := stream.Recv(&m3); err != nil {
		return nil, fmt.Errorf("setup: recv M3: %w", err)
	}
	if m3.SwapId != in.SwapId {
		return nil, ErrUnexpectedSwapId
	}
	if err := verifyCleartextSig(m3.TxCancelSig, cancelDigest, aBtc); err != nil {
		return nil, err
	}

	cancelOut := btc.Outpoint{Hash: txCancel.TxHash(), Index: 0, Value: lockOut.Value}
	txRefund, err := btc.BuildTxRefund(cancelOut, in.RefundAddress, feeRate)
	if err != nil {
		return nil, fmt.Errorf("setup: build tx_refund: %w", err)
	}
	refundDigest, err := btc.SighashDigest(txRefund, lockScript, cancelOut.Value)
	if err != nil {
		return nil, err
	}
	refundEncSig, err := verifyEncSig(m3.TxRefundEncSig, aBtc, bBtc, refundDigest)
	if err != nil {
		return nil, err
	}

	txPunish, err := btc.BuildTxPunish(cancelOut, punishAddr, m1.TPunish, feeRate)
	if err != nil {
		return nil, fmt.Errorf("setup: build tx_punish: %w", err)
	}

	ownCancelSig, err := btc.SignInput(txCancel, lockScript, lockOut.Value, in.Keys.BSec)
	if err != nil {
		return nil, fmt.Errorf("setup: sign tx_cancel: %w", err)
	}
	ownPunishSig, err := btc.SignInput(txPunish, lockScript, cancelOut.Value, in.Keys.BSec)
	if err != nil {
		return nil, fmt.Errorf("setup: sign tx_punish: %w", err)
	}

	m4 := message.M4{SwapId: in.SwapId, TxCancelSig: ownCancelSig, TxPunishSig: ownPunishSig}
	if err := stream.Send(m4); err != nil {
		return nil, fmt.Errorf("setup: send M4: %w", err)
	}

	txRedeem, err := btc.BuildTxRedeem(lockOut, redeemAddr, feeRate)
	if err != nil {
		return nil, fmt.Errorf("setup: build tx_redeem: %w", err)
	}

	shared := swap.SharedParams{
		Id:            in.SwapId,
		A:             aBtc,
		B:             bBtc,
		SAXmr:         m1.SAXmr,
		SBXmr:         in.Keys.SXmr(),
		V:             v,
		TCancel:       m1.TCancel,
		TPunish:       m1.TPunish,
		RefundAddress: in.RefundAddress,
		RedeemAddress: redeemAddr,
		PunishAddress: punishAddr,
		Btc:           in.ExpectedBtc,
		Xmr:           in.ExpectedXmr,
	}

	log.Infof("setup: buyer completed handshake for swap %s", in.SwapId)

	return &Result{
		Shared:          shared,
		TxLock:          txLock,
		TxCancel:        txCancel,
		TxRefund:        txRefund,
		TxPunish:        txPunish,
		TxRedeem:        txRedeem,
		WitnessScript:   lockScript,
		OwnTxCancelSig:  ownCancelSig,
		OwnTxPunishSig:  ownPunishSig,
		PeerTxCancelSig: m3.TxCancelSig,
		TxRefundEncSig:  refundEncSig,
		PeerSBtc:        sABtc,
	}, nil
}

func mustMarshalProof(p interface{ MarshalBinary() ([]byte, error) }) []byte {
	b, err := p.MarshalBinary()
	if err != nil {
		panic("setup: proof failed to marshal: " + err.Error())
	}
	return b
}

func mustSerializeTx(tx *wire.MsgTx) []byte {
	buf := make([]byte, 0, tx.SerializeSize())
	w := &sliceWriter{buf: &buf}
	if err := tx.Serialize(w); err != nil {
		panic("setup: tx failed to serialize: " + err.Error())
	}
	return buf
}

func deserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytesReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

type sliceWriter struct{ buf *[]byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

