package setup

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ghostwire-labs/xmrbtc-swap/chain/btc"
	"github.com/ghostwire-labs/xmrbtc-swap/crypto/adaptor"
	"github.com/ghostwire-labs/xmrbtc-swap/swap"
	"github.com/ghostwire-labs/xmrbtc-swap/swapnet/message"

	"filippo.io/edwards25519"
)

// RunSeller drives the Seller's side of §4.3: M0 in (verified), M1 out,
// M2 in (tx_lock verified), M3 out (cancel pre-signature and refund
// encsig), M4 in (verified). It returns the negotiated Result; the
// caller persists Negotiated(state3) only after this returns
// successfully.
func RunSeller(stream Stream, in SellerInput, network *chaincfg.Params, feeRate btcutil.Amount) (*Result, error) {
	var m0 message.M0
	if err := stream.Recv(&m0); err != nil {
		return nil, fmt.Errorf("setup: recv M0: %w", err)
	}

	bBtc, err := btcec.ParsePubKey(m0.BBtc)
	if err != nil {
		return nil, ErrSignatureInvalid
	}
	sBBtc, err := btcec.ParsePubKey(m0.SBBtc)
	if err != nil {
		return nil, ErrSignatureInvalid
	}
	if err := verifyPeerDleq(m0.DleqProofB, sBBtc, m0.SBXmr); err != nil {
		return nil, err
	}
	refundAddr, err := btcutil.DecodeAddress(m0.RefundAddress, network)
	if err != nil {
		return nil, fmt.Errorf("setup: decode refund address: %w", err)
	}

	aBtc := in.Keys.BSec.PubKey()

	var vAPriv [32]byte
	copy(vAPriv[:], in.Keys.VSec.Bytes())

	m1 := message.M1{
		SwapId:        m0.SwapId,
		ABtc:          aBtc.SerializeCompressed(),
		SABtc:         in.Keys.SBtc().SerializeCompressed(),
		SAXmr:         in.Keys.SXmr(),
		DleqProofA:    mustMarshalProof(in.Proof),
		VAPriv:        vAPriv,
		RedeemAddress: in.RedeemAddress.EncodeAddress(),
		PunishAddress: in.PunishAddress.EncodeAddress(),
		TCancel:       in.Profile.DefaultTCancel,
		TPunish:       in.Profile.DefaultTPunish,
	}
	if err := stream.Send(m1); err != nil {
		return nil, fmt.Errorf("setup: send M1: %w", err)
	}

	var m2 message.M2
	if err := stream.Recv(&m2); err != nil {
		return nil, fmt.Errorf("setup: recv M2: %w", err)
	}
	if m2.SwapId != m0.SwapId {
		return nil, ErrUnexpectedSwapId
	}
	txLock, err := deserializeTx(m2.TxLock)
	if err != nil {
		return nil, fmt.Errorf("setup: deserialize tx_lock: %w", err)
	}
	lockOut, err := verifyTxLock(txLock, aBtc, bBtc, in.ExpectedBtc)
	if err != nil {
		return nil, err
	}

	lockScript, err := btc.LockScript(aBtc, bBtc)
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
	ownCancelSig, err := btc.SignInput(txCancel, lockScript, lockOut.Value, in.Keys.BSec)
	if err != nil {
		return nil, fmt.Errorf("setup: sign tx_cancel: %w", err)
	}

	cancelOut := btc.Outpoint{Hash: txCancel.TxHash(), Index: 0, Value: lockOut.Value}
	txRefund, err := btc.BuildTxRefund(cancelOut, refundAddr, feeRate)
	if err != nil {
		return nil, fmt.Errorf("setup: build tx_refund: %w", err)
	}
	refundDigest, err := btc.SighashDigest(txRefund, lockScript, cancelOut.Value)
	if err != nil {
		return nil, err
	}
	refundEncSig, err := adaptor.EncSign(in.Keys.BSec, sBBtc, refundDigest)
	if err != nil {
		return nil, fmt.Errorf("setup: encsign tx_refund: %w", err)
	}
	refundEncSigBytes, err := refundEncSig.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("setup: marshal tx_refund_encsig: %w", err)
	}

	m3 := message.M3{SwapId: m0.SwapId, TxCancelSig: ownCancelSig, TxRefundEncSig: refundEncSigBytes}
	if err := stream.Send(m3); err != nil {
		return nil, fmt.Errorf("setup: send M3: %w", err)
	}

	var m4 message.M4
	if err := stream.Recv(&m4); err != nil {
		return nil, fmt.Errorf("setup: recv M4: %w", err)
	}
	if m4.SwapId != m0.SwapId {
		return nil, ErrUnexpectedSwapId
	}
	if err := verifyCleartextSig(m4.TxCancelSig, cancelDigest, bBtc); err != nil {
		return nil, err
	}

	txPunish, err := btc.BuildTxPunish(cancelOut, in.PunishAddress, m1.TPunish, feeRate)
	if err != nil {
		return nil, fmt.Errorf("setup: build tx_punish: %w", err)
	}
	punishDigest, err := btc.SighashDigest(txPunish, lockScript, cancelOut.Value)
	if err != nil {
		return nil, err
	}
	if err := verifyCleartextSig(m4.TxPunishSig, punishDigest, bBtc); err != nil {
		return nil, err
	}

	txRedeem, err := btc.BuildTxRedeem(lockOut, in.RedeemAddress, feeRate)
	if err != nil {
		return nil, fmt.Errorf("setup: build tx_redeem: %w", err)
	}

	vBScalar, err := edwards25519.NewScalar().SetCanonicalBytes(m0.VBPriv[:])
	if err != nil {
		return nil, fmt.Errorf("setup: decode v_b_priv: %w", err)
	}
	vCombined := edwards25519.NewScalar().Add(vBScalar, in.Keys.VSec)
	var v [32]byte
	copy(v[:], vCombined.Bytes())

	shared := swap.SharedParams{
		Id:            m0.SwapId,
		A:             aBtc,
		B:             bBtc,
		SAXmr:         in.Keys.SXmr(),
		SBXmr:         m0.SBXmr,
		V:             v,
		TCancel:       m1.TCancel,
		TPunish:       m1.TPunish,
		RefundAddress: refundAddr,
		RedeemAddress: in.RedeemAddress,
		PunishAddress: in.PunishAddress,
		Btc:           in.ExpectedBtc,
		Xmr:           in.ExpectedXmr,
	}

	log.Infof("setup: seller completed handshake for swap %s", m0.SwapId)

	return &Result{
		Shared:          shared,
		TxLock:          txLock,
		TxCancel:        txCancel,
		TxRefund:        txRefund,
		TxPunish:        txPunish,
		TxRedeem:        txRedeem,
		WitnessScript:   lockScript,
		OwnTxCancelSig:  ownCancelSig,
		PeerTxCancelSig: m4.TxCancelSig,
		PeerTxPunishSig: m4.TxPunishSig,
		TxRefundEncSig:  refundEncSig,
		PeerSBtc:        sBBtc,
	}, nil
}
