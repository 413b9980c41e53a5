package btc

import "github.com/btcsuite/btcd/btcutil"

// Worst-case virtual sizes (vbytes) for each downstream transaction
// template: one P2WSH input spending the 2-of-2 descriptor (two DER
// signatures at their low-S maximum length plus the witness script) and
// one P2WSH or P2WPKH output. Mirrors the teacher's
// watchtower/wtpolicy.Policy fee-from-weight constants, computed once from
// the fixed template rather than measured per transaction.
const (
	txCancelVSize = 154
	txRefundVSize = 136
	txPunishVSize = 136
	txRedeemVSize = 136
)

// EstimateFee implements estimate_fee(weight, value) of §6.1: worst-case
// vbyte count for the given template times the wallet-provided feerate
// (satoshis per vbyte).
func EstimateFee(vsize int64, feeRate btcutil.Amount) btcutil.Amount {
	return btcutil.Amount(vsize) * feeRate
}

func CancelFee(feeRate btcutil.Amount) btcutil.Amount { return EstimateFee(txCancelVSize, feeRate) }
func RefundFee(feeRate btcutil.Amount) btcutil.Amount { return EstimateFee(txRefundVSize, feeRate) }
func PunishFee(feeRate btcutil.Amount) btcutil.Amount { return EstimateFee(txPunishVSize, feeRate) }
func RedeemFee(feeRate btcutil.Amount) btcutil.Amount { return EstimateFee(txRedeemVSize, feeRate) }
