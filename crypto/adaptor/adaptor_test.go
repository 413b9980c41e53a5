package adaptor

import (
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/require"
)

func digestOf(msg string) [32]byte {
	return sha256.Sum256([]byte(msg))
}

func scalarOf(n *big.Int) *btcec.ModNScalar {
	var buf [32]byte
	n.FillBytes(buf[:])
	var sc btcec.ModNScalar
	sc.SetBytes(&buf)
	return &sc
}

func TestEncSignDecSigRoundTrip(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	adaptorSecret, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	digest := digestOf("tx_redeem sighash")

	encsig, err := EncSign(priv, adaptorSecret.PubKey(), digest)
	require.NoError(t, err)
	require.NoError(t, VerifyEncSig(priv.PubKey(), adaptorSecret.PubKey(), digest, encsig))

	sig := DecSig(encsig, adaptorSecret)

	// The decrypted signature is a standard, valid ECDSA signature over
	// the same digest for the signer's public key.
	btcecSig := ecdsa.NewSignature(scalarOf(sig.R), scalarOf(sig.S))
	require.True(t, btcecSig.Verify(digest[:], priv.PubKey()))
}

func TestRecoverExtractsAdaptorSecret(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	adaptorSecret, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	digest := digestOf("tx_redeem sighash")

	encsig, err := EncSign(priv, adaptorSecret.PubKey(), digest)
	require.NoError(t, err)

	sig := DecSig(encsig, adaptorSecret)
	recovered, err := Recover(encsig, sig, adaptorSecret.PubKey())
	require.NoError(t, err)
	require.True(t, recovered.PubKey().IsEqual(adaptorSecret.PubKey()))
}

func TestVerifyEncSigRejectsWrongAdaptorPoint(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	adaptorSecret, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	wrongAdaptor, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	digest := digestOf("tx_redeem sighash")
	encsig, err := EncSign(priv, adaptorSecret.PubKey(), digest)
	require.NoError(t, err)

	err = VerifyEncSig(priv.PubKey(), wrongAdaptor.PubKey(), digest, encsig)
	require.ErrorIs(t, err, ErrInvalidEncSig)
}
