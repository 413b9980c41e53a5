package btc

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func testKeys(t *testing.T) (a, b *btcec.PublicKey) {
	t.Helper()
	privA, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	privB, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return privA.PubKey(), privB.PubKey()
}

func TestLockAddressDeterministic(t *testing.T) {
	a, b := testKeys(t)

	addr1, script1, err := LockAddress(a, b, &chaincfg.TestNet3Params)
	require.NoError(t, err)
	addr2, script2, err := LockAddress(a, b, &chaincfg.TestNet3Params)
	require.NoError(t, err)

	require.Equal(t, script1, script2)
	require.Equal(t, addr1.EncodeAddress(), addr2.EncodeAddress())
}

func TestVerifyLockOutput(t *testing.T) {
	a, b := testKeys(t)

	pkScript, err := LockPkScript(a, b)
	require.NoError(t, err)
	require.NoError(t, VerifyLockOutput(pkScript, a, b))

	other, _ := testKeys(t)
	require.ErrorIs(t, VerifyLockOutput(pkScript, other, b), ErrScriptMismatch)
}
