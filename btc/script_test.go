package btc

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/bftanchor/anchor-core/types"
)

func testKeys(t *testing.T, n int) []*btcec.PublicKey {
	t.Helper()
	keys := make([]*btcec.PublicKey, 0, n)
	for i := 0; i < n; i++ {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		keys = append(keys, priv.PubKey())
	}
	return keys
}

func TestRedeemScriptStructure(t *testing.T) {
	keys := testKeys(t, 4)
	script, err := RedeemScript(keys, 3)
	require.NoError(t, err)

	require.Equal(t, byte(txscript.OP_3), script[0])
	require.Equal(t, byte(txscript.OP_CHECKMULTISIG), script[len(script)-1])
	require.Equal(t, byte(txscript.OP_4), script[len(script)-2])
	// four 33-byte pushes between the threshold opcodes
	require.Len(t, script, 1+4*34+1+1)
}

func TestRedeemScriptKeyOrderMatters(t *testing.T) {
	keys := testKeys(t, 3)
	a, err := RedeemScript(keys, 2)
	require.NoError(t, err)
	reversed := []*btcec.PublicKey{keys[2], keys[1], keys[0]}
	b, err := RedeemScript(reversed, 2)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestRedeemScriptBadThreshold(t *testing.T) {
	keys := testKeys(t, 3)
	_, err := RedeemScript(keys, 4)
	require.True(t, errors.Is(err, types.ErrBadThreshold))
	_, err = RedeemScript(keys, 0)
	require.True(t, errors.Is(err, types.ErrBadThreshold))
	_, err = RedeemScript(testKeys(t, 16), 11)
	require.True(t, errors.Is(err, types.ErrBadThreshold))
}

func TestScriptAddressBech32(t *testing.T) {
	keys := testKeys(t, 4)
	script, err := RedeemScript(keys, 3)
	require.NoError(t, err)

	mainnet, err := ScriptAddress(script, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(mainnet.EncodeAddress(), "bc1q"))

	testnet, err := ScriptAddress(script, &chaincfg.TestNet3Params)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(testnet.EncodeAddress(), "tb1q"))

	regtest, err := ScriptAddress(script, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(regtest.EncodeAddress(), "bcrt1q"))
}

func TestPkScriptMatchesAddress(t *testing.T) {
	keys := testKeys(t, 4)
	script, err := RedeemScript(keys, 3)
	require.NoError(t, err)
	pkScript, err := PkScript(script)
	require.NoError(t, err)
	require.True(t, txscript.IsPayToWitnessScriptHash(pkScript))
	hash := RedeemScriptHash(script)
	require.Equal(t, hash[:], pkScript[2:])
}

func TestNetworkParams(t *testing.T) {
	for _, network := range []string{"mainnet", "testnet", "regtest"} {
		params, err := NetworkParams(network)
		require.NoError(t, err)
		require.NotNil(t, params)
	}
	_, err := NetworkParams("signet")
	require.True(t, errors.Is(err, types.ErrInvalidEncoding))
}

func TestParsePubKeyHexRejectsUncompressed(t *testing.T) {
	_, err := ParsePubKeyHex(strings.Repeat("04", 65))
	require.True(t, errors.Is(err, types.ErrInvalidEncoding))
	_, err = ParsePubKeyHex("zz")
	require.True(t, errors.Is(err, types.ErrInvalidEncoding))
}
