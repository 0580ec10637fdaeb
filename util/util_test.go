package util

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/bftanchor/anchor-core/types"
)

func testServiceKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func TestEncodeDecodeTxRoundTrip(t *testing.T) {
	key := testServiceKey(t)
	keyHex := ServiceKeyHex(&key.PublicKey)

	outgoing := types.Tx{TxType: "SIGN", Data: `{"input_index":0}`, Version: 2, Time: 1, CoreID: "3"}
	encoded := EncodeTxWithKey(outgoing, key)
	require.NotEmpty(t, encoded)

	decoded, err := DecodeTxAndVerifySig([]byte(encoded), func(coreID string) (string, error) {
		require.Equal(t, "3", coreID)
		return keyHex, nil
	})
	require.NoError(t, err)
	require.Equal(t, outgoing.TxType, decoded.TxType)
	require.Equal(t, outgoing.Data, decoded.Data)
	require.Equal(t, outgoing.CoreID, decoded.CoreID)
}

func TestDecodeTxRejectsWrongKey(t *testing.T) {
	key := testServiceKey(t)
	other := testServiceKey(t)

	outgoing := types.Tx{TxType: "FUND", Data: "{}", Version: 2, Time: 1, CoreID: "0"}
	encoded := EncodeTxWithKey(outgoing, key)

	_, err := DecodeTxAndVerifySig([]byte(encoded), func(string) (string, error) {
		return ServiceKeyHex(&other.PublicKey), nil
	})
	require.True(t, errors.Is(err, types.ErrInvalidSignature))
}

func TestDecodeTxRejectsGarbage(t *testing.T) {
	_, err := DecodeTx([]byte("not base64!!"))
	require.True(t, errors.Is(err, types.ErrInvalidEncoding))
}

func TestDecodeTxRejectsTamperedPayload(t *testing.T) {
	key := testServiceKey(t)
	keyHex := ServiceKeyHex(&key.PublicKey)

	outgoing := types.Tx{TxType: "SIGN", Data: "original", Version: 2, Time: 1, CoreID: "0"}
	encoded := EncodeTxWithKey(outgoing, key)

	tampered, err := DecodeTx([]byte(encoded))
	require.NoError(t, err)
	tampered.Data = "forged"
	reencoded := EncodeTx(tampered)

	_, err = DecodeTxAndVerifySig([]byte(reencoded), func(string) (string, error) {
		return keyHex, nil
	})
	require.True(t, errors.Is(err, types.ErrInvalidSignature))
}

func TestServiceKeyHexRoundTrip(t *testing.T) {
	key := testServiceKey(t)
	parsed, err := ParseServiceKey(ServiceKeyHex(&key.PublicKey))
	require.NoError(t, err)
	require.Zero(t, parsed.X.Cmp(key.PublicKey.X))
	require.Zero(t, parsed.Y.Cmp(key.PublicKey.Y))

	_, err = ParseServiceKey("00ff")
	require.True(t, errors.Is(err, types.ErrInvalidEncoding))
}
