package crypto

import (
	"encoding/hex"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCombineRoundTrip(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	raw := PrivateKeyToBytes(key)

	shares, err := SplitKey(raw)
	require.NoError(t, err)

	// Neither share is the key itself.
	assert.NotEqual(t, raw, shares.SessionShare)
	assert.NotEqual(t, raw, shares.WrappedShare)

	combined, err := CombineKey(shares.SessionShare, shares.WrappedShare)
	require.NoError(t, err)
	assert.Equal(t, raw, combined)

	restored, err := BytesToPrivateKey(combined)
	require.NoError(t, err)
	assert.Equal(t, AddressOf(key), AddressOf(restored))
}

func TestSplitKey_EmptyKey(t *testing.T) {
	_, err := SplitKey(nil)
	require.Error(t, err)
}

func TestCombineKey_MissingShare(t *testing.T) {
	_, err := CombineKey(nil, []byte{0x1})
	require.Error(t, err)

	_, err = CombineKey([]byte{0x1}, nil)
	require.Error(t, err)
}

func TestParsePrivateKeyHex(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	raw := ethcrypto.FromECDSA(key)

	t.Run("bare hex", func(t *testing.T) {
		parsed, err := ParsePrivateKeyHex(hex.EncodeToString(raw))
		require.NoError(t, err)
		assert.Equal(t, AddressOf(key), AddressOf(parsed))
	})

	t.Run("0x prefix", func(t *testing.T) {
		parsed, err := ParsePrivateKeyHex("0x" + hex.EncodeToString(raw))
		require.NoError(t, err)
		assert.Equal(t, AddressOf(key), AddressOf(parsed))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParsePrivateKeyHex("not-a-key")
		require.Error(t, err)
	})
}
