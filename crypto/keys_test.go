package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	var raw [20]byte
	for i := range raw {
		raw[i] = byte(i + 1)
	}

	encoded := EncodeAddress(raw)
	require.True(t, strings.HasPrefix(encoded, string(ESCPrefix)+"1"))

	decoded, err := DecodeAddress(encoded)
	require.NoError(t, err)
	require.Equal(t, raw, decoded.Array())
	require.Equal(t, ESCPrefix, decoded.Prefix())
}

func TestDecodeAddressRejectsBadInput(t *testing.T) {
	_, err := DecodeAddress("not-an-address")
	require.Error(t, err)

	// Valid bech32, wrong human-readable part.
	foreign := NewAddress("cosmos", make([]byte, 20)).String()
	_, err = DecodeAddress(foreign)
	require.Error(t, err)
	require.Contains(t, err.Error(), "prefix")
}

func TestKeyDerivedAddress(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	addr := key.PubKey().Address()
	require.Len(t, addr.Bytes(), 20)
	require.Equal(t, ESCPrefix, addr.Prefix())

	restored, err := PrivateKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, addr.Array(), restored.PubKey().Address().Array())
}
