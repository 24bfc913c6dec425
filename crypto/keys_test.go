package crypto

import (
	"path/filepath"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestAddressBech32RoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	addr := key.PubKey().Address()
	encoded := addr.String()
	require.True(t, strings.HasPrefix(encoded, "shm1"), "unexpected encoding %s", encoded)

	decoded, err := DecodeAddress(encoded)
	require.NoError(t, err)
	require.True(t, decoded.Equal(addr))
	require.Equal(t, IdentityPrefix, decoded.Prefix())
	require.Equal(t, addr.Raw(), decoded.Raw())
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	_, err := DecodeAddress("shm1notanaddress")
	require.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	other, err := GeneratePrivateKey()
	require.NoError(t, err)

	digest := ethcrypto.Keccak256([]byte("release order 7"))
	sig, err := key.Sign(digest)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)

	require.True(t, VerifySignature(key.PubKey().Address().Raw(), digest, sig))
	require.False(t, VerifySignature(other.PubKey().Address().Raw(), digest, sig))

	tampered := ethcrypto.Keccak256([]byte("release order 8"))
	require.False(t, VerifySignature(key.PubKey().Address().Raw(), tampered, sig))
	require.False(t, VerifySignature(key.PubKey().Address().Raw(), digest, sig[:64]))
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys", "authority.json")
	require.NoError(t, SaveToKeystore(path, key, "hunter2"))

	loaded, err := LoadFromKeystore(path, "hunter2")
	require.NoError(t, err)
	require.Equal(t, key.Bytes(), loaded.Bytes())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}
