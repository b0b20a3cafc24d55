package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratePrivateKey_SignVerifyRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	digest := Hash([]byte("round trip message"))
	sig, err := key.Sign(digest)
	require.NoError(t, err)
	require.True(t, Verify(key.PubKey(), digest, sig))

	other, err := GeneratePrivateKey()
	require.NoError(t, err)
	require.False(t, Verify(other.PubKey(), digest, sig), "a signature must not verify under an unrelated key")
}

func TestPrivateKeyFromBytes_RoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	decoded, err := PrivateKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().Bytes(), decoded.PubKey().Address().Bytes())
}

// TestAddress_AndConsensusAddress_ShareBytesButNotPrefix is the invariant
// underpinning every STAKE transaction's implicit self-staking: an
// account address and a consensus address derived from the same public key
// carry the identical 20 raw bytes, so they're never interchangeable only
// because their bech32 encodings differ.
func TestAddress_AndConsensusAddress_ShareBytesButNotPrefix(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	account := key.PubKey().Address()
	consensus := key.PubKey().ConsensusAddress()

	require.Equal(t, account.Bytes(), consensus.Bytes())
	require.Equal(t, AccountPrefix, account.Prefix())
	require.Equal(t, ConsensusPrefix, consensus.Prefix())
	require.NotEqual(t, account.String(), consensus.String())
}

func TestDecodeAddress_RoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	original := key.PubKey().Address()

	decoded, err := DecodeAddress(original.String())
	require.NoError(t, err)
	require.Equal(t, original.Bytes(), decoded.Bytes())
	require.Equal(t, original.Prefix(), decoded.Prefix())
}

func TestDecodeAddress_RejectsMalformed(t *testing.T) {
	_, err := DecodeAddress("not-a-bech32-string")
	require.Error(t, err)
}

func TestNewAddress_RejectsWrongLength(t *testing.T) {
	_, err := NewAddress(AccountPrefix, []byte{0x01, 0x02})
	require.Error(t, err)
}

func TestRecoverAddress_MatchesSigner(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	digest := Hash([]byte("recoverable"))
	sig, err := key.Sign(digest)
	require.NoError(t, err)

	recovered, err := RecoverAddress(digest, sig)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().Bytes(), recovered.Bytes())
}

func TestFromPublicKey_PublicKeyFromBytes_RoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	encoded := FromPublicKey(key.PubKey())
	require.NotEmpty(t, encoded)

	decoded, err := PublicKeyFromBytes(encoded)
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().Bytes(), decoded.Address().Bytes())
}

func TestSaveAndLoadKeystore_RoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	dir := t.TempDir()
	path := dir + "/validator.json"
	require.NoError(t, SaveToKeystore(path, key, "correct horse battery staple"))

	loaded, err := LoadFromKeystore(path, "correct horse battery staple")
	require.NoError(t, err)
	require.Equal(t, key.PubKey().Address().Bytes(), loaded.PubKey().Address().Bytes())

	_, err = LoadFromKeystore(path, "wrong passphrase")
	require.Error(t, err)
}
