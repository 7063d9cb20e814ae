package crypto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T, master, purpose string) []byte {
	t.Helper()
	key, err := DeriveKey(master, purpose)
	require.NoError(t, err)
	return key
}

// =============================================================================
// DeriveKey Tests
// =============================================================================

func TestDeriveKey(t *testing.T) {
	key := mustKey(t, "master", PurposeServerKeys)
	assert.Len(t, key, KeySize)
	assert.Equal(t, key, mustKey(t, "master", PurposeServerKeys), "deterministic")
	assert.NotEqual(t, key, mustKey(t, "master", PurposeBuildSecrets), "purposes are independent")
	assert.NotEqual(t, key, mustKey(t, "other", PurposeServerKeys))
}

func TestDeriveKey_EmptyMaster(t *testing.T) {
	_, err := DeriveKey("", PurposeServerKeys)
	assert.ErrorIs(t, err, ErrEmptyMasterSecret)
}

func TestRandomKey(t *testing.T) {
	a, err := RandomKey()
	require.NoError(t, err)
	b, err := RandomKey()
	require.NoError(t, err)
	assert.Len(t, a, KeySize)
	assert.NotEqual(t, a, b)
}

// =============================================================================
// Encrypt/Decrypt Tests
// =============================================================================

func TestEncrypt_Decrypt(t *testing.T) {
	key := mustKey(t, "master", PurposeServerKeys)
	plaintext := []byte("This is a secret message!")

	sealed, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	again, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces differ")

	opened, err := Decrypt(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestEncrypt_LargeAndEmpty(t *testing.T) {
	key := mustKey(t, "master", PurposeServerKeys)
	for _, plaintext := range [][]byte{{}, bytes.Repeat([]byte("x"), 1<<20)} {
		sealed, err := Encrypt(plaintext, key)
		require.NoError(t, err)
		opened, err := Decrypt(sealed, key)
		require.NoError(t, err)
		assert.Equal(t, len(plaintext), len(opened))
	}
}

func TestDecrypt_Failures(t *testing.T) {
	key := mustKey(t, "master", PurposeServerKeys)
	sealed, err := Encrypt([]byte("secret"), key)
	require.NoError(t, err)

	_, err = Decrypt(sealed, mustKey(t, "wrong", PurposeServerKeys))
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	corrupted := append([]byte(nil), sealed...)
	corrupted[len(corrupted)-1] ^= 0xFF
	_, err = Decrypt(corrupted, key)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = Decrypt([]byte("short"), key)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = Decrypt(sealed, []byte("too-short"))
	assert.ErrorIs(t, err, ErrKeyTooShort)

	_, err = Encrypt([]byte("x"), []byte("too-short"))
	assert.ErrorIs(t, err, ErrKeyTooShort)
}

// =============================================================================
// Server Key Tests
// =============================================================================

func TestServerKey_SealOpen(t *testing.T) {
	privateKey, publicKey, err := GenerateSSHKeyPair()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(publicKey, "ssh-ed25519 "))

	key := mustKey(t, "master", PurposeServerKeys)
	sealed, err := SealServerKey(privateKey, key)
	require.NoError(t, err)

	signer, err := OpenServerKey(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", signer.PublicKey().Type())

	fp, err := Fingerprint(privateKey)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fp, "SHA256:"))
}

func TestServerKey_Invalid(t *testing.T) {
	key := mustKey(t, "master", PurposeServerKeys)

	_, err := SealServerKey([]byte("not a key"), key)
	assert.ErrorIs(t, err, ErrInvalidSSHKey)

	sealed, err := Encrypt([]byte("not a key"), key)
	require.NoError(t, err)
	_, err = OpenServerKey(sealed, key)
	assert.ErrorIs(t, err, ErrInvalidSSHKey)

	_, err = Fingerprint(nil)
	assert.ErrorIs(t, err, ErrInvalidSSHKey)
}
