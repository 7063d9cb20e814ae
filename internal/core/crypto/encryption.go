// Package crypto seals server credentials at rest and derives purpose keys
// from the control plane master secret.
// This is part of the Functional Core - no I/O beyond the system random source.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/ssh"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// Purposes of derived keys. Each purpose gets an independent key so a leak
// of one does not expose the others.
const (
	PurposeServerKeys   = "keel/server-keys"
	PurposeBuildSecrets = "keel/build-secrets"
)

var (
	ErrKeyTooShort       = errors.New("encryption key must be at least 32 bytes")
	ErrEmptyMasterSecret = errors.New("master secret is required")
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")
	ErrDecryptionFailed  = errors.New("decryption failed: authentication tag mismatch")
	ErrInvalidSSHKey     = errors.New("invalid SSH private key format")
)

// =============================================================================
// Key Derivation
// =============================================================================

// DeriveKey expands the master secret into a 32-byte key bound to purpose.
// The same inputs always give the same key.
func DeriveKey(master, purpose string) ([]byte, error) {
	if master == "" {
		return nil, ErrEmptyMasterSecret
	}
	r := hkdf.New(sha256.New, []byte(master), nil, []byte(purpose))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}

// RandomKey returns a fresh random 32-byte key.
func RandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// =============================================================================
// AES-256-GCM
// =============================================================================

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) < KeySize {
		return nil, ErrKeyTooShort
	}
	block, err := aes.NewCipher(key[:KeySize])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext. The output is nonce || ciphertext || tag.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a value sealed by Encrypt.
func Decrypt(sealed, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(sealed) < n {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := gcm.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// =============================================================================
// Server SSH Keys
// =============================================================================

// SealServerKey validates and encrypts an SSH private key for storage.
func SealServerKey(privateKey, key []byte) ([]byte, error) {
	if _, err := ParseSSHPrivateKey(privateKey); err != nil {
		return nil, err
	}
	return Encrypt(privateKey, key)
}

// OpenServerKey decrypts a stored SSH private key and returns its signer.
func OpenServerKey(sealed, key []byte) (ssh.Signer, error) {
	raw, err := Decrypt(sealed, key)
	if err != nil {
		return nil, err
	}
	return ParseSSHPrivateKey(raw)
}

// ParseSSHPrivateKey parses an SSH private key and returns the signer.
func ParseSSHPrivateKey(privateKey []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, ErrInvalidSSHKey
	}
	return signer, nil
}

// Fingerprint returns the SHA256 fingerprint of the key's public half.
func Fingerprint(privateKey []byte) (string, error) {
	signer, err := ParseSSHPrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(signer.PublicKey().Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:]), nil
}

// GenerateSSHKeyPair returns a new Ed25519 private key in PEM form and its
// public key in authorized_keys form.
func GenerateSSHKeyPair() (privateKeyPEM []byte, publicKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate ed25519 key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "keel")
	if err != nil {
		return nil, "", fmt.Errorf("marshal private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, "", fmt.Errorf("create public key: %w", err)
	}
	return pem.EncodeToMemory(block), string(ssh.MarshalAuthorizedKey(sshPub)), nil
}
