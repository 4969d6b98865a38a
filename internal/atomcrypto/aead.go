// Package atomcrypto provides the crypto services behind the ledger, the
// token registry and the bit sharder: AES-256-GCM payload encryption,
// HMAC-SHA-512 tamper keys for ledger bodies, and pluggable token
// signatures (ML-DSA-65 with an RSA-SHA-256 fallback).
package atomcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 symmetric key length.
	KeySize = 32
	// NonceSize is the GCM IV length.
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

// Envelope is the result of one AEAD encryption: the IV, the ciphertext
// and the detached authentication tag, stored separately on bit atoms so
// tampering with any of the three fails decryption.
type Envelope struct {
	IV         []byte
	Ciphertext []byte
	AuthTag    []byte
}

// GenerateKey returns a fresh 256-bit symmetric key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under key with a random IV.
func Encrypt(key, plaintext []byte) (Envelope, error) {
	iv := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Envelope{}, fmt.Errorf("generate iv: %w", err)
	}
	return EncryptWithIV(key, iv, plaintext)
}

// EncryptWithIV seals plaintext with a caller-supplied IV. Used by the
// sharder's reproducible mode, where the IV comes from the seeded PRNG so
// identical inputs produce bit-exact shard output. Never reuse an IV under
// the same key outside that mode.
func EncryptWithIV(key, iv, plaintext []byte) (Envelope, error) {
	aead, err := newGCM(key)
	if err != nil {
		return Envelope{}, err
	}
	if len(iv) != NonceSize {
		return Envelope{}, fmt.Errorf("iv must be %d bytes, got %d", NonceSize, len(iv))
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]
	return Envelope{IV: iv, Ciphertext: ct, AuthTag: tag}, nil
}

// Decrypt opens an envelope. It fails closed: any tampering with the
// ciphertext, IV or tag yields an error and no plaintext.
func Decrypt(key []byte, env Envelope) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(env.IV) != NonceSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", NonceSize, len(env.IV))
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.AuthTag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)
	plaintext, err := aead.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}
