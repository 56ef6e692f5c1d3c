package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// EncryptedPrefix marks a stored value as an EncryptedField. Values without it
// are treated as un-migrated plaintext by the record codec.
const EncryptedPrefix = "enc:v1:"

const (
	nonceSize = 12
	tagSize   = 16
)

// ErrDecryptionFailed is returned for tampered, truncated, malformed or
// wrong-key ciphertext. No partial plaintext is ever returned with it.
var ErrDecryptionFailed = errors.New("decryption failed")

// FieldCipher provides AES-256-GCM encryption of single field values under one
// tenant key. Safe for concurrent use.
type FieldCipher struct {
	aead cipher.AEAD
}

// NewFieldCipher creates a FieldCipher with the given 32-byte AES-256 key.
func NewFieldCipher(key []byte) (*FieldCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("field cipher: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("field cipher: create cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("field cipher: create GCM: %w", err)
	}

	return &FieldCipher{aead: aead}, nil
}

// Encrypt returns the serialized EncryptedField for plaintext. An empty
// plaintext is returned as-is: absence of data is not itself sensitive.
func (c *FieldCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return c.SealField([]byte(plaintext))
}

// Decrypt parses a serialized EncryptedField and returns the plaintext.
func (c *FieldCipher) Decrypt(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	plaintext, err := c.OpenField(stored)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// SealField encrypts plaintext and serializes it with the EncryptedField
// marker.
func (c *FieldCipher) SealField(plaintext []byte) (string, error) {
	sealed, err := c.EncryptBytes(plaintext)
	if err != nil {
		return "", err
	}
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenField is Decrypt returning the plaintext as a byte slice, so callers
// holding it only transiently can clear it.
func (c *FieldCipher) OpenField(stored string) ([]byte, error) {
	if !IsEncrypted(stored) {
		return nil, fmt.Errorf("%w: value is not an encrypted field", ErrDecryptionFailed)
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(stored[len(EncryptedPrefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrDecryptionFailed, err)
	}
	return c.DecryptBytes(raw)
}

// EncryptBytes encrypts data under a nonce drawn from crypto/rand for this call
// only and returns nonce || tag || ciphertext.
func (c *FieldCipher) EncryptBytes(data []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("field encrypt: generate nonce: %w", err)
	}

	// Seal yields ciphertext || tag; the stored layout puts the tag first.
	sealed := c.aead.Seal(nil, nonce, data, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+tagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// DecryptBytes reverses EncryptBytes.
func (c *FieldCipher) DecryptBytes(raw []byte) ([]byte, error) {
	if len(raw) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// IsEncrypted reports whether a stored value carries the EncryptedField marker.
func IsEncrypted(stored string) bool {
	return strings.HasPrefix(stored, EncryptedPrefix)
}
