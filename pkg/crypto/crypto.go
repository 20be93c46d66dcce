// Package crypto implements the symmetric encryption used for
// credentials at rest. Values are encoded as "ivHex:tagHex:ciphertextHex"
// using AES-256-GCM with a fresh 12-byte IV per value.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	ivSize  = 12
	tagSize = 16
	keySize = 32

	// pbkdf2Iterations matches the key-stretching cost used when the
	// encryption salt was introduced. Changing it invalidates stored rows.
	pbkdf2Iterations = 100_000
)

// DeriveKey stretches the admin secret with the deployment salt into a
// 32-byte AES key. Deterministic for a fixed (secret, salt) pair.
func DeriveKey(secret string, salt []byte) []byte {
	return pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, keySize, sha256.New)
}

// NewSalt returns a fresh random 16-byte salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt encrypts plaintext with the given 32-byte key and returns the
// three-segment hex encoding.
func Encrypt(plaintext string, key []byte) (string, error) {
	if len(key) != keySize {
		return "", fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	// Seal appends the 16-byte auth tag to the ciphertext; split it back
	// out so the stored value carries the tag as its own segment.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	), nil
}

// Decrypt reverses Encrypt. It returns an error when the value is not in
// the three-segment format or the auth tag does not verify; callers treat
// such values as legacy plaintext.
func Decrypt(value string, key []byte) (string, error) {
	if len(key) != keySize {
		return "", fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}

	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("value is not in iv:tag:ciphertext format")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", fmt.Errorf("invalid IV segment")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("invalid tag segment")
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext segment")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value looks like the three-segment
// encoding. Used to pass legacy plaintext rows through unchanged.
func IsEncrypted(value string) bool {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if _, err := hex.DecodeString(p); err != nil {
			return false
		}
	}
	return len(parts[0]) == ivSize*2 && len(parts[1]) == tagSize*2
}
