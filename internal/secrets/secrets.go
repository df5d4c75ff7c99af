// Package secrets encrypts sandbox credentials before they are stored.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidKey       = errors.New("invalid encryption key")
	ErrDecryptionFailed = errors.New("decryption failed - data may be corrupted or key is wrong")
	ErrInvalidSecret    = errors.New("invalid secret format")
)

const sealedVersion = "v1"

// Manager seals values with AES-256-GCM. Each value gets its own salt and a
// key derived from the master key and a scope (the owning user id).
type Manager struct {
	masterKey   []byte
	iterations  int
	fingerprint string
}

// NewManager creates a manager from a base64 encoded master key of at least 32 bytes
func NewManager(masterKeyBase64 string) (*Manager, error) {
	if masterKeyBase64 == "" {
		return nil, ErrInvalidKey
	}

	masterKey, err := base64.StdEncoding.DecodeString(masterKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid master key format: %w", err)
	}

	if len(masterKey) < 32 {
		return nil, ErrInvalidKey
	}

	sum := sha256.Sum256(masterKey)
	return &Manager{
		masterKey:   masterKey,
		iterations:  100000,
		fingerprint: base64.RawStdEncoding.EncodeToString(sum[:8]),
	}, nil
}

// Fingerprint identifies the master key without revealing it
func (m *Manager) Fingerprint() string {
	return m.fingerprint
}

func (m *Manager) deriveKey(scope string, salt []byte) []byte {
	combined := append([]byte{}, m.masterKey...)
	combined = append(combined, []byte("scope:"+scope)...)
	return pbkdf2.Key(combined, salt, m.iterations, 32, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals value for scope. The result is self-contained: "v1.<salt>.<nonce+ciphertext>".
func (m *Manager) Encrypt(scope, value string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(m.deriveKey(scope, salt))
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// scope is bound as additional data so a value cannot be moved between users
	ciphertext := gcm.Seal(nonce, nonce, []byte(value), []byte(scope))

	return strings.Join([]string{
		sealedVersion,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(ciphertext),
	}, "."), nil
}

// Decrypt opens a value produced by Encrypt for the same scope
func (m *Manager) Decrypt(scope, sealed string) (string, error) {
	parts := strings.Split(sealed, ".")
	if len(parts) != 3 || parts[0] != sealedVersion {
		return "", ErrInvalidSecret
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("invalid salt: %w", err)
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext: %w", err)
	}

	gcm, err := newGCM(m.deriveKey(scope, salt))
	if err != nil {
		return "", err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return "", ErrDecryptionFailed
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(scope))
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// IsSealed reports whether value looks like the output of Encrypt
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedVersion+".") && strings.Count(value, ".") == 2
}
