// Package vault provides at-rest encryption for stored secrets (registry
// credentials, SMTP passwords, OIDC client secrets).
package vault

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

	"golang.org/x/crypto/scrypt"
)

const (
	// ciphertextPrefix versions the on-disk format.
	ciphertextPrefix = "v1:"

	saltSize = 16
	keySize  = 32
)

var ErrNoKey = errors.New("vault key not configured")

// Vault encrypts and decrypts small secrets with AES-256-GCM. The key is
// derived once per salt from the configured passphrase with scrypt.
type Vault struct {
	passphrase []byte
}

// New creates a Vault from a passphrase. An empty passphrase yields a vault
// whose operations fail with ErrNoKey.
func New(passphrase string) *Vault {
	return &Vault{passphrase: []byte(passphrase)}
}

func (v *Vault) deriveKey(salt []byte) ([]byte, error) {
	// Interactive-login scrypt parameters.
	return scrypt.Key(v.passphrase, salt, 1<<15, 8, 1, keySize)
}

// Encrypt seals plaintext and returns "v1:" + base64(salt || nonce || sealed).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if len(v.passphrase) == 0 {
		return "", ErrNoKey
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key, err := v.deriveKey(salt)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	blob := append(append(salt, nonce...), sealed...)
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. Values without the version prefix are returned
// unchanged, so plaintext legacy values keep working.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, ciphertextPrefix) {
		return ciphertext, nil
	}
	if len(v.passphrase) == 0 {
		return "", ErrNoKey
	}

	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, ciphertextPrefix))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(blob) < saltSize {
		return "", errors.New("ciphertext too short")
	}

	salt, rest := blob[:saltSize], blob[saltSize:]
	key, err := v.deriveKey(salt)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(rest) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.New("decryption failed")
	}
	return string(plaintext), nil
}

// Fingerprint returns a short stable digest of a secret for logging without
// revealing it.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:6])
}
