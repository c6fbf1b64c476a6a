package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// EnvMasterKey is the environment variable holding the hex master key.
const EnvMasterKey = "LOGSERVER_MASTER_KEY"

// SecretPrefix marks an encrypted configuration value: "enc:<hex>".
const SecretPrefix = "enc:"

// ErrNoMasterKey is returned when no key is configured and creation is off.
var ErrNoMasterKey = errors.New("security: no master key")

// LoadMasterKey returns the 32-byte master key from the environment, then
// from keyPath. When neither holds a valid key and create is set, a new key
// is generated and saved to keyPath; created reports that case.
func LoadMasterKey(keyPath string, create bool) (key []byte, created bool, err error) {
	// 1. Environment
	if envKey := os.Getenv(EnvMasterKey); envKey != "" {
		key, err := hex.DecodeString(strings.TrimSpace(envKey))
		if err != nil || len(key) != 32 {
			return nil, false, fmt.Errorf("security: %s must be 64 hex characters", EnvMasterKey)
		}
		return key, false, nil
	}

	// 2. Key file
	if keyPath != "" {
		data, err := os.ReadFile(keyPath)
		switch {
		case err == nil:
			key, err := hex.DecodeString(strings.TrimSpace(string(data)))
			if err != nil || len(key) != 32 {
				return nil, false, fmt.Errorf("security: invalid key in %s", keyPath)
			}
			return key, false, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, false, fmt.Errorf("security: reading key file: %w", err)
		}
	}

	if !create || keyPath == "" {
		return nil, false, ErrNoMasterKey
	}

	// 3. Generate
	key = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, false, fmt.Errorf("security: generating key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, false, fmt.Errorf("security: saving master key to %s: %w", keyPath, err)
	}
	return key, true, nil
}

// Cipher encrypts and decrypts with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, errors.New("security: master key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: gcm}, nil
}

// Encrypt returns nonce + ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens nonce + ciphertext.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("security: ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return c.aead.Open(nil, nonce, ciphertext, nil)
}

// EncryptString returns s as an "enc:" configuration value.
func (c *Cipher) EncryptString(s string) (string, error) {
	data, err := c.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return SecretPrefix + hex.EncodeToString(data), nil
}

// DecryptString decrypts an "enc:" value. Other values are returned as is.
func (c *Cipher) DecryptString(s string) (string, error) {
	if !IsEncrypted(s) {
		return s, nil
	}
	data, err := hex.DecodeString(strings.TrimPrefix(s, SecretPrefix))
	if err != nil {
		return "", fmt.Errorf("security: decoding secret: %w", err)
	}
	plain, err := c.Decrypt(data)
	if err != nil {
		return "", fmt.Errorf("security: decrypting secret: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether s is an "enc:" value.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, SecretPrefix)
}
