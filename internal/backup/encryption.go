package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"authvault/internal/config"
)

// keyDerivationSalt is fixed so the same passphrase always derives the same
// artifact key. Rotating the salt would orphan existing backups.
var keyDerivationSalt = []byte("authvault-artifact-key-v1")

const keyDerivationIterations = 100000

// EncryptionManager encrypts and decrypts backup artifacts with AES-256-GCM.
// The nonce is prepended to the ciphertext.
type EncryptionManager struct {
	config config.EncryptionConfig
}

// NewEncryptionManager creates an encryption manager for the configured key
// source.
func NewEncryptionManager(cfg config.EncryptionConfig) *EncryptionManager {
	return &EncryptionManager{config: cfg}
}

// IsEnabled returns whether artifact encryption is enabled
func (em *EncryptionManager) IsEnabled() bool {
	return em.config.Enabled
}

// Algorithm returns the encryption algorithm in use
func (em *EncryptionManager) Algorithm() string {
	if !em.config.Enabled {
		return "NONE"
	}
	return "AES-256-GCM"
}

// Encrypt encrypts artifact data. Disabled encryption passes data through
// unchanged.
func (em *EncryptionManager) Encrypt(data []byte) ([]byte, error) {
	if !em.config.Enabled {
		return data, nil
	}

	gcm, err := em.cipher()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, NewEncryptionError("failed to generate nonce", err)
	}

	return gcm.Seal(nonce, nonce, data, nil), nil
}

// Decrypt decrypts artifact data produced by Encrypt
func (em *EncryptionManager) Decrypt(encryptedData []byte) ([]byte, error) {
	if !em.config.Enabled {
		return encryptedData, nil
	}

	gcm, err := em.cipher()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(encryptedData) < nonceSize {
		return nil, NewEncryptionError("encrypted data too short", nil)
	}

	nonce, ciphertext := encryptedData[:nonceSize], encryptedData[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, NewEncryptionError("failed to decrypt data", err)
	}

	return plaintext, nil
}

func (em *EncryptionManager) cipher() (cipher.AEAD, error) {
	key, err := em.resolveKey()
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewEncryptionError("failed to create AES cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewEncryptionError("failed to create GCM cipher", err)
	}

	return gcm, nil
}

// resolveKey loads key material from the configured source and normalizes it
// to a 256-bit key. A 64-character hex string is decoded directly; anything
// else is treated as a passphrase and run through PBKDF2.
func (em *EncryptionManager) resolveKey() ([]byte, error) {
	var material string

	switch em.config.KeySource {
	case "env":
		material = os.Getenv(em.config.KeyEnvVar)
		if material == "" {
			return nil, NewEncryptionError(fmt.Sprintf("environment variable %s is not set", em.config.KeyEnvVar), nil)
		}
	case "file":
		raw, err := os.ReadFile(em.config.KeyPath)
		if err != nil {
			return nil, NewEncryptionError("failed to read key file", err)
		}
		material = strings.TrimSpace(string(raw))
		if material == "" {
			return nil, NewEncryptionError(fmt.Sprintf("key file %s is empty", em.config.KeyPath), nil)
		}
	default:
		return nil, NewEncryptionError(fmt.Sprintf("unsupported key source %q", em.config.KeySource), nil)
	}

	if len(material) == 64 {
		if key, err := hex.DecodeString(material); err == nil {
			return key, nil
		}
	}

	return pbkdf2.Key([]byte(material), keyDerivationSalt, keyDerivationIterations, 32, sha256.New), nil
}

// GenerateKey generates a new random 256-bit key, hex-encoded for storage in
// an environment variable or key file.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", NewEncryptionError("failed to generate encryption key", err)
	}
	return hex.EncodeToString(key), nil
}
