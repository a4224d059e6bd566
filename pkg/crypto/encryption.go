// Package crypto protects exchange credentials at rest and resolves credential references.
package crypto

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

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// VersionPrefix is the prefix for encrypted data
	VersionPrefix = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor seals secrets with AES-256-GCM under one key version.
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

// NewEncryptor creates an Encryptor for a 32-byte key.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead, version: version}, nil
}

// Encrypt returns ENC[vN]:base64(nonce+ciphertext).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf(VersionPrefix, e.version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt with the same key version.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	version, body, ok := splitCiphertext(ciphertext)
	if !ok {
		return "", ErrInvalidCiphertext
	}
	if version != e.version {
		return "", fmt.Errorf("ciphertext is v%d, key is v%d: %w", version, e.version, ErrDecryptionFailed)
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	ns := e.aead.NonceSize()
	if len(data) < ns {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// Version returns the key version used by this encryptor.
func (e *Encryptor) Version() int {
	return e.version
}

// ParseVersion extracts the version number from an encrypted string, 0 when malformed.
func ParseVersion(ciphertext string) int {
	v, _, ok := splitCiphertext(ciphertext)
	if !ok {
		return 0
	}
	return v
}

func splitCiphertext(s string) (int, string, bool) {
	if !strings.HasPrefix(s, "ENC[v") {
		return 0, "", false
	}
	idx := strings.Index(s, "]:")
	if idx == -1 {
		return 0, "", false
	}
	var version int
	if _, err := fmt.Sscanf(s[:idx+2], VersionPrefix, &version); err != nil || version <= 0 {
		return 0, "", false
	}
	return version, s[idx+2:], true
}
