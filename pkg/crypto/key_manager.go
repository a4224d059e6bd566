package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKeyNotFound  = errors.New("encryption key not found")
	ErrKeyNotLoaded = errors.New("key manager not initialized")
)

// DefaultKeyEnv is the variable holding the version 1 master key; later versions use
// DefaultKeyEnv_V2, DefaultKeyEnv_V3 and so on.
const DefaultKeyEnv = "MASTER_ENCRYPTION_KEY"

const maxKeyVersions = 10

// KeyManager holds every configured key version and encrypts with the newest one.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyManager loads keys from the process environment.
func NewKeyManager() (*KeyManager, error) {
	return LoadKeys(DefaultKeyEnv, os.Getenv)
}

// LoadKeys loads base64 keys named prefix, prefix_V2 ... prefix_V10 through lookup.
// Version 1 is required.
func LoadKeys(prefix string, lookup func(string) string) (*KeyManager, error) {
	km := &KeyManager{encryptors: make(map[int]*Encryptor)}
	if err := km.load(1, lookup(prefix)); err != nil {
		return nil, fmt.Errorf("load primary key %s: %w", prefix, err)
	}
	km.currentVer = 1
	for v := 2; v <= maxKeyVersions; v++ {
		if err := km.load(v, lookup(fmt.Sprintf("%s_V%d", prefix, v))); err == nil {
			km.currentVer = v
		}
	}
	return km, nil
}

func (km *KeyManager) load(version int, keyBase64 string) error {
	if keyBase64 == "" {
		return ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return fmt.Errorf("decode key v%d: %w", version, err)
	}
	enc, err := NewEncryptor(key, version)
	if err != nil {
		return fmt.Errorf("create encryptor v%d: %w", version, err)
	}
	km.encryptors[version] = enc
	return nil
}

// Encrypt encrypts plaintext using the current (latest) key version.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	enc, ok := km.encryptors[km.currentVer]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return enc.Encrypt(plaintext)
}

// Decrypt selects the key version recorded in the ciphertext.
func (km *KeyManager) Decrypt(ciphertext string) (string, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	km.mu.RLock()
	enc, ok := km.encryptors[version]
	km.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return enc.Decrypt(ciphertext)
}

// ReEncrypt moves a ciphertext onto the current key version.
func (km *KeyManager) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := km.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	return km.Encrypt(plaintext)
}

// CurrentVersion returns the key version new ciphertexts use.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}

// GenerateKey returns a random base64 AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
