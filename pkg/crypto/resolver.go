package crypto

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrUnresolved is returned when a credential reference points at nothing.
var ErrUnresolved = errors.New("credential reference unresolved")

// Resolver turns credential references from the exchanges file into secrets:
//
//	env:NAME        value of environment variable NAME
//	enc:ENC[v1]:... decrypted with the key manager
//	anything else   used literally
type Resolver struct {
	Keys   *KeyManager
	Lookup func(string) string
}

// NewResolver uses the process environment. keys may be nil when no enc: refs are used.
func NewResolver(keys *KeyManager) *Resolver {
	return &Resolver{Keys: keys, Lookup: os.Getenv}
}

// Resolve returns the secret for ref. An empty ref resolves to "".
func (r *Resolver) Resolve(ref string) (string, error) {
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		lookup := r.Lookup
		if lookup == nil {
			lookup = os.Getenv
		}
		v := lookup(name)
		if v == "" {
			return "", fmt.Errorf("%w: env %s is empty", ErrUnresolved, name)
		}
		return v, nil
	case strings.HasPrefix(ref, "enc:"):
		if r.Keys == nil {
			return "", fmt.Errorf("%w: %w", ErrUnresolved, ErrKeyNotLoaded)
		}
		v, err := r.Keys.Decrypt(strings.TrimPrefix(ref, "enc:"))
		if err != nil {
			return "", fmt.Errorf("decrypt credential: %w", err)
		}
		return v, nil
	default:
		return ref, nil
	}
}

// Seal encrypts secret under the current key version and returns it as an enc: reference.
func (r *Resolver) Seal(secret string) (string, error) {
	if r.Keys == nil {
		return "", ErrKeyNotLoaded
	}
	ct, err := r.Keys.Encrypt(secret)
	if err != nil {
		return "", err
	}
	return "enc:" + ct, nil
}

// Rotate moves an enc: reference onto the current key version. Other
// references carry no ciphertext and come back unchanged.
func (r *Resolver) Rotate(ref string) (string, error) {
	if !strings.HasPrefix(ref, "enc:") {
		return ref, nil
	}
	if r.Keys == nil {
		return "", ErrKeyNotLoaded
	}
	ct, err := r.Keys.ReEncrypt(strings.TrimPrefix(ref, "enc:"))
	if err != nil {
		return "", err
	}
	return "enc:" + ct, nil
}
