package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/credvault/credvault/secret"
)

// KeySize is the key length for both supported algorithms.
const KeySize = 32

// KeyHandle supplies an AEAD primitive without exposing raw key bytes to
// the facade. Hardware-resident keys and in-memory software keys both
// satisfy it.
type KeyHandle interface {
	// AEAD returns a primitive keyed for the concrete algorithm.
	AEAD(alg Algorithm) (cipher.AEAD, error)

	// HardwareBacked reports whether the key lives in secure hardware.
	HardwareBacked() bool
}

// SoftwareKey is a KeyHandle over an in-memory key buffer, used for
// MEK-derived subkeys. The facade never copies the key out of the buffer.
type SoftwareKey struct {
	key *secret.Buffer
}

// NewSoftwareKey wraps an existing 32-byte key buffer. Ownership stays with
// the caller; closing the buffer invalidates the handle.
func NewSoftwareKey(key *secret.Buffer) (*SoftwareKey, error) {
	if key == nil || key.Len() != KeySize {
		return nil, fmt.Errorf("aead: software key must be %d bytes", KeySize)
	}
	return &SoftwareKey{key: key}, nil
}

func (k *SoftwareKey) AEAD(alg Algorithm) (cipher.AEAD, error) {
	return NewPrimitive(alg, k.key.Bytes())
}

func (k *SoftwareKey) HardwareBacked() bool { return false }

// NewPrimitive builds the AEAD primitive for a concrete algorithm over raw
// key bytes. Both primitives use 96-bit nonces and 16-byte tags.
func NewPrimitive(alg Algorithm, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aead: key must be %d bytes", KeySize)
	}
	switch alg {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("aead: no primitive for algorithm %s", alg)
	}
}
