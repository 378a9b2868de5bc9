package aead

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/credvault/credvault/vaulterr"
)

// CapabilityProber reports whether the platform backs keys with secure
// hardware. The probe is expected to create a throwaway test key and
// inspect its backing; the facade caches the answer for the process.
type CapabilityProber interface {
	SecureHardware() bool
}

// Facade performs algorithm-agile authenticated encryption. It is safe for
// concurrent use.
type Facade struct {
	prober    CapabilityProber
	probeOnce sync.Once
	resolved  Algorithm
}

// NewFacade builds a facade. The prober resolves AUTO; a nil prober makes
// AUTO resolve to the software fallback.
func NewFacade(prober CapabilityProber) *Facade {
	return &Facade{prober: prober}
}

// Resolve maps AUTO to a concrete algorithm via the one-time capability
// probe; concrete algorithms pass through unchanged.
func (f *Facade) Resolve(alg Algorithm) Algorithm {
	if alg != AlgorithmAuto {
		return alg
	}
	f.probeOnce.Do(func() {
		f.resolved = AlgorithmChaCha20
		if f.prober != nil && f.prober.SecureHardware() {
			f.resolved = AlgorithmAESGCM
		}
		log.Debug().Str("algorithm", f.resolved.String()).Msg("Resolved AUTO cipher from hardware probe")
	})
	return f.resolved
}

// Encrypt seals plaintext under key and stamps a versioned envelope with
// the resolved algorithm and a fresh random IV. Empty plaintext is
// rejected.
func (f *Facade) Encrypt(plaintext []byte, alg Algorithm, key KeyHandle) (*Envelope, error) {
	const op = "aead.Encrypt"

	if len(plaintext) == 0 {
		return nil, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}
	if key == nil {
		return nil, vaulterr.New(vaulterr.HardwareUnavailable, op)
	}

	resolved := f.Resolve(alg)
	primitive, err := key.AEAD(resolved)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.HardwareUnavailable, op, err)
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	return &Envelope{
		Version:    EnvelopeVersion,
		Algorithm:  resolved,
		IV:         iv,
		Ciphertext: primitive.Seal(nil, iv, plaintext, nil),
	}, nil
}

// Decrypt opens an envelope, dispatching strictly on its stamped algorithm.
// Authentication failure reports DecryptionFailed with no partial
// plaintext, identically for tampering and wrong keys.
func (f *Facade) Decrypt(env *Envelope, key KeyHandle) ([]byte, error) {
	const op = "aead.Decrypt"

	if env == nil {
		return nil, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}
	if env.Version == 0 || env.Version > EnvelopeVersion {
		return nil, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}
	switch env.Algorithm {
	case AlgorithmAESGCM, AlgorithmChaCha20:
	default:
		// AUTO in a stored envelope is an invariant violation.
		return nil, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}
	if len(env.IV) != IVSize || len(env.Ciphertext) < TagSize {
		return nil, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}
	if key == nil {
		return nil, vaulterr.New(vaulterr.HardwareUnavailable, op)
	}

	primitive, err := key.AEAD(env.Algorithm)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.HardwareUnavailable, op, err)
	}

	plaintext, err := primitive.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		return nil, vaulterr.New(vaulterr.DecryptionFailed, op)
	}
	return plaintext, nil
}
