// Package aead is the algorithm-agile authenticated encryption facade.
// It selects between AES-256-GCM and ChaCha20-Poly1305, stamps every
// ciphertext into a versioned self-describing envelope, and resolves the
// AUTO algorithm through a one-time hardware capability probe.
package aead

import (
	"encoding/binary"
	"fmt"

	"github.com/credvault/credvault/vaulterr"
)

// Algorithm identifies an AEAD cipher in the envelope header.
type Algorithm byte

const (
	// AlgorithmAuto resolves to a concrete algorithm at encrypt time via
	// the hardware capability probe. It is never written to storage.
	AlgorithmAuto Algorithm = 0

	// AlgorithmAESGCM is AES-256-GCM, preferred when hardware-accelerated.
	AlgorithmAESGCM Algorithm = 1

	// AlgorithmChaCha20 is ChaCha20-Poly1305, the software fallback.
	AlgorithmChaCha20 Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmAuto:
		return "auto"
	case AlgorithmAESGCM:
		return "aes-256-gcm"
	case AlgorithmChaCha20:
		return "chacha20-poly1305"
	default:
		return fmt.Sprintf("unknown(%d)", byte(a))
	}
}

const (
	// EnvelopeVersion is the current envelope format version. Decoding an
	// envelope with a greater version is a hard error.
	EnvelopeVersion = 1

	// IVSize is the nonce size for both supported algorithms (96 bits).
	IVSize = 12

	// TagSize is the authentication tag size appended by both AEADs.
	TagSize = 16

	headerSize = 1 + 1 + 2 // version | algorithm | ivLen (big-endian)
)

// Envelope is the self-describing ciphertext container. Ciphertext carries
// the appended 16-byte authentication tag.
type Envelope struct {
	Version   byte
	Algorithm Algorithm
	IV        []byte
	Ciphertext []byte
}

// Encode serializes the envelope to the persisted wire layout:
//
//	version(1B) | algorithm(1B) | ivLen(2B, big-endian) | iv | ciphertext
func (e *Envelope) Encode() []byte {
	out := make([]byte, 0, headerSize+len(e.IV)+len(e.Ciphertext))
	out = append(out, e.Version, byte(e.Algorithm))
	out = binary.BigEndian.AppendUint16(out, uint16(len(e.IV)))
	out = append(out, e.IV...)
	out = append(out, e.Ciphertext...)
	return out
}

// Decode parses and validates a persisted envelope. An envelope stamped
// AUTO is an invariant violation and is rejected as corrupt.
func Decode(data []byte) (*Envelope, error) {
	const op = "aead.Decode"

	if len(data) < headerSize {
		return nil, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}

	e := &Envelope{Version: data[0], Algorithm: Algorithm(data[1])}
	if e.Version == 0 || e.Version > EnvelopeVersion {
		return nil, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}
	switch e.Algorithm {
	case AlgorithmAESGCM, AlgorithmChaCha20:
	default:
		return nil, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}

	ivLen := int(binary.BigEndian.Uint16(data[2:4]))
	if ivLen != IVSize || len(data) < headerSize+ivLen+TagSize {
		return nil, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}

	e.IV = append([]byte(nil), data[headerSize:headerSize+ivLen]...)
	e.Ciphertext = append([]byte(nil), data[headerSize+ivLen:]...)
	return e, nil
}
