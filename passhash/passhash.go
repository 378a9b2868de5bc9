// Package passhash provides memory-hard password hashing and verification
// behind a swappable engine, so the expensive Argon2id implementation can be
// replaced with a fast fake in tests without weakening production behavior.
package passhash

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/credvault/credvault/vaulterr"
)

const (
	// SaltSize is the per-hash random salt size (128 bits).
	SaltSize = 16

	// HashSize is the derived hash size.
	HashSize = 32

	// Floors for production parameters. Below these, NewService refuses.
	MinMemoryKiB = 64 * 1024
	MinTime      = 3
)

// Params are the Argon2id cost parameters embedded in every encoded hash.
type Params struct {
	MemoryKiB uint32
	Time      uint32
	Threads   uint8
}

// DefaultParams returns the production hashing parameters.
func DefaultParams() Params {
	return Params{MemoryKiB: MinMemoryKiB, Time: MinTime, Threads: 4}
}

// Engine is the hashing primitive. Implementations must be deterministic
// for fixed (password, salt, params).
type Engine interface {
	Derive(password, salt []byte, p Params) []byte
}

// Argon2idEngine is the production engine.
type Argon2idEngine struct{}

func (Argon2idEngine) Derive(password, salt []byte, p Params) []byte {
	return argon2.IDKey(password, salt, p.Time, p.MemoryKiB, p.Threads, HashSize)
}

// Service hashes and verifies passwords with a constructor-injected engine.
type Service struct {
	engine Engine
	params Params
}

// NewService builds a production service. Parameters below the floors are
// rejected rather than silently raised.
func NewService(engine Engine, p Params) (*Service, error) {
	if engine == nil {
		return nil, fmt.Errorf("passhash: engine is required")
	}
	if p.MemoryKiB < MinMemoryKiB || p.Time < MinTime || p.Threads == 0 {
		return nil, fmt.Errorf("passhash: parameters below security floor")
	}
	return &Service{engine: engine, params: p}, nil
}

// newServiceUnchecked skips the parameter floor. Test-only construction for
// fast fake engines.
func newServiceUnchecked(engine Engine, p Params) *Service {
	return &Service{engine: engine, params: p}
}

// Hash derives an encoded hash with a fresh random salt. The output is
// self-describing and safe to persist:
//
//	$argon2id$v=19$m=<KiB>,t=<time>,p=<threads>$<b64 salt>$<b64 hash>
func (s *Service) Hash(password []byte) (string, error) {
	if len(password) == 0 {
		return "", vaulterr.New(vaulterr.InvalidPassphrase, "passhash.Hash")
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := s.engine.Derive(password, salt, s.params)
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		s.params.MemoryKiB, s.params.Time, s.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
	return encoded, nil
}

// Verify re-derives the hash with the embedded parameters and compares in
// constant time. A mismatch returns (false, nil); only malformed input is
// an error.
func (s *Service) Verify(password []byte, encoded string) (bool, error) {
	salt, expected, p, err := decode(encoded)
	if err != nil {
		return false, err
	}

	computed := s.engine.Derive(password, salt, p)
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func decode(encoded string) (salt, hash []byte, p Params, err error) {
	const op = "passhash.Verify"

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return nil, nil, p, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, nil, p, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Threads); err != nil {
		return nil, nil, p, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}
	if p.MemoryKiB == 0 || p.Time == 0 || p.Threads == 0 {
		return nil, nil, p, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return nil, nil, p, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return nil, nil, p, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}
	return salt, hash, p, nil
}
