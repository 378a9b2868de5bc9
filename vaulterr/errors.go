// Package vaulterr defines the closed error taxonomy for the crypto core.
// Every failure crossing a component boundary is re-raised as one of these
// kinds. No variant ever carries key material, passphrases, or plaintext in
// its message.
package vaulterr

import (
	"errors"
	"fmt"
)

// Kind classifies a vault error.
type Kind int

const (
	// InvalidPassphrase means the supplied passphrase was empty or malformed.
	InvalidPassphrase Kind = iota + 1

	// WrongCredential means a hash/verify or unwrap mismatch. Callers must
	// not be able to distinguish this from a generic failure by timing.
	WrongCredential

	// CorruptEnvelope means an unknown version/algorithm or malformed
	// serialization of a persisted record.
	CorruptEnvelope

	// HardwareUnavailable means no secure key store exists, or the
	// operation is unsupported on this platform.
	HardwareUnavailable

	// HardwareKeyInvalidated means the hardware key was invalidated
	// (e.g. biometric enrollment changed). Recoverable via passphrase.
	HardwareKeyInvalidated

	// DecryptionFailed means an AEAD authentication failure, whether
	// caused by tampering or a wrong key.
	DecryptionFailed

	// RotationFailed means a store-level rekey did not complete;
	// the old key remains authoritative.
	RotationFailed
)

// String returns the short, non-leaking message class for the kind.
func (k Kind) String() string {
	switch k {
	case InvalidPassphrase:
		return "invalid passphrase"
	case WrongCredential:
		return "incorrect credential"
	case CorruptEnvelope:
		return "corrupt envelope"
	case HardwareUnavailable:
		return "secure hardware unavailable"
	case HardwareKeyInvalidated:
		return "hardware key invalidated"
	case DecryptionFailed:
		return "decryption failed"
	case RotationFailed:
		return "key rotation failed"
	default:
		return "vault error"
	}
}

// Error is the single error type crossing component boundaries.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "keywrap.Unwrap"
	Err  error  // underlying cause, never carries secrets
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so callers can match with errors.Is(err, &Error{Kind: k}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a taxonomy error with no underlying cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds a taxonomy error around an underlying cause. The cause is kept
// for logging via Unwrap but its text is never surfaced to users.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the taxonomy kind from err, or 0 if err is not a vault error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
