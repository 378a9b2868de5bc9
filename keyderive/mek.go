// Package keyderive implements the master key hierarchy: passphrase to MEK
// via an iteration-heavy PBKDF, and MEK to purpose-specific subkeys via
// counter-mode HMAC derivation with fixed domain-separation contexts.
package keyderive

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/pbkdf2"

	"github.com/credvault/credvault/secret"
	"github.com/credvault/credvault/vaulterr"
)

const (
	// KeySize is the size of every key in the hierarchy (256 bits).
	KeySize = 32

	// MinIterations is the floor for the PBKDF iteration count.
	// Configured counts below this are rejected, never silently raised.
	MinIterations = 600_000
)

// Params controls MEK derivation.
type Params struct {
	Iterations int
}

// DefaultParams returns the production derivation parameters.
func DefaultParams() Params {
	return Params{Iterations: MinIterations}
}

// DeriveMEK derives the Master Encryption Key from a passphrase and the
// device-bound salt. The derivation is deterministic: the same passphrase
// and salt always yield the same key. The passphrase buffer is not consumed;
// the caller remains responsible for wiping it.
func DeriveMEK(passphrase *secret.Buffer, deviceSalt []byte, p Params) (*secret.Buffer, error) {
	if passphrase == nil || passphrase.Len() == 0 {
		return nil, vaulterr.New(vaulterr.InvalidPassphrase, "keyderive.DeriveMEK")
	}
	if len(deviceSalt) == 0 {
		return nil, vaulterr.New(vaulterr.InvalidPassphrase, "keyderive.DeriveMEK")
	}
	if p.Iterations < MinIterations {
		return nil, vaulterr.New(vaulterr.InvalidPassphrase, "keyderive.DeriveMEK")
	}

	mek := pbkdf2.Key(passphrase.Bytes(), deviceSalt, p.Iterations, KeySize, sha256.New)
	return secret.FromBytes(mek), nil
}

// DeriveSubkey derives the 256-bit subkey for a purpose from the MEK using
// NIST SP 800-108 counter-mode KDF:
//
//	HMAC-SHA256(mek, counter(4B) || context || 0x00 || outputLenBits(4B))
//
// Deterministic given (mek, purpose); distinct purposes yield independent
// key material through their distinct contexts.
func DeriveSubkey(mek *secret.Buffer, purpose Purpose) (*secret.Buffer, error) {
	if mek == nil || mek.Len() != KeySize {
		return nil, vaulterr.New(vaulterr.InvalidPassphrase, "keyderive.DeriveSubkey")
	}
	ctx := purpose.Context()
	if ctx == "" {
		return nil, vaulterr.New(vaulterr.InvalidPassphrase, "keyderive.DeriveSubkey")
	}

	mac := hmac.New(sha256.New, mek.Bytes())

	var counter [4]byte
	binary.BigEndian.PutUint32(counter[:], 1)
	mac.Write(counter[:])
	mac.Write([]byte(ctx))
	mac.Write([]byte{0x00})

	var lenBits [4]byte
	binary.BigEndian.PutUint32(lenBits[:], KeySize*8)
	mac.Write(lenBits[:])

	sum := mac.Sum(nil)
	return secret.FromBytes(sum[:KeySize]), nil
}

// DeriveAllKeys derives the full purpose set in one call. Callers must close
// every returned buffer after use; on error, nothing is returned live.
func DeriveAllKeys(mek *secret.Buffer) (map[Purpose]*secret.Buffer, error) {
	keys := make(map[Purpose]*secret.Buffer, len(AllPurposes))
	for _, p := range AllPurposes {
		k, err := DeriveSubkey(mek, p)
		if err != nil {
			for _, v := range keys {
				v.Close()
			}
			return nil, err
		}
		keys[p] = k
	}
	return keys, nil
}
