//go:build linux

package hardware

import (
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"

	"github.com/credvault/credvault/aead"
	"github.com/credvault/credvault/secret"
	"github.com/credvault/credvault/vaulterr"
)

const nsmDevicePath = "/dev/nsm"

// NSMProvider backs key custody with the Nitro Secure Module. KEKs are
// derived on demand from a per-install seed (NSM entropy, persisted in the
// provider state file) bound to the enclave's PCR0 measurement, so the
// same aliases resolve to the same keys across process restarts inside the
// same enclave image, and to nothing anywhere else. The state file must
// live on the enclave's encrypted data volume. Construction fails closed
// when no NSM device is present.
type NSMProvider struct {
	mu        sync.Mutex
	path      string
	seed      *secret.Buffer
	pcr0      []byte
	entries   map[KeyAlias]nsmEntry
	nextEpoch uint64
	// derived caches per-alias key buffers for the provider lifetime.
	derived map[KeyAlias]*secret.Buffer
}

type nsmEntry struct {
	AuthBound bool   `cbor:"1,keyasint,omitempty"`
	Epoch     uint64 `cbor:"2,keyasint"`
}

type nsmStateFile struct {
	Seed      []byte              `cbor:"1,keyasint"`
	NextEpoch uint64              `cbor:"2,keyasint"`
	Entries   map[string]nsmEntry `cbor:"3,keyasint"`
}

// InNitroEnclave reports whether the NSM device exists.
func InNitroEnclave() bool {
	_, err := os.Stat(nsmDevicePath)
	return err == nil
}

// NewNSMProvider opens the NSM, reads the PCR0 measurement, and loads or
// creates the provider state at statePath. Outside an enclave this returns
// HardwareUnavailable; there is no software fallback here.
func NewNSMProvider(statePath string) (*NSMProvider, error) {
	const op = "hardware.NewNSMProvider"

	if !InNitroEnclave() {
		return nil, vaulterr.New(vaulterr.HardwareUnavailable, op)
	}

	sess, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.HardwareUnavailable, op, err)
	}
	defer sess.Close()

	res, err := sess.Send(&request.DescribePCR{Index: 0})
	if err != nil || res.DescribePCR == nil {
		return nil, vaulterr.Wrap(vaulterr.HardwareUnavailable, op, err)
	}

	p := &NSMProvider{
		path:      statePath,
		pcr0:      res.DescribePCR.Data,
		entries:   make(map[KeyAlias]nsmEntry),
		nextEpoch: 1,
		derived:   make(map[KeyAlias]*secret.Buffer),
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	if p.seed == nil {
		seed, err := nsmRandom(aead.KeySize)
		if err != nil {
			return nil, err
		}
		p.seed = seed
		if err := p.persistLocked(); err != nil {
			return nil, err
		}
	}

	log.Info().Str("state", statePath).Msg("NSM key provider initialized (Nitro enclave)")
	return p, nil
}

// nsmRandom fills key material from the NSM entropy source.
func nsmRandom(n int) (*secret.Buffer, error) {
	sess, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.HardwareUnavailable, "hardware.nsmRandom", err)
	}
	defer sess.Close()

	key := secret.New(n)
	if _, err := io.ReadFull(sess, key.Bytes()); err != nil {
		key.Close()
		return nil, fmt.Errorf("failed to read NSM entropy: %w", err)
	}
	return key, nil
}

// deriveKEK expands the seed into the key for one alias generation. The
// PCR0 salt binds every derived key to the enclave image; the epoch makes
// a recreated alias resolve to fresh material.
func deriveKEK(seed, measurement []byte, alias KeyAlias, epoch uint64) (*secret.Buffer, error) {
	info := fmt.Sprintf("credvault/kek/v1|%s|%d", alias, epoch)
	r := hkdf.New(sha256.New, seed, measurement, []byte(info))

	key := secret.New(aead.KeySize)
	if _, err := io.ReadFull(r, key.Bytes()); err != nil {
		key.Close()
		return nil, fmt.Errorf("failed to derive key for %s: %w", alias, err)
	}
	return key, nil
}

func (p *NSMProvider) EnsureKey(alias KeyAlias) error {
	return p.ensure(alias, false)
}

func (p *NSMProvider) EnsureAuthBoundKey(alias KeyAlias) error {
	return p.ensure(alias, true)
}

func (p *NSMProvider) ensure(alias KeyAlias, authBound bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[alias]; exists {
		return nil
	}
	p.entries[alias] = nsmEntry{AuthBound: authBound, Epoch: p.nextEpoch}
	p.nextEpoch++
	return p.persistLocked()
}

func (p *NSMProvider) Key(alias KeyAlias) (aead.KeyHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, exists := p.entries[alias]
	if !exists || entry.AuthBound {
		return nil, vaulterr.New(vaulterr.HardwareUnavailable, "hardware.Key")
	}
	key, err := p.deriveLocked(alias, entry)
	if err != nil {
		return nil, err
	}
	return &nsmHandle{key: key}, nil
}

func (p *NSMProvider) AuthBoundKey(alias KeyAlias) (aead.KeyHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, exists := p.entries[alias]
	if !exists || !entry.AuthBound {
		return nil, vaulterr.New(vaulterr.HardwareUnavailable, "hardware.AuthBoundKey")
	}
	key, err := p.deriveLocked(alias, entry)
	if err != nil {
		return nil, err
	}
	return &nsmHandle{key: key}, nil
}

func (p *NSMProvider) IsHardwareBacked(alias KeyAlias) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[alias]; !exists {
		return false, vaulterr.New(vaulterr.HardwareUnavailable, "hardware.IsHardwareBacked")
	}
	return true, nil
}

func (p *NSMProvider) DeleteKey(alias KeyAlias) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[alias]; !exists {
		return nil
	}
	delete(p.entries, alias)
	if key, ok := p.derived[alias]; ok {
		key.Close()
		delete(p.derived, alias)
	}
	return p.persistLocked()
}

// deriveLocked returns the cached key for alias, deriving it on first use.
// Callers hold p.mu.
func (p *NSMProvider) deriveLocked(alias KeyAlias, entry nsmEntry) (*secret.Buffer, error) {
	if key, ok := p.derived[alias]; ok {
		return key, nil
	}
	key, err := deriveKEK(p.seed.Bytes(), p.pcr0, alias, entry.Epoch)
	if err != nil {
		return nil, err
	}
	p.derived[alias] = key
	return key, nil
}

func (p *NSMProvider) load() error {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read provider state: %w", err)
	}

	var file nsmStateFile
	if err := cbor.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to decode provider state: %w", err)
	}
	p.seed = secret.FromBytes(file.Seed)
	p.nextEpoch = file.NextEpoch
	if p.nextEpoch == 0 {
		p.nextEpoch = 1
	}
	for name, entry := range file.Entries {
		p.entries[KeyAlias(name)] = entry
	}
	return nil
}

// persistLocked writes the seed and alias registry. Callers hold p.mu.
func (p *NSMProvider) persistLocked() error {
	file := nsmStateFile{
		Seed:      append([]byte(nil), p.seed.Bytes()...),
		NextEpoch: p.nextEpoch,
		Entries:   make(map[string]nsmEntry, len(p.entries)),
	}
	for alias, entry := range p.entries {
		file.Entries[string(alias)] = entry
	}
	data, err := cbor.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to encode provider state: %w", err)
	}
	defer secret.Wipe(file.Seed)

	// Write-then-rename so a crash mid-write cannot truncate the state.
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write provider state: %w", err)
	}
	return os.Rename(tmp, p.path)
}

type nsmHandle struct {
	key *secret.Buffer
}

func (h *nsmHandle) AEAD(alg aead.Algorithm) (cipher.AEAD, error) {
	return aead.NewPrimitive(alg, h.key.Bytes())
}

func (h *nsmHandle) HardwareBacked() bool { return true }
