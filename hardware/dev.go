package hardware

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/credvault/credvault/aead"
	"github.com/credvault/credvault/secret"
	"github.com/credvault/credvault/vaulterr"
)

// DevProvider holds keys in process memory, optionally mirrored to a
// keystore file so wrapped records survive a process restart. It exists
// for development and tests only: keys are not hardware-backed and the
// keystore file holds raw key material, so the constructor logs a warning
// to make accidental production use visible.
type DevProvider struct {
	mu        sync.Mutex
	path      string // "" means memory-only
	keys      map[KeyAlias]*secret.Buffer
	authBound map[KeyAlias]bool
	// invalidated simulates a biometric enrollment change for the named
	// auth-bound keys.
	invalidated map[KeyAlias]bool
	// reportBacked lets tests exercise the hardware-backed probe path.
	reportBacked bool
}

// NewDevProvider creates a memory-only provider. NOT SECURE, dev and test
// use only; keys do not survive the process.
func NewDevProvider() *DevProvider {
	log.Warn().Msg("Using in-memory dev key provider - NOT SECURE, keys are not hardware backed")
	return newDevProvider("")
}

// NewPersistentDevProvider creates a provider whose keys are mirrored to
// the keystore file at path, so a vault initialized by one process can be
// opened by the next. NOT SECURE: the file holds raw key material.
func NewPersistentDevProvider(path string) (*DevProvider, error) {
	log.Warn().Str("keystore", path).
		Msg("Using file-backed dev key provider - NOT SECURE, keys are stored in plaintext")

	p := newDevProvider(path)
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func newDevProvider(path string) *DevProvider {
	return &DevProvider{
		path:        path,
		keys:        make(map[KeyAlias]*secret.Buffer),
		authBound:   make(map[KeyAlias]bool),
		invalidated: make(map[KeyAlias]bool),
	}
}

// ReportHardwareBacked makes the provider claim secure backing. Test hook
// for the AUTO resolution path.
func (p *DevProvider) ReportHardwareBacked(backed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reportBacked = backed
}

// InvalidateAuthBoundKeys simulates an enrollment change: every auth-bound
// key becomes unusable until recreated.
func (p *DevProvider) InvalidateAuthBoundKeys() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for alias, isAuth := range p.authBound {
		if isAuth {
			p.invalidated[alias] = true
		}
	}
	if err := p.persistLocked(); err != nil {
		log.Warn().Err(err).Msg("Failed to persist dev keystore")
	}
}

func (p *DevProvider) EnsureKey(alias KeyAlias) error {
	return p.ensure(alias, false)
}

func (p *DevProvider) EnsureAuthBoundKey(alias KeyAlias) error {
	return p.ensure(alias, true)
}

func (p *DevProvider) ensure(alias KeyAlias, authBound bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.keys[alias]; exists && !p.invalidated[alias] {
		return nil
	}

	key := secret.New(aead.KeySize)
	if _, err := rand.Read(key.Bytes()); err != nil {
		key.Close()
		return fmt.Errorf("failed to generate key material: %w", err)
	}
	if old, exists := p.keys[alias]; exists {
		old.Close()
	}
	p.keys[alias] = key
	p.authBound[alias] = authBound
	delete(p.invalidated, alias)
	return p.persistLocked()
}

func (p *DevProvider) Key(alias KeyAlias) (aead.KeyHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, exists := p.keys[alias]
	if !exists {
		return nil, vaulterr.New(vaulterr.HardwareUnavailable, "hardware.Key")
	}
	if p.authBound[alias] {
		// Auth-bound keys are only reachable through AuthBoundKey.
		return nil, vaulterr.New(vaulterr.HardwareUnavailable, "hardware.Key")
	}
	return &devHandle{key: key, backed: p.reportBacked}, nil
}

func (p *DevProvider) AuthBoundKey(alias KeyAlias) (aead.KeyHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, exists := p.keys[alias]
	if !exists || !p.authBound[alias] {
		return nil, vaulterr.New(vaulterr.HardwareUnavailable, "hardware.AuthBoundKey")
	}
	if p.invalidated[alias] {
		return nil, vaulterr.New(vaulterr.HardwareKeyInvalidated, "hardware.AuthBoundKey")
	}
	return &devHandle{key: key, backed: p.reportBacked}, nil
}

func (p *DevProvider) IsHardwareBacked(alias KeyAlias) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.keys[alias]; !exists {
		return false, vaulterr.New(vaulterr.HardwareUnavailable, "hardware.IsHardwareBacked")
	}
	return p.reportBacked, nil
}

func (p *DevProvider) DeleteKey(alias KeyAlias) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if key, exists := p.keys[alias]; exists {
		key.Close()
		delete(p.keys, alias)
		delete(p.authBound, alias)
		delete(p.invalidated, alias)
		return p.persistLocked()
	}
	return nil
}

// --- keystore file ---

type devKeystoreEntry struct {
	Key         []byte `cbor:"1,keyasint"`
	AuthBound   bool   `cbor:"2,keyasint,omitempty"`
	Invalidated bool   `cbor:"3,keyasint,omitempty"`
}

type devKeystoreFile struct {
	Entries map[string]devKeystoreEntry `cbor:"1,keyasint"`
}

func (p *DevProvider) load() error {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read dev keystore: %w", err)
	}

	var file devKeystoreFile
	if err := cbor.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to decode dev keystore: %w", err)
	}
	for name, entry := range file.Entries {
		alias := KeyAlias(name)
		p.keys[alias] = secret.FromBytes(entry.Key)
		p.authBound[alias] = entry.AuthBound
		if entry.Invalidated {
			p.invalidated[alias] = true
		}
	}
	return nil
}

// persistLocked mirrors the current key set to the keystore file. Callers
// hold p.mu. Memory-only providers skip it.
func (p *DevProvider) persistLocked() error {
	if p.path == "" {
		return nil
	}

	file := devKeystoreFile{Entries: make(map[string]devKeystoreEntry, len(p.keys))}
	for alias, key := range p.keys {
		file.Entries[string(alias)] = devKeystoreEntry{
			Key:         append([]byte(nil), key.Bytes()...),
			AuthBound:   p.authBound[alias],
			Invalidated: p.invalidated[alias],
		}
	}
	data, err := cbor.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to encode dev keystore: %w", err)
	}

	// Write-then-rename so a crash mid-write cannot truncate the keystore.
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write dev keystore: %w", err)
	}
	return os.Rename(tmp, p.path)
}

// devHandle adapts a stored key to aead.KeyHandle without copying it out.
type devHandle struct {
	key    *secret.Buffer
	backed bool
}

func (h *devHandle) AEAD(alg aead.Algorithm) (cipher.AEAD, error) {
	return aead.NewPrimitive(alg, h.key.Bytes())
}

func (h *devHandle) HardwareBacked() bool { return h.backed }
