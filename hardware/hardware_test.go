package hardware

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/credvault/credvault/aead"
	"github.com/credvault/credvault/vaulterr"
)

func TestDevProviderKeyLifecycle(t *testing.T) {
	p := NewDevProvider()

	if err := p.EnsureKey("k1"); err != nil {
		t.Fatalf("EnsureKey failed: %v", err)
	}
	// Idempotent
	if err := p.EnsureKey("k1"); err != nil {
		t.Fatalf("Second EnsureKey failed: %v", err)
	}

	handle, err := p.Key("k1")
	if err != nil {
		t.Fatalf("Key failed: %v", err)
	}

	primitive, err := handle.AEAD(aead.AlgorithmChaCha20)
	if err != nil {
		t.Fatalf("AEAD failed: %v", err)
	}
	nonce := make([]byte, primitive.NonceSize())
	ct := primitive.Seal(nil, nonce, []byte("payload"), nil)
	pt, err := primitive.Open(nil, nonce, ct, nil)
	if err != nil || !bytes.Equal(pt, []byte("payload")) {
		t.Errorf("Round trip through handle failed: %v", err)
	}

	if err := p.DeleteKey("k1"); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}
	if _, err := p.Key("k1"); !vaulterr.IsKind(err, vaulterr.HardwareUnavailable) {
		t.Errorf("Expected HardwareUnavailable after delete, got %v", err)
	}
	// Deleting a missing key is not an error.
	if err := p.DeleteKey("k1"); err != nil {
		t.Errorf("Delete of missing key errored: %v", err)
	}
}

func TestDevProviderAuthBoundSeparation(t *testing.T) {
	p := NewDevProvider()

	if err := p.EnsureAuthBoundKey("bio"); err != nil {
		t.Fatalf("EnsureAuthBoundKey failed: %v", err)
	}

	// Auth-bound keys must not be reachable as plain keys.
	if _, err := p.Key("bio"); !vaulterr.IsKind(err, vaulterr.HardwareUnavailable) {
		t.Errorf("Plain Key returned auth-bound key: %v", err)
	}
	if _, err := p.AuthBoundKey("bio"); err != nil {
		t.Errorf("AuthBoundKey failed: %v", err)
	}

	// Plain keys must not be reachable as auth-bound.
	if err := p.EnsureKey("plain"); err != nil {
		t.Fatalf("EnsureKey failed: %v", err)
	}
	if _, err := p.AuthBoundKey("plain"); !vaulterr.IsKind(err, vaulterr.HardwareUnavailable) {
		t.Errorf("AuthBoundKey returned plain key: %v", err)
	}
}

func TestDevProviderInvalidation(t *testing.T) {
	p := NewDevProvider()

	if err := p.EnsureAuthBoundKey("bio"); err != nil {
		t.Fatalf("EnsureAuthBoundKey failed: %v", err)
	}
	p.InvalidateAuthBoundKeys()

	if _, err := p.AuthBoundKey("bio"); !vaulterr.IsKind(err, vaulterr.HardwareKeyInvalidated) {
		t.Errorf("Expected HardwareKeyInvalidated, got %v", err)
	}

	// Recreating the key clears the invalidation, with fresh material.
	if err := p.EnsureAuthBoundKey("bio"); err != nil {
		t.Fatalf("Recreate failed: %v", err)
	}
	if _, err := p.AuthBoundKey("bio"); err != nil {
		t.Errorf("AuthBoundKey failed after recreate: %v", err)
	}
}

func TestPersistentDevProviderSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.keys")

	p1, err := NewPersistentDevProvider(path)
	if err != nil {
		t.Fatalf("NewPersistentDevProvider failed: %v", err)
	}
	if err := p1.EnsureKey("kek"); err != nil {
		t.Fatalf("EnsureKey failed: %v", err)
	}
	if err := p1.EnsureAuthBoundKey("bio"); err != nil {
		t.Fatalf("EnsureAuthBoundKey failed: %v", err)
	}

	handle, err := p1.Key("kek")
	if err != nil {
		t.Fatalf("Key failed: %v", err)
	}
	primitive, err := handle.AEAD(aead.AlgorithmChaCha20)
	if err != nil {
		t.Fatalf("AEAD failed: %v", err)
	}
	nonce := make([]byte, primitive.NonceSize())
	ct := primitive.Seal(nil, nonce, []byte("wrapped"), nil)

	// A fresh provider over the same keystore must hold the same keys:
	// this is what a second process sees.
	p2, err := NewPersistentDevProvider(path)
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	handle2, err := p2.Key("kek")
	if err != nil {
		t.Fatalf("Key after rebuild failed: %v", err)
	}
	primitive2, err := handle2.AEAD(aead.AlgorithmChaCha20)
	if err != nil {
		t.Fatalf("AEAD after rebuild failed: %v", err)
	}
	pt, err := primitive2.Open(nil, nonce, ct, nil)
	if err != nil || !bytes.Equal(pt, []byte("wrapped")) {
		t.Fatalf("Rebuilt provider cannot open prior ciphertext: %v", err)
	}

	// Alias roles survive too.
	if _, err := p2.Key("bio"); !vaulterr.IsKind(err, vaulterr.HardwareUnavailable) {
		t.Errorf("Auth-bound alias reachable as plain key after rebuild: %v", err)
	}
	if _, err := p2.AuthBoundKey("bio"); err != nil {
		t.Errorf("AuthBoundKey after rebuild failed: %v", err)
	}
}

func TestPersistentDevProviderInvalidationSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.keys")

	p1, err := NewPersistentDevProvider(path)
	if err != nil {
		t.Fatalf("NewPersistentDevProvider failed: %v", err)
	}
	if err := p1.EnsureAuthBoundKey("bio"); err != nil {
		t.Fatalf("EnsureAuthBoundKey failed: %v", err)
	}
	p1.InvalidateAuthBoundKeys()

	p2, err := NewPersistentDevProvider(path)
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if _, err := p2.AuthBoundKey("bio"); !vaulterr.IsKind(err, vaulterr.HardwareKeyInvalidated) {
		t.Errorf("Invalidation lost across restart, got %v", err)
	}
}

func TestProbeCachesResult(t *testing.T) {
	p := NewDevProvider()
	p.ReportHardwareBacked(true)

	probe := NewProbe(p)
	if !probe.SecureHardware() {
		t.Error("Expected secure hardware report")
	}

	// Flipping the provider after the probe must not change the cached
	// answer.
	p.ReportHardwareBacked(false)
	if !probe.SecureHardware() {
		t.Error("Probe result was not cached")
	}
}

func TestProbeSoftware(t *testing.T) {
	probe := NewProbe(NewDevProvider())
	if probe.SecureHardware() {
		t.Error("Dev provider reported secure hardware by default")
	}

	if NewProbe(nil).SecureHardware() {
		t.Error("Nil provider reported secure hardware")
	}
}
