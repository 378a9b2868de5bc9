package keywrap

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/credvault/credvault/aead"
	"github.com/credvault/credvault/hardware"
	"github.com/credvault/credvault/store"
	"github.com/credvault/credvault/vaulterr"
)

func testVault(t *testing.T) (*Vault, *store.SQLite, *hardware.DevProvider) {
	t.Helper()
	backend, err := store.NewSQLite(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	provider := hardware.NewDevProvider()
	facade := aead.NewFacade(hardware.NewProbe(provider))
	return New(provider, facade, backend), backend, provider
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	v, _, _ := testVault(t)

	for i := 0; i < 16; i++ {
		key, err := v.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
		original := append([]byte(nil), key.Bytes()...)

		rec, err := v.Wrap(key, "kek.test")
		if err != nil {
			t.Fatalf("Wrap failed: %v", err)
		}

		got, err := v.Unwrap(rec, "kek.test")
		if err != nil {
			t.Fatalf("Unwrap failed: %v", err)
		}
		if !bytes.Equal(got.Bytes(), original) {
			t.Fatal("Wrap/unwrap round trip mismatch")
		}
		got.Close()
		key.Close()
	}
}

func TestWrapFreshIVs(t *testing.T) {
	v, _, _ := testVault(t)

	key, err := v.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	defer key.Close()

	a, err := v.Wrap(key, "kek.test")
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	b, err := v.Wrap(key, "kek.test")
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if bytes.Equal(a.IV, b.IV) {
		t.Error("Two wraps reused an IV")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Error("Two wraps produced identical ciphertext")
	}
}

func TestUnwrapTamperAndWrongKey(t *testing.T) {
	v, _, _ := testVault(t)

	key, err := v.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	defer key.Close()

	rec, err := v.Wrap(key, "kek.a")
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	tampered := &store.WrappedKeyRecord{
		Algorithm:  rec.Algorithm,
		IV:         rec.IV,
		Ciphertext: append([]byte(nil), rec.Ciphertext...),
		Version:    rec.Version,
	}
	tampered.Ciphertext[0] ^= 1
	if _, err := v.Unwrap(tampered, "kek.a"); !vaulterr.IsKind(err, vaulterr.DecryptionFailed) {
		t.Errorf("Expected DecryptionFailed for tampered record, got %v", err)
	}

	// Wrong KEK alias: indistinguishable decryption failure.
	if err := v.provider.EnsureKey("kek.b"); err != nil {
		t.Fatalf("EnsureKey failed: %v", err)
	}
	if _, err := v.Unwrap(rec, "kek.b"); !vaulterr.IsKind(err, vaulterr.DecryptionFailed) {
		t.Errorf("Expected DecryptionFailed for wrong KEK, got %v", err)
	}
}

func TestInitializeAndOpenStore(t *testing.T) {
	v, backend, _ := testVault(t)

	if err := v.InitializeStoreKey(); err != nil {
		t.Fatalf("InitializeStoreKey failed: %v", err)
	}
	if !backend.IsOpen() {
		t.Fatal("Store not open after initialization")
	}
	if err := v.InitializeStoreKey(); err == nil {
		t.Error("Second initialization succeeded")
	}

	if err := backend.PutItem("k", []byte("v")); err != nil {
		t.Fatalf("PutItem failed: %v", err)
	}

	backend.Lock()
	if err := v.OpenStore(); err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	got, err := backend.GetItem("k")
	if err != nil || !bytes.Equal(got, []byte("v")) {
		t.Fatalf("Item unreadable after reopen: %v", err)
	}
}

func TestRotateStoreKey(t *testing.T) {
	v, backend, _ := testVault(t)

	if err := v.InitializeStoreKey(); err != nil {
		t.Fatalf("InitializeStoreKey failed: %v", err)
	}
	if err := backend.PutItem("cred", []byte("secret value")); err != nil {
		t.Fatalf("PutItem failed: %v", err)
	}
	before, err := backend.LoadWrappedKey(StoreKeyPurpose)
	if err != nil {
		t.Fatalf("LoadWrappedKey failed: %v", err)
	}

	if err := v.RotateStoreKey(); err != nil {
		t.Fatalf("RotateStoreKey failed: %v", err)
	}

	after, err := backend.LoadWrappedKey(StoreKeyPurpose)
	if err != nil {
		t.Fatalf("LoadWrappedKey failed: %v", err)
	}
	if bytes.Equal(before.Ciphertext, after.Ciphertext) {
		t.Error("Wrapped key record unchanged after rotation")
	}

	// Data survives rotation, and the new record re-opens the store.
	got, err := backend.GetItem("cred")
	if err != nil || !bytes.Equal(got, []byte("secret value")) {
		t.Fatalf("Item unreadable after rotation: %v", err)
	}
	backend.Lock()
	if err := v.OpenStore(); err != nil {
		t.Fatalf("OpenStore after rotation failed: %v", err)
	}

	n, err := backend.RotationCount()
	if err != nil || n != 1 {
		t.Errorf("RotationCount = %d, %v", n, err)
	}
}

// flakyLoadBackend wraps a real backend but fails wrapped-key loads with
// a transient error, simulating a busy or briefly unreadable database.
type flakyLoadBackend struct {
	*store.SQLite
	saved bool
}

func (f *flakyLoadBackend) LoadWrappedKey(purpose string) (*store.WrappedKeyRecord, error) {
	return nil, errors.New("database is locked")
}

func (f *flakyLoadBackend) SaveWrappedKey(purpose string, rec *store.WrappedKeyRecord) error {
	f.saved = true
	return f.SQLite.SaveWrappedKey(purpose, rec)
}

func TestInitializeStoreKeyTransientLoadFailure(t *testing.T) {
	backend, err := store.NewSQLite(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer backend.Close()

	provider := hardware.NewDevProvider()
	facade := aead.NewFacade(hardware.NewProbe(provider))

	// A transient load error is not "no key exists": initialization must
	// refuse rather than mint a DEK that could shadow an existing one.
	flaky := &flakyLoadBackend{SQLite: backend}
	v := New(provider, facade, flaky)
	if err := v.InitializeStoreKey(); err == nil {
		t.Fatal("InitializeStoreKey succeeded despite load failure")
	}
	if flaky.saved {
		t.Fatal("A wrapped key was persisted despite the load failure")
	}
	if backend.IsOpen() {
		t.Fatal("Store was opened despite the load failure")
	}
}

// failingRekeyBackend wraps a real backend but fails the store-level
// rekey, simulating a mid-rotation crash of the store collaborator.
type failingRekeyBackend struct {
	*store.SQLite
}

func (f *failingRekeyBackend) Rekey(newDEK []byte) error {
	return vaulterr.New(vaulterr.RotationFailed, "store.Rekey")
}

func TestRotationAtomicityOnRekeyFailure(t *testing.T) {
	backend, err := store.NewSQLite(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer backend.Close()

	provider := hardware.NewDevProvider()
	facade := aead.NewFacade(hardware.NewProbe(provider))

	// Initialize through the normal path first.
	v := New(provider, facade, backend)
	if err := v.InitializeStoreKey(); err != nil {
		t.Fatalf("InitializeStoreKey failed: %v", err)
	}
	if err := backend.PutItem("cred", []byte("payload")); err != nil {
		t.Fatalf("PutItem failed: %v", err)
	}
	before, err := backend.LoadWrappedKey(StoreKeyPurpose)
	if err != nil {
		t.Fatalf("LoadWrappedKey failed: %v", err)
	}

	// Rotate against a backend whose rekey always fails.
	failing := New(provider, facade, &failingRekeyBackend{SQLite: backend})
	if err := failing.RotateStoreKey(); !vaulterr.IsKind(err, vaulterr.RotationFailed) {
		t.Fatalf("Expected RotationFailed, got %v", err)
	}

	// The pre-rotation wrapped key record must be untouched and must
	// still open the store.
	after, err := backend.LoadWrappedKey(StoreKeyPurpose)
	if err != nil {
		t.Fatalf("LoadWrappedKey failed: %v", err)
	}
	if !bytes.Equal(before.Ciphertext, after.Ciphertext) || !bytes.Equal(before.IV, after.IV) {
		t.Fatal("Wrapped key record was overwritten despite rekey failure")
	}

	backend.Lock()
	if err := v.OpenStore(); err != nil {
		t.Fatalf("Old wrapped key no longer opens the store: %v", err)
	}
	got, err := backend.GetItem("cred")
	if err != nil || !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("Item unreadable after failed rotation: %v", err)
	}
}
