package passhash

import (
	"crypto/hmac"
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/credvault/credvault/vaulterr"
)

// fakeEngine is a fast HMAC-based stand-in for Argon2id. It keeps the
// service's salting, encoding and comparison logic under test without the
// memory-hard cost.
type fakeEngine struct{}

func (fakeEngine) Derive(password, salt []byte, p Params) []byte {
	mac := hmac.New(sha256.New, salt)
	mac.Write(password)
	return mac.Sum(nil)
}

func fastService() *Service {
	return newServiceUnchecked(fakeEngine{}, Params{MemoryKiB: 8, Time: 1, Threads: 1})
}

func TestHashVerifyRoundTrip(t *testing.T) {
	svc := fastService()

	encoded, err := svc.Hash([]byte("CorrectHorse1!"))
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$") {
		t.Errorf("Unexpected encoding prefix: %s", encoded)
	}

	ok, err := svc.Verify([]byte("CorrectHorse1!"), encoded)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Error("Correct password did not verify")
	}

	ok, err = svc.Verify([]byte("wrong"), encoded)
	if err != nil {
		t.Fatalf("Verify errored on mismatch: %v", err)
	}
	if ok {
		t.Error("Wrong password verified")
	}
}

func TestHashFreshSalts(t *testing.T) {
	svc := fastService()

	a, err := svc.Hash([]byte("same password"))
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	b, err := svc.Hash([]byte("same password"))
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if a == b {
		t.Error("Two hashes of the same password are identical (salt reuse)")
	}

	for _, encoded := range []string{a, b} {
		ok, err := svc.Verify([]byte("same password"), encoded)
		if err != nil || !ok {
			t.Errorf("Verify(%s) = %v, %v", encoded, ok, err)
		}
	}
}

func TestHashEmptyPassword(t *testing.T) {
	svc := fastService()
	if _, err := svc.Hash(nil); !vaulterr.IsKind(err, vaulterr.InvalidPassphrase) {
		t.Errorf("Expected InvalidPassphrase, got %v", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	svc := fastService()

	cases := []string{
		"",
		"not a hash",
		"$argon2i$v=19$m=8,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=8,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=0,t=0,p=0$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8,t=1,p=1$!!!$aGFzaA",
		"$argon2id$v=19$m=8,t=1,p=1$c2FsdA$!!!",
		"$argon2id$v=19$m=8,t=1,p=1$c2FsdA",
	}
	for _, c := range cases {
		if _, err := svc.Verify([]byte("pw"), c); !vaulterr.IsKind(err, vaulterr.CorruptEnvelope) {
			t.Errorf("Verify(%q): expected CorruptEnvelope, got %v", c, err)
		}
	}
}

func TestNewServiceFloors(t *testing.T) {
	if _, err := NewService(Argon2idEngine{}, Params{MemoryKiB: 1024, Time: 1, Threads: 1}); err == nil {
		t.Error("NewService accepted parameters below the floor")
	}
	if _, err := NewService(nil, DefaultParams()); err == nil {
		t.Error("NewService accepted nil engine")
	}
	if _, err := NewService(Argon2idEngine{}, DefaultParams()); err != nil {
		t.Errorf("NewService rejected default parameters: %v", err)
	}
}

// TestArgon2idEngine exercises the production engine once with tiny cost to
// confirm determinism without the 64 MiB run.
func TestArgon2idEngineDeterministic(t *testing.T) {
	e := Argon2idEngine{}
	p := Params{MemoryKiB: 8, Time: 1, Threads: 1}
	salt := []byte("0123456789abcdef")

	a := e.Derive([]byte("pw"), salt, p)
	b := e.Derive([]byte("pw"), salt, p)
	if string(a) != string(b) {
		t.Error("Argon2id engine is not deterministic")
	}
	if len(a) != HashSize {
		t.Errorf("Expected %d-byte hash, got %d", HashSize, len(a))
	}
}
