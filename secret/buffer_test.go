package secret

import (
	"bytes"
	"testing"
)

func TestFromBytesWipesSource(t *testing.T) {
	src := []byte("super secret passphrase")
	buf := FromBytes(src)
	defer buf.Close()

	if !bytes.Equal(buf.Bytes(), []byte("super secret passphrase")) {
		t.Error("Buffer contents mismatch")
	}
	for i, b := range src {
		if b != 0 {
			t.Fatalf("Source byte %d not wiped", i)
		}
	}
}

func TestCloseWipes(t *testing.T) {
	buf := FromBytes([]byte{1, 2, 3, 4})
	inner := buf.Bytes()
	buf.Close()

	for i, b := range inner {
		if b != 0 {
			t.Fatalf("Byte %d not wiped on close", i)
		}
	}
	if buf.Bytes() != nil {
		t.Error("Expected nil bytes after close")
	}
	if buf.Len() != 0 {
		t.Error("Expected zero length after close")
	}

	// Double close must be a no-op
	buf.Close()
}

func TestRandom(t *testing.T) {
	a, err := Random(32)
	if err != nil {
		t.Fatalf("Random failed: %v", err)
	}
	defer a.Close()
	b, err := Random(32)
	if err != nil {
		t.Fatalf("Random failed: %v", err)
	}
	defer b.Close()

	if a.Len() != 32 || b.Len() != 32 {
		t.Fatal("Expected 32-byte buffers")
	}
	if bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("Two random buffers are identical")
	}
}

func TestEqualConstantTime(t *testing.T) {
	buf := FromBytes([]byte("0123456789abcdef0123456789abcdef"))
	defer buf.Close()

	if !buf.Equal([]byte("0123456789abcdef0123456789abcdef")) {
		t.Error("Expected equality")
	}
	if buf.Equal([]byte("0123456789abcdef0123456789abcdeX")) {
		t.Error("Expected inequality")
	}
	if buf.Equal([]byte("short")) {
		t.Error("Expected length mismatch to compare unequal")
	}
}

func TestWithWipesOnPanic(t *testing.T) {
	var leaked []byte
	func() {
		defer func() { recover() }()
		_ = With(16, func(b []byte) error {
			copy(b, "sixteen byte key")
			leaked = b
			panic("boom")
		})
	}()

	for i, b := range leaked {
		if b != 0 {
			t.Fatalf("Byte %d survived panic exit", i)
		}
	}
}

func TestClone(t *testing.T) {
	buf := FromBytes([]byte("abcd"))
	clone := buf.Clone()
	buf.Close()
	defer clone.Close()

	if !bytes.Equal(clone.Bytes(), []byte("abcd")) {
		t.Error("Clone does not survive origin close")
	}
}
