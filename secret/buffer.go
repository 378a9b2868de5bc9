// Package secret provides wipeable buffers for in-memory key material.
// A Buffer owns its bytes, pins them against swapping where the platform
// allows it, and guarantees they are overwritten exactly once on Close,
// whichever exit path releases it.
package secret

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sync"
)

// Buffer holds sensitive bytes that must never outlive their use.
// The zero value is not usable; construct with New, Random or FromBytes.
type Buffer struct {
	mu     sync.Mutex
	b      []byte
	locked bool // mlocked pages
	closed bool
}

// New allocates a zeroed buffer of n bytes.
func New(n int) *Buffer {
	buf := &Buffer{b: make([]byte, n)}
	if err := lockMemory(buf.b); err == nil {
		buf.locked = true
	}
	return buf
}

// Random allocates a buffer of n bytes filled from the system CSPRNG.
func Random(n int) (*Buffer, error) {
	buf := New(n)
	if _, err := rand.Read(buf.b); err != nil {
		buf.Close()
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// FromBytes takes ownership of src: the bytes are copied into a pinned
// buffer and src is wiped so the caller's slice no longer holds the secret.
func FromBytes(src []byte) *Buffer {
	buf := New(len(src))
	copy(buf.b, src)
	Wipe(src)
	return buf
}

// Bytes exposes the underlying slice. The slice is only valid until Close;
// callers must not retain it across a lock boundary.
func (s *Buffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.b
}

// Len returns the buffer length, or 0 after Close.
func (s *Buffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return len(s.b)
}

// Equal compares the buffer against other in constant time.
func (s *Buffer) Equal(other []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.b) != len(other) {
		return false
	}
	return subtle.ConstantTimeCompare(s.b, other) == 1
}

// Clone returns an independent pinned copy of the buffer contents.
func (s *Buffer) Clone() *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return New(0)
	}
	out := New(len(s.b))
	copy(out.b, s.b)
	return out
}

// Close wipes and releases the buffer. Safe to call more than once.
func (s *Buffer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	Wipe(s.b)
	if s.locked {
		_ = unlockMemory(s.b)
	}
	s.b = nil
	s.closed = true
}

// With runs fn over a fresh buffer of n bytes and wipes it on every exit
// path, including panics.
func With(n int, fn func(b []byte) error) error {
	buf := New(n)
	defer buf.Close()
	return fn(buf.b)
}

// Wipe overwrites b with zeros. The constant-time copy keeps the compiler
// from eliding the store.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	zeros := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zeros)
}

// WipeAll wipes every slice in turn.
func WipeAll(slices ...[]byte) {
	for _, s := range slices {
		Wipe(s)
	}
}
