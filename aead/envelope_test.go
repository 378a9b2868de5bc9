package aead

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/credvault/credvault/vaulterr"
)

func TestEncodeDecode(t *testing.T) {
	env := &Envelope{
		Version:    EnvelopeVersion,
		Algorithm:  AlgorithmAESGCM,
		IV:         bytes.Repeat([]byte{0xAB}, IVSize),
		Ciphertext: bytes.Repeat([]byte{0xCD}, 48),
	}

	wire := env.Encode()

	// Fixed layout: version(1) | algorithm(1) | ivLen(2, BE) | iv | ct.
	if wire[0] != EnvelopeVersion || wire[1] != byte(AlgorithmAESGCM) {
		t.Errorf("Bad header bytes: %x", wire[:2])
	}
	if binary.BigEndian.Uint16(wire[2:4]) != IVSize {
		t.Errorf("Bad ivLen field: %x", wire[2:4])
	}

	decoded, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Version != env.Version || decoded.Algorithm != env.Algorithm {
		t.Error("Header mismatch after decode")
	}
	if !bytes.Equal(decoded.IV, env.IV) || !bytes.Equal(decoded.Ciphertext, env.Ciphertext) {
		t.Error("Body mismatch after decode")
	}
}

func TestDecodeRejects(t *testing.T) {
	valid := (&Envelope{
		Version:    EnvelopeVersion,
		Algorithm:  AlgorithmChaCha20,
		IV:         make([]byte, IVSize),
		Ciphertext: make([]byte, TagSize+1),
	}).Encode()

	mutate := func(fn func(b []byte) []byte) []byte {
		return fn(append([]byte(nil), valid...))
	}

	cases := map[string][]byte{
		"empty":          nil,
		"short header":   valid[:3],
		"zero version":   mutate(func(b []byte) []byte { b[0] = 0; return b }),
		"future version": mutate(func(b []byte) []byte { b[0] = EnvelopeVersion + 1; return b }),
		"auto algorithm": mutate(func(b []byte) []byte { b[1] = byte(AlgorithmAuto); return b }),
		"bad algorithm":  mutate(func(b []byte) []byte { b[1] = 99; return b }),
		"bad ivLen":      mutate(func(b []byte) []byte { binary.BigEndian.PutUint16(b[2:4], 16); return b }),
		"truncated body": valid[:len(valid)-TagSize-1],
	}

	for name, wire := range cases {
		if _, err := Decode(wire); !vaulterr.IsKind(err, vaulterr.CorruptEnvelope) {
			t.Errorf("%s: expected CorruptEnvelope, got %v", name, err)
		}
	}
}
