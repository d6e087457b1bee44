package raft

import (
	"bytes"
	"testing"
)

func TestLogEntryBinaryRoundTrip(t *testing.T) {
	entry, err := NewCommandEntry(3, 7, CommandPayload{Client: "c1", Arg: []byte("hello"), ID: "id-1"})
	if err != nil {
		t.Fatalf("NewCommandEntry: %v", err)
	}

	encoded := entry.ToBinary()
	decoded, rest, ok := ExtractFromBinary(encoded)
	if !ok {
		t.Fatalf("ExtractFromBinary failed on valid encoding")
	}
	if len(rest) != 0 {
		t.Fatalf("expected no trailing bytes, got %d", len(rest))
	}
	if decoded.Term != entry.Term || decoded.Index != entry.Index || decoded.Kind != entry.Kind {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, entry)
	}
	if !bytes.Equal(decoded.Payload, entry.Payload) {
		t.Fatalf("payload mismatch after round trip")
	}

	payload, err := decoded.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	cp, ok := payload.(CommandPayload)
	if !ok {
		t.Fatalf("expected CommandPayload, got %T", payload)
	}
	if cp.Client != "c1" || string(cp.Arg) != "hello" || cp.ID != "id-1" {
		t.Fatalf("decoded payload mismatch: %+v", cp)
	}
}

func TestExtractFromBinaryConcatenatedEntries(t *testing.T) {
	e1, _ := NewCommandEntry(1, 1, CommandPayload{Client: "a", Arg: []byte("x"), ID: "1"})
	e2, _ := NewQueryEntry(1, 2, QueryPayload{Client: "a", Arg: []byte("y")})

	buf := append(e1.ToBinary(), e2.ToBinary()...)

	got1, rest, ok := ExtractFromBinary(buf)
	if !ok || got1.Index != 1 {
		t.Fatalf("first extract failed: ok=%v entry=%+v", ok, got1)
	}
	got2, rest, ok := ExtractFromBinary(rest)
	if !ok || got2.Index != 2 {
		t.Fatalf("second extract failed: ok=%v entry=%+v", ok, got2)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no bytes left, got %d", len(rest))
	}
}

func TestExtractFromBinaryRejectsCorruption(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"short header", []byte{1, 2, 3}},
		{"unknown kind tag", func() []byte {
			e, _ := NewCommandEntry(1, 1, CommandPayload{})
			b := e.ToBinary()
			b[16] = 99
			return b
		}()},
		{"payload length overflow", func() []byte {
			e, _ := NewCommandEntry(1, 1, CommandPayload{})
			b := e.ToBinary()
			b[24] = 0xFF
			return b
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, rest, ok := ExtractFromBinary(tc.data); ok || rest != nil {
				t.Fatalf("expected rejection, got ok=%v rest=%v", ok, rest)
			}
		})
	}
}
