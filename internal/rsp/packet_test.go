package rsp

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("OK"),
		[]byte("g"),
		[]byte("m1000,4"),
		[]byte("$#}*weird"),
		[]byte{0x00, 0x01, 0x02, 0xff},
	}
	for _, payload := range cases {
		encoded := Encode(payload)
		if len(encoded) < 4 || encoded[0] != frameStart {
			t.Fatalf("Encode(%q) = %q, missing frame start", payload, encoded)
		}
		hashIdx := bytes.LastIndexByte(encoded, frameEnd)
		if hashIdx < 0 {
			t.Fatalf("Encode(%q) = %q, missing frame end", payload, encoded)
		}
		raw := encoded[1:hashIdx]
		decoded, err := DecodePayload(raw)
		if err != nil {
			t.Fatalf("DecodePayload(%q) error: %v", raw, err)
		}
		if !bytes.Equal(decoded, payload) {
			t.Fatalf("round trip mismatch: got %q, want %q", decoded, payload)
		}
	}
}

func TestChecksumMatchesEncodedTrailer(t *testing.T) {
	encoded := Encode([]byte("g"))
	hashIdx := bytes.IndexByte(encoded, frameEnd)
	raw := encoded[1:hashIdx]
	want := Checksum(raw)
	gotHi := unhex(encoded[hashIdx+1])
	gotLo := unhex(encoded[hashIdx+2])
	got := gotHi<<4 | gotLo
	if got != want {
		t.Fatalf("trailer checksum = %#x, want %#x", got, want)
	}
}

func unhex(b byte) uint8 {
	switch {
	case b >= '0' && b <= '9':
		return uint8(b - '0')
	case b >= 'a' && b <= 'f':
		return uint8(b-'a') + 10
	default:
		return 0
	}
}

func TestEscapeEncodeEscapesSpecialBytes(t *testing.T) {
	out := EscapeEncode([]byte("$#}*"))
	want := []byte{'}', '$' ^ 0x20, '}', '#' ^ 0x20, '}', '}' ^ 0x20, '}', '*' ^ 0x20}
	if !bytes.Equal(out, want) {
		t.Fatalf("EscapeEncode = %v, want %v", out, want)
	}
}

func TestRLEExpand(t *testing.T) {
	// "a" followed by '*' and a count byte of 29+3 means 3 additional
	// repeats of 'a', for a total of 4 'a's.
	in := []byte{'a', rleByte, rleCountBias + 3}
	out, err := rleExpand(in)
	if err != nil {
		t.Fatalf("rleExpand error: %v", err)
	}
	if string(out) != "aaaa" {
		t.Fatalf("rleExpand = %q, want %q", out, "aaaa")
	}
}

func TestDecodePayloadRejectsTruncatedEscape(t *testing.T) {
	if _, err := DecodePayload([]byte{'x', escapeByte}); err == nil {
		t.Fatalf("expected error for truncated escape sequence")
	}
}

func TestDecodePayloadRejectsTruncatedRLE(t *testing.T) {
	if _, err := DecodePayload([]byte{'a', rleByte}); err == nil {
		t.Fatalf("expected error for truncated run-length sequence")
	}
}
