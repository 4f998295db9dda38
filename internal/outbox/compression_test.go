// Copyright 2025 James Ross
package outbox

import (
	"strings"
	"testing"
)

func TestCompressPayloadBelowThresholdUnchanged(t *testing.T) {
	raw := "a short payload"
	if got := CompressPayload(raw); got != raw {
		t.Fatalf("expected short payload to pass through unchanged, got %q", got)
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	raw := strings.Repeat("the quick brown fox jumps over the lazy dog ", 200)
	compressed := CompressPayload(raw)
	if !strings.HasPrefix(compressed, compressedPrefix) {
		t.Fatalf("expected large payload to be compressed with prefix %q", compressedPrefix)
	}
	if compressed == raw {
		t.Fatal("expected compressed form to differ from raw input")
	}

	back, err := DecompressPayload(compressed)
	if err != nil {
		t.Fatalf("unexpected error decompressing: %v", err)
	}
	if back != raw {
		t.Fatal("round trip did not reproduce the original payload")
	}
}

func TestDecompressPayloadPassesThroughUncompressed(t *testing.T) {
	raw := "not compressed"
	back, err := DecompressPayload(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back != raw {
		t.Fatalf("expected unchanged passthrough, got %q", back)
	}
}

func TestDecompressPayloadRejectsCorruptData(t *testing.T) {
	_, err := DecompressPayload(compressedPrefix + "not-valid-base64!!!")
	if err == nil {
		t.Fatal("expected an error decoding corrupt compressed payload")
	}
}
