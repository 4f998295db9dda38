// Copyright 2025 James Ross
package outbox

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// compressedPrefix marks a payload_md body as zstd-compressed, base64-encoded
// text rather than raw markdown. The column stays TEXT either way, so the
// dedup hash (computed over the raw body before this transform) and the
// store layer are unaffected.
const compressedPrefix = "zstd:v1:"

// compressionThreshold is the raw byte length above which a payload is
// compressed before being persisted to logbook_outbox.
const compressionThreshold = 4096

var (
	sharedEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	sharedDecoder, _ = zstd.NewReader(nil)
)

// CompressPayload compresses raw when it exceeds compressionThreshold,
// returning it unchanged otherwise.
func CompressPayload(raw string) string {
	if len(raw) <= compressionThreshold {
		return raw
	}
	compressed := sharedEncoder.EncodeAll([]byte(raw), nil)
	return compressedPrefix + base64.StdEncoding.EncodeToString(compressed)
}

// DecompressPayload reverses CompressPayload, returning stored unchanged if
// it was never compressed.
func DecompressPayload(stored string) (string, error) {
	if !strings.HasPrefix(stored, compressedPrefix) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, compressedPrefix))
	if err != nil {
		return "", fmt.Errorf("outbox: decode compressed payload: %w", err)
	}
	decompressed, err := sharedDecoder.DecodeAll(raw, nil)
	if err != nil {
		return "", fmt.Errorf("outbox: decompress payload: %w", err)
	}
	return string(decompressed), nil
}
