// Package envelope implements the wire codec that wraps a compressed
// Ethernet frame with an obfuscated TTL. The compressor is stdlib
// compress/zlib: the recoverable constant-header trick relies on the
// zlib/RFC1950 2-byte CMF/FLG preamble being fixed for a given preset,
// not raw DEFLATE (no header) or a framed codec with variable framing.
package envelope

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// Preset is the fixed compression level used on both ends of the
// link. zlib.DefaultCompression at this preset always emits the
// two-byte header preamble below; Preamble MUST be kept in sync if
// Preset ever changes.
const Preset = zlib.DefaultCompression

// Preamble is the constant 2-byte zlib header Preset produces: CMF
// 0x78 (32K window, deflate method) and FLG 0x9c (default compression
// level, no preset dictionary, check bits satisfying CMF*256+FLG mod
// 31 == 0).
var Preamble = [2]byte{0x78, 0x9c}

// MaxTTL is the largest TTL value the one-byte obfuscation field can carry.
const MaxTTL = 255

// Encode compresses frame and embeds ttl into the first/last bytes of
// the result:
//
//  1. compress frame with zlib at Preset; the standard header lands at
//     offsets 0-1 of the compressed stream.
//  2. overwrite byte 0 with ttl XOR compressed[len-1], and byte 1 with
//     compressed[len-2]. The original header bytes are recoverable
//     because they are the constant Preamble for this Preset.
func Encode(frame []byte, ttl uint8) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, Preset)
	if err != nil {
		return nil, fmt.Errorf("envelope: new zlib writer: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("envelope: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("envelope: flush compress: %w", err)
	}

	compressed := buf.Bytes()
	if len(compressed) < 4 {
		// A zlib stream is always header(2) + deflate-stream(>=2) +
		// adler32(4) long; this should be unreachable for any real
		// input, but guards the byte-swap below from an out-of-range
		// index on a pathological implementation.
		return nil, fmt.Errorf("envelope: compressed output too short: %d bytes", len(compressed))
	}

	n := len(compressed)
	datagram := make([]byte, n)
	copy(datagram, compressed)
	datagram[0] = ttl ^ datagram[n-1]
	datagram[1] = datagram[n-2]
	return datagram, nil
}

// Decode reverses Encode: recovers ttl from the obfuscated header,
// restores the constant preamble, and decompresses.
func Decode(datagram []byte) (frame []byte, ttl uint8, err error) {
	n := len(datagram)
	if n < 4 {
		return nil, 0, fmt.Errorf("envelope: datagram too short: %d bytes", n)
	}

	ttl = datagram[0] ^ datagram[n-1]

	restored := make([]byte, n)
	copy(restored, datagram)
	restored[0] = Preamble[0]
	restored[1] = Preamble[1]

	r, err := zlib.NewReader(bytes.NewReader(restored))
	if err != nil {
		return nil, 0, fmt.Errorf("envelope: zlib header: %w", err)
	}
	defer r.Close()

	frame, err = io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("envelope: decompress: %w", err)
	}
	return frame, ttl, nil
}
