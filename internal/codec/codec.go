// Package codec implements the compression and base64 wrapping a bundle's
// JSON plaintext goes through before it is AES-GCM encrypted for the wire
// (SPEC_FULL.md §6, Bundle payload). Compression uses stdlib compress/flate
// (DEFLATE, i.e. LZ77 + Huffman), the closest standard-library match to the
// "LZ-like" compression this core's spec calls for — no third-party
// compression library appears anywhere in this corpus (see DESIGN.md).
package codec

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"io"
	"sync"
)

var writerPool = sync.Pool{
	New: func() any {
		w, _ := flate.NewWriter(io.Discard, flate.BestSpeed)
		return w
	},
}

// Compress runs plaintext through DEFLATE.
func Compress(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := writerPool.Get().(*flate.Writer)
	defer writerPool.Put(w)
	w.Reset(&buf)

	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	return io.ReadAll(r)
}

// EncodeBase64 is the final wire-encoding step for a bundle payload.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 reverses EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
