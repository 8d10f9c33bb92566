package codec

import (
	"bytes"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	plaintext := []byte(`{"items":{"1":{"record":{"item":"Item 1"},"seqNo":1}},"itemsIndex":[{"itemId":"1","seqNo":1}]}`)

	compressed, err := Compress(plaintext)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	got, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestCompressIsReusableAcrossCalls(t *testing.T) {
	a, err := Compress([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	if err != nil {
		t.Fatalf("compress a: %v", err)
	}
	b, err := Compress([]byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))
	if err != nil {
		t.Fatalf("compress b: %v", err)
	}
	da, err := Decompress(a)
	if err != nil {
		t.Fatalf("decompress a: %v", err)
	}
	db, err := Decompress(b)
	if err != nil {
		t.Fatalf("decompress b: %v", err)
	}
	if string(da) != "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" {
		t.Fatalf("unexpected decompressed content for a: %q", da)
	}
	if string(db) != "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb" {
		t.Fatalf("unexpected decompressed content for b: %q", db)
	}
}

func TestBase64RoundTrip(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xFF, 0x80, 0x7F}
	encoded := EncodeBase64(raw)
	decoded, err := DecodeBase64(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Fatalf("base64 round trip mismatch: got %x want %x", decoded, raw)
	}
}
