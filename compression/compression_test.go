package compression

import (
	"bytes"
	"io"
	"testing"
)

func testCompressionRoundTrip(t *testing.T, algorithm string, data []byte) {
	compressed, err := Deflate(algorithm, data)
	if err != nil {
		t.Fatalf("Deflate failed for %s: %v", algorithm, err)
	}
	inflated, err := Inflate(algorithm, compressed)
	if err != nil {
		t.Fatalf("Inflate failed for %s: %v", algorithm, err)
	}
	if !bytes.Equal(data, inflated) {
		t.Errorf("inflated data does not match original for %s", algorithm)
	}
}

func TestCompression(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"text", []byte("Hello, world!")},
		{"empty", []byte{}},
		{"repetitive", bytes.Repeat([]byte("abcd"), 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testCompressionRoundTrip(t, "lz4", tt.data)
		})
	}
}

func TestCompressionUnknownAlgorithm(t *testing.T) {
	if _, err := Deflate("zstd", []byte("data")); err == nil {
		t.Errorf("Deflate should have failed for unknown algorithm")
	}
	if _, err := Inflate("zstd", []byte("data")); err == nil {
		t.Errorf("Inflate should have failed for unknown algorithm")
	}
}

func TestStreamStopsAtFrameEnd(t *testing.T) {
	frame, err := DeflateLZ4([]byte("framed payload"))
	if err != nil {
		t.Fatalf("DeflateLZ4 failed: %v", err)
	}

	// trailing garbage after the frame must not leak into the stream
	buf := append(append([]byte{}, frame...), []byte{0xde, 0xad, 0xbe, 0xef}...)
	inflated, err := io.ReadAll(Stream(bytes.NewReader(buf)))
	if err != nil {
		t.Fatalf("Stream read failed: %v", err)
	}
	if !bytes.Equal(inflated, []byte("framed payload")) {
		t.Errorf("stream payload mismatch. Got: %q", inflated)
	}
}
