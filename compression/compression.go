package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

func DefaultAlgorithm() string {
	return "lz4"
}

func Deflate(name string, buf []byte) ([]byte, error) {
	if name == "lz4" {
		return DeflateLZ4(buf)
	}
	return nil, fmt.Errorf("unsupported compression method %q", name)
}

func DeflateLZ4(buf []byte) ([]byte, error) {
	b := bytes.NewBuffer(make([]byte, 0, len(buf)))
	w := lz4.NewWriter(b)

	if _, err := w.Write(buf); err != nil {
		_ = w.Close()
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func Inflate(name string, buf []byte) ([]byte, error) {
	if name == "lz4" {
		return InflateLZ4(buf)
	}
	return nil, fmt.Errorf("unsupported compression method %q", name)
}

// InflateLZ4 decompresses a single LZ4 frame. The frame's own end mark
// determines where decompression stops, so buf may carry trailing bytes
// that are not part of the stream.
func InflateLZ4(buf []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(buf)))
}

// Stream returns a reader over the frame starting at the beginning of
// rd, for callers that decode values out of the stream incrementally.
func Stream(rd io.Reader) io.Reader {
	return lz4.NewReader(rd)
}
