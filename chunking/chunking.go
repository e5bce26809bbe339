package chunking

import (
	"io"

	chunkers "github.com/PlakarLabs/go-cdc-chunkers"
	_ "github.com/PlakarLabs/go-cdc-chunkers/chunkers/fastcdc"
)

// Boundary parameters for content-defined chunking. The normal size is
// the geometric mean of the boundary rule's mask; min and max bound the
// chunk count on incompressible input and force a cut when no natural
// boundary occurs. Max is kept well under the object size so a sealed
// chunk always fits a single data object, compression and AEAD overhead
// included.
const (
	MinSize    = 64 * 1024
	NormalSize = 256 * 1024
	MaxSize    = 1 * 1024 * 1024
)

func DefaultAlgorithm() string {
	return "fastcdc"
}

func DefaultConfiguration() *chunkers.ChunkerOpts {
	return &chunkers.ChunkerOpts{
		MinSize:    MinSize,
		NormalSize: NormalSize,
		MaxSize:    MaxSize,
	}
}

// Chunker splits a byte stream at content-determined boundaries. A
// fresh Chunker over identical bytes always reproduces identical
// boundaries.
type Chunker struct {
	inner *chunkers.Chunker
}

func NewChunker(rd io.Reader) (*Chunker, error) {
	return NewChunkerWithOptions(rd, DefaultConfiguration())
}

func NewChunkerWithOptions(rd io.Reader, opts *chunkers.ChunkerOpts) (*Chunker, error) {
	inner, err := chunkers.NewChunker(DefaultAlgorithm(), rd, opts)
	if err != nil {
		return nil, err
	}
	return &Chunker{inner: inner}, nil
}

// Next returns the next chunk's bytes. The final chunk is returned
// together with io.EOF; a nil chunk with io.EOF means the stream is
// exhausted. The returned slice is only valid until the next call.
func (c *Chunker) Next() ([]byte, error) {
	return c.inner.Next()
}
