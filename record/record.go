package record

import (
	"errors"

	"github.com/cellarlabs/cellar/encryption"
	"github.com/cellarlabs/cellar/objects"
)

// Metadata object geometry. The header region is fixed at 512 bytes;
// every field's LZ4 stream begins right after it or at a 64 KiB block
// boundary past it, so fields can be located and decoded independently.
const (
	HeaderSize = 512
	FieldAlign = 64 * 1024

	// payloadSize excludes the AEAD tag that seals the whole object.
	payloadSize = objects.ObjectSize - encryption.TagSize
)

const VERSION = 1

// ErrCorruptHeader reports a metadata object whose header cannot be
// parsed or whose offsets fall outside the object.
var ErrCorruptHeader = errors.New("corrupt metadata header")

// ErrNoField reports a field name absent from a metadata header.
var ErrNoField = errors.New("no such field")

// FieldOffset locates one field's LZ4 stream inside a metadata object.
// Next carries the id of the object continuing the stream when the
// field outgrew this object. In the root header, Object names the
// object where a field begins when that is not the root itself; such
// an entry's Offset is relative to that object.
type FieldOffset struct {
	Name   string            `msgpack:"name"`
	Offset uint32            `msgpack:"offset"`
	Next   *objects.ObjectID `msgpack:"next,omitempty"`
	Object *objects.ObjectID `msgpack:"object,omitempty"`
}

// Header is the first structure of every metadata object, serialized
// with msgpack and zero-padded to exactly HeaderSize bytes. End marks
// where field data stops and random padding begins.
type Header struct {
	Version uint32        `msgpack:"version"`
	Offsets []FieldOffset `msgpack:"offsets"`
	End     uint32        `msgpack:"end"`
}

func (h *Header) offset(name string) (FieldOffset, bool) {
	for _, fo := range h.Offsets {
		if fo.Name == name {
			return fo, true
		}
	}
	return FieldOffset{}, false
}

func (h *Header) valid() bool {
	if h.End < HeaderSize || h.End > payloadSize {
		return false
	}
	for _, fo := range h.Offsets {
		if fo.Object != nil {
			continue
		}
		if fo.Offset < HeaderSize || fo.Offset > h.End {
			return false
		}
	}
	return true
}

func align(pos int) int {
	if rest := (pos - HeaderSize) % FieldAlign; rest != 0 {
		pos += FieldAlign - rest
	}
	return pos
}
