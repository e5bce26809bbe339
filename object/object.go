package object

import (
	"errors"
)

// ErrIntegrity reports a chunk that failed authentication: either the
// AEAD tag did not verify or the recovered plaintext does not hash to
// the expected checksum.
var ErrIntegrity = errors.New("chunk integrity check failed")

// ErrChunkTooLarge reports a chunk whose sealed form cannot fit a
// single object even when the object is empty.
var ErrChunkTooLarge = errors.New("chunk too large for object")
