package record

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/cellarlabs/cellar/encryption"
	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/profiler"
	"github.com/cellarlabs/cellar/storage"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// flushThreshold is how much raw input may sit in the LZ4 writer's
// block buffer before it is forced out to the staging buffer. Keeping
// it at one block means the unaccounted-for compressed data is always
// bounded by one block's worst case.
const flushThreshold = 64 * 1024

// blockBound is the worst-case compressed size of flushThreshold bytes
// plus the frame's own framing overhead.
func blockBound(n int) int {
	return n + n/255 + 64
}

// Writer serializes named record fields into the stash's metadata
// object chain. Values appended to a field are msgpack-encoded into a
// per-object LZ4 frame; when an object fills up, it is sealed and the
// field continues in a fresh object referenced from the header.
//
// The first object of the chain carries the stash's deterministic root
// id, but it is sealed and handed to the backend only at Commit, after
// every continuation object is durable: its header must list every
// field of the generation, including fields that begin in a later
// object. A reader therefore observes either the previous generation
// or the complete new one.
type Writer struct {
	store *storage.Store
	keys  *encryption.KeyManager

	oid    objects.ObjectID
	isRoot bool
	buffer []byte
	offset int
	end    int

	offsets []FieldOffset
	current *FieldOffset

	// where the open field began
	fieldObject objects.ObjectID
	fieldOffset uint32
	fieldInRoot bool

	// root header entries for fields that begin past the root object
	directory []FieldOffset

	stage     *bytes.Buffer
	lzw       *lz4.Writer
	unflushed int

	rootID      objects.ObjectID
	rootPayload []byte
	rootOffsets []FieldOffset
	rootEnd     int
}

func NewWriter(store *storage.Store, keys *encryption.KeyManager) *Writer {
	return &Writer{
		store:  store,
		keys:   keys,
		oid:    keys.RootObjectID(),
		rootID: keys.RootObjectID(),
		isRoot: true,
		buffer: newPayloadBuffer(),
		offset: HeaderSize,
		end:    HeaderSize,
	}
}

func newPayloadBuffer() []byte {
	// full object capacity so the AEAD tag can be appended in place
	return make([]byte, payloadSize, objects.ObjectSize)
}

func (w *Writer) fieldExists(name string) bool {
	for _, set := range [][]FieldOffset{w.offsets, w.rootOffsets, w.directory} {
		for _, fo := range set {
			if fo.Name == name {
				return true
			}
		}
	}
	return false
}

// BeginField starts a new named field at the next aligned offset.
func (w *Writer) BeginField(name string) error {
	if w.current != nil {
		return fmt.Errorf("field %q still open", w.current.Name)
	}
	if w.fieldExists(name) {
		return fmt.Errorf("field %q already written", name)
	}

	if w.offset+FieldAlign > payloadSize {
		if err := w.seal(nil); err != nil {
			return err
		}
	}

	w.current = &FieldOffset{Name: name, Offset: uint32(w.offset)}
	w.fieldObject = w.oid
	w.fieldOffset = uint32(w.offset)
	w.fieldInRoot = w.isRoot
	return w.startFrame()
}

func (w *Writer) startFrame() error {
	w.stage = bytes.NewBuffer(nil)
	w.lzw = lz4.NewWriter(w.stage)
	if err := w.lzw.Apply(lz4.BlockSizeOption(lz4.Block64Kb)); err != nil {
		return err
	}
	// the frame header is emitted lazily on the first write; force it
	// out so a field with no entries still decodes as an empty frame
	if _, err := w.lzw.Write(nil); err != nil {
		return err
	}
	w.unflushed = 0
	return nil
}

// Append encodes one value into the open field, sealing and continuing
// into a fresh object when the current one runs out of room.
func (w *Writer) Append(v interface{}) error {
	if w.current == nil {
		return fmt.Errorf("no open field")
	}

	raw, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}

	used := int(w.current.Offset) + w.stage.Len() + blockBound(w.unflushed+len(raw))
	if used > payloadSize {
		next := objects.NewObjectID()
		if err := w.seal(&next); err != nil {
			return err
		}
	}

	if _, err := w.lzw.Write(raw); err != nil {
		return err
	}
	w.unflushed += len(raw)
	if w.unflushed >= flushThreshold {
		if err := w.lzw.Flush(); err != nil {
			return err
		}
		w.unflushed = 0
	}
	return nil
}

// EndField closes the open field's frame and lays it into the object.
// A field that began past the root object also gets a root directory
// entry naming its starting object, so readers can find it without
// scanning the chain.
func (w *Writer) EndField() error {
	if w.current == nil {
		return fmt.Errorf("no open field")
	}

	if err := w.closeFrame(); err != nil {
		return err
	}
	w.offsets = append(w.offsets, *w.current)
	if !w.fieldInRoot {
		oid := w.fieldObject
		w.directory = append(w.directory, FieldOffset{
			Name:   w.current.Name,
			Offset: w.fieldOffset,
			Object: &oid,
		})
	}
	w.current = nil
	return nil
}

// closeFrame finishes the LZ4 frame and copies the staged bytes into
// the object buffer at the field's offset. The frame's unaligned end
// becomes the header's End; the next field starts at a block boundary,
// clamped so it never points past the payload.
func (w *Writer) closeFrame() error {
	if err := w.lzw.Close(); err != nil {
		return err
	}

	start := int(w.current.Offset)
	if start+w.stage.Len() > payloadSize {
		return fmt.Errorf("field %q overflows object: %d bytes at %d",
			w.current.Name, w.stage.Len(), start)
	}
	copy(w.buffer[start:], w.stage.Bytes())
	w.end = start + w.stage.Len()
	w.offset = align(w.end)
	if w.offset > payloadSize {
		w.offset = payloadSize
	}
	w.stage = nil
	w.lzw = nil
	return nil
}

// seal pads and encrypts the current object and moves on to the object
// identified by next (or a fresh id when next is nil). Non-root
// objects get their header written and go straight to the backend; the
// root's padded payload is held back for Commit, which may still have
// fields to add to its header.
func (w *Writer) seal(next *objects.ObjectID) error {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("record.seal", time.Since(t0))
	}()

	end := w.end
	offsets := w.offsets
	if w.current != nil {
		// mid-field continuation: close the frame here, link the
		// next object, and reopen the field at its start
		if err := w.closeFrame(); err != nil {
			return err
		}
		end = w.end
		segment := *w.current
		segment.Next = next
		offsets = append(offsets, segment)
	}

	if end < payloadSize {
		if _, err := rand.Read(w.buffer[end:payloadSize]); err != nil {
			return err
		}
	}

	if w.isRoot {
		w.rootPayload = w.buffer[:payloadSize]
		w.rootOffsets = offsets
		w.rootEnd = end
	} else {
		header := Header{Version: VERSION, Offsets: offsets, End: uint32(end)}
		serialized, err := msgpack.Marshal(&header)
		if err != nil {
			return err
		}
		if len(serialized) > HeaderSize {
			return fmt.Errorf("%w: header size %d exceeds %d", ErrCorruptHeader,
				len(serialized), HeaderSize)
		}
		copy(w.buffer[:HeaderSize], make([]byte, HeaderSize))
		copy(w.buffer[:], serialized)

		sealed, err := w.keys.SealMetaObject(w.oid, w.buffer[:payloadSize])
		if err != nil {
			return err
		}
		if err := w.store.PutObject(w.oid, sealed); err != nil {
			return err
		}
	}

	if next == nil {
		fresh := objects.NewObjectID()
		next = &fresh
	}
	w.oid = *next
	w.isRoot = false
	w.buffer = newPayloadBuffer()
	w.offset = HeaderSize
	w.end = HeaderSize
	w.offsets = nil

	if w.current != nil {
		w.current = &FieldOffset{Name: w.current.Name, Offset: HeaderSize}
		return w.startFrame()
	}
	return nil
}

// Commit seals the final object of the chain, completes the root
// header with the field directory, and only then hands the root object
// to the backend, making the new generation visible atomically.
func (w *Writer) Commit() (objects.ObjectID, error) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("record.Commit", time.Since(t0))
	}()

	if w.current != nil {
		return objects.ObjectID{}, fmt.Errorf("field %q still open", w.current.Name)
	}
	if err := w.seal(nil); err != nil {
		return objects.ObjectID{}, err
	}

	offsets := append(w.rootOffsets, w.directory...)
	header := Header{Version: VERSION, Offsets: offsets, End: uint32(w.rootEnd)}
	serialized, err := msgpack.Marshal(&header)
	if err != nil {
		return objects.ObjectID{}, err
	}
	if len(serialized) > HeaderSize {
		return objects.ObjectID{}, fmt.Errorf("%w: header size %d exceeds %d",
			ErrCorruptHeader, len(serialized), HeaderSize)
	}
	copy(w.rootPayload[:], serialized)

	sealed, err := w.keys.SealMetaObject(w.rootID, w.rootPayload)
	if err != nil {
		return objects.ObjectID{}, err
	}
	if err := w.store.PutObject(w.rootID, sealed); err != nil {
		return objects.ObjectID{}, err
	}
	return w.rootID, nil
}
