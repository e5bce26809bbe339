package record

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/cellarlabs/cellar/compression"
	"github.com/cellarlabs/cellar/encryption"
	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/profiler"
	"github.com/cellarlabs/cellar/storage"
	"github.com/vmihailenco/msgpack/v5"
)

// Reader decodes record fields out of a metadata object chain. Fields
// are independently recoverable: decoding one never touches another's
// byte range, and distinct FieldReaders may run in parallel since each
// fetches and decrypts its own copy of the objects it visits.
type Reader struct {
	store *storage.Store
	keys  *encryption.KeyManager

	rootID objects.ObjectID
	header Header
}

func NewReader(store *storage.Store, keys *encryption.KeyManager) *Reader {
	return &Reader{
		store:  store,
		keys:   keys,
		rootID: keys.RootObjectID(),
	}
}

// open fetches and decrypts a metadata object, returning its payload
// and parsed header.
func (r *Reader) open(oid objects.ObjectID) ([]byte, Header, error) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("record.open", time.Since(t0))
	}()

	var header Header

	sealed, err := r.store.GetObject(oid)
	if err != nil {
		return nil, header, err
	}
	payload, err := r.keys.OpenMetaObject(oid, sealed)
	if err != nil {
		return nil, header, fmt.Errorf("metadata object %s: %w", oid, err)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(payload[:HeaderSize]))
	if err := dec.Decode(&header); err != nil {
		return nil, header, fmt.Errorf("metadata object %s: %w", oid, ErrCorruptHeader)
	}
	if header.Version != VERSION || !header.valid() {
		return nil, header, fmt.Errorf("metadata object %s: %w", oid, ErrCorruptHeader)
	}
	return payload, header, nil
}

// Open loads the root metadata object's header. It fails when the
// stash has no generation yet or the passphrase does not match.
func (r *Reader) Open() error {
	_, header, err := r.open(r.rootID)
	if err != nil {
		return err
	}
	r.header = header
	return nil
}

// Fields lists the field names present in the root header.
func (r *Reader) Fields() []string {
	ret := make([]string, 0, len(r.header.Offsets))
	for _, fo := range r.header.Offsets {
		ret = append(ret, fo.Name)
	}
	return ret
}

// Field positions a FieldReader at the start of the named field.
func (r *Reader) Field(name string) (*FieldReader, error) {
	payload, header, err := r.open(r.rootID)
	if err != nil {
		return nil, err
	}

	fo, exists := header.offset(name)
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrNoField, name)
	}
	if fo.Object != nil {
		// the field begins past the root object; its stream offset
		// and continuation link live in that object's own header
		payload, header, err = r.open(*fo.Object)
		if err != nil {
			return nil, err
		}
		fo, exists = header.offset(name)
		if !exists {
			return nil, fmt.Errorf("%w: %q lost in continuation object", ErrNoField, name)
		}
	}

	fr := &FieldReader{reader: r, name: name}
	fr.position(payload, header, fo)
	return fr, nil
}

// FieldReader decodes the msgpack values of one field, following
// continuation objects transparently. The LZ4 frame's own end mark
// delimits each segment; no stored length is involved.
type FieldReader struct {
	reader *Reader
	name   string

	dec  *msgpack.Decoder
	next *objects.ObjectID
}

func (fr *FieldReader) position(payload []byte, header Header, fo FieldOffset) {
	region := payload[fo.Offset:header.End]
	fr.dec = msgpack.NewDecoder(compression.Stream(bytes.NewReader(region)))
	fr.next = fo.Next
}

// Next decodes the next value of the field into v, returning io.EOF
// when the field is exhausted across the whole chain.
func (fr *FieldReader) Next(v interface{}) error {
	for {
		err := fr.dec.Decode(v)
		if err == nil {
			return nil
		}
		if err != io.EOF {
			return err
		}
		if fr.next == nil {
			return io.EOF
		}

		payload, header, err := fr.reader.open(*fr.next)
		if err != nil {
			return err
		}
		fo, exists := header.offset(fr.name)
		if !exists {
			return fmt.Errorf("%w: %q lost in continuation object", ErrNoField, fr.name)
		}
		fr.position(payload, header, fo)
	}
}
