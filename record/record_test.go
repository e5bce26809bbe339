package record_test

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"testing"

	"github.com/cellarlabs/cellar/encryption"
	"github.com/cellarlabs/cellar/objects"
	"github.com/cellarlabs/cellar/record"
	"github.com/cellarlabs/cellar/storage"

	_ "github.com/cellarlabs/cellar/storage/backends/memory"
	"github.com/vmihailenco/msgpack/v5"
)

type testEntry struct {
	Name string `msgpack:"name"`
	Data []byte `msgpack:"data"`
}

func testStore(t *testing.T) (*storage.Store, *encryption.KeyManager) {
	store, err := storage.Create(fmt.Sprintf("memory://%s", t.Name()), storage.NewConfiguration())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	keys, err := encryption.DeriveKeyManager("tester", []byte("passphrase"))
	if err != nil {
		t.Fatalf("DeriveKeyManager failed: %v", err)
	}
	return store, keys
}

func writeTestRecord(t *testing.T, store *storage.Store, keys *encryption.KeyManager, fields map[string][]testEntry) {
	wr := record.NewWriter(store, keys)
	for name, entries := range fields {
		if err := wr.BeginField(name); err != nil {
			t.Fatalf("BeginField(%s) failed: %v", name, err)
		}
		for i := range entries {
			if err := wr.Append(&entries[i]); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}
		if err := wr.EndField(); err != nil {
			t.Fatalf("EndField(%s) failed: %v", name, err)
		}
	}
	rootID, err := wr.Commit()
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if rootID != keys.RootObjectID() {
		t.Fatalf("root object id mismatch. Got: %s, Want: %s", rootID, keys.RootObjectID())
	}
}

func readTestField(t *testing.T, rd *record.Reader, name string) []testEntry {
	field, err := rd.Field(name)
	if err != nil {
		t.Fatalf("Field(%s) failed: %v", name, err)
	}
	entries := make([]testEntry, 0)
	for {
		var entry testEntry
		if err := field.Next(&entry); err != nil {
			if err == io.EOF {
				return entries
			}
			t.Fatalf("Next failed: %v", err)
		}
		entries = append(entries, entry)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	store, keys := testStore(t)
	defer store.Close()

	fields := map[string][]testEntry{
		"alpha": {
			{Name: "one", Data: []byte("first")},
			{Name: "two", Data: []byte("second")},
		},
		"beta": {
			{Name: "three", Data: bytes.Repeat([]byte("x"), 100000)},
		},
		"empty": {},
	}
	writeTestRecord(t, store, keys, fields)

	rd := record.NewReader(store, keys)
	if err := rd.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(rd.Fields()) != len(fields) {
		t.Errorf("Fields count mismatch. Got: %v", rd.Fields())
	}

	for name, want := range fields {
		got := readTestField(t, rd, name)
		if len(got) != len(want) {
			t.Fatalf("field %s length mismatch. Got: %d, Want: %d", name, len(got), len(want))
		}
		for i := range want {
			if got[i].Name != want[i].Name || !bytes.Equal(got[i].Data, want[i].Data) {
				t.Errorf("field %s entry %d mismatch", name, i)
			}
		}
	}

	if _, err := rd.Field("missing"); err == nil {
		t.Errorf("Field should fail for an unknown name")
	}
}

func TestRecordContinuation(t *testing.T) {
	store, keys := testStore(t)
	defer store.Close()

	// incompressible entries wide enough to overflow a single object
	entries := make([]testEntry, 6000)
	for i := range entries {
		buf := make([]byte, 1024)
		if _, err := rand.Read(buf); err != nil {
			t.Fatalf("rand.Read failed: %v", err)
		}
		entries[i] = testEntry{Name: fmt.Sprintf("entry-%d", i), Data: buf}
	}
	small := []testEntry{{Name: "lone", Data: []byte("payload")}}

	writeTestRecord(t, store, keys, map[string][]testEntry{
		"bulk":  entries,
		"small": small,
	})

	list, err := store.ListObjects()
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(list) < 2 {
		t.Fatalf("bulk field should have spilled into a continuation object, got %d objects", len(list))
	}

	rd := record.NewReader(store, keys)
	if err := rd.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	got := readTestField(t, rd, "bulk")
	if len(got) != len(entries) {
		t.Fatalf("bulk length mismatch. Got: %d, Want: %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i].Name != entries[i].Name || !bytes.Equal(got[i].Data, entries[i].Data) {
			t.Fatalf("bulk entry %d mismatch", i)
		}
	}

	// a small field remains reachable from the root object alone
	if got := readTestField(t, rd, "small"); len(got) != 1 || got[0].Name != "lone" {
		t.Errorf("small field mismatch. Got: %+v", got)
	}
}

func TestRecordLateFieldsAfterSpill(t *testing.T) {
	store, keys := testStore(t)
	defer store.Close()

	// the first field overflows the root object, so every later field
	// begins in a continuation object and must still be reachable from
	// the root header
	wr := record.NewWriter(store, keys)
	if err := wr.BeginField("bulk"); err != nil {
		t.Fatalf("BeginField(bulk) failed: %v", err)
	}
	bulk := make([]testEntry, 6000)
	for i := range bulk {
		buf := make([]byte, 1024)
		if _, err := rand.Read(buf); err != nil {
			t.Fatalf("rand.Read failed: %v", err)
		}
		bulk[i] = testEntry{Name: fmt.Sprintf("entry-%d", i), Data: buf}
		if err := wr.Append(&bulk[i]); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := wr.EndField(); err != nil {
		t.Fatalf("EndField(bulk) failed: %v", err)
	}

	if err := wr.BeginField("late"); err != nil {
		t.Fatalf("BeginField(late) failed: %v", err)
	}
	if err := wr.Append(&testEntry{Name: "tail", Data: []byte("after the boundary")}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := wr.EndField(); err != nil {
		t.Fatalf("EndField(late) failed: %v", err)
	}

	if err := wr.BeginField("hollow"); err != nil {
		t.Fatalf("BeginField(hollow) failed: %v", err)
	}
	if err := wr.EndField(); err != nil {
		t.Fatalf("EndField(hollow) failed: %v", err)
	}

	if _, err := wr.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	rd := record.NewReader(store, keys)
	if err := rd.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(rd.Fields()) != 3 {
		t.Fatalf("root header should list all three fields, got %v", rd.Fields())
	}

	if got := readTestField(t, rd, "bulk"); len(got) != len(bulk) {
		t.Fatalf("bulk length mismatch. Got: %d, Want: %d", len(got), len(bulk))
	}
	got := readTestField(t, rd, "late")
	if len(got) != 1 || got[0].Name != "tail" || !bytes.Equal(got[0].Data, []byte("after the boundary")) {
		t.Fatalf("late field mismatch. Got: %+v", got)
	}
	if got := readTestField(t, rd, "hollow"); len(got) != 0 {
		t.Errorf("hollow field should decode empty, got %d entries", len(got))
	}
}

func TestRecordWrongPassphrase(t *testing.T) {
	store, keys := testStore(t)
	defer store.Close()

	writeTestRecord(t, store, keys, map[string][]testEntry{
		"alpha": {{Name: "one", Data: []byte("first")}},
	})

	otherKeys, err := encryption.DeriveKeyManager("tester", []byte("wrong passphrase"))
	if err != nil {
		t.Fatalf("DeriveKeyManager failed: %v", err)
	}
	rd := record.NewReader(store, otherKeys)
	if err := rd.Open(); err == nil {
		t.Errorf("Open should fail with the wrong passphrase")
	}
}

func TestRecordNoGeneration(t *testing.T) {
	store, keys := testStore(t)
	defer store.Close()

	rd := record.NewReader(store, keys)
	if err := rd.Open(); err == nil {
		t.Errorf("Open should fail when no generation was ever committed")
	}
}

func TestRecordFieldOffsetsAligned(t *testing.T) {
	store, keys := testStore(t)
	defer store.Close()

	writeTestRecord(t, store, keys, map[string][]testEntry{
		"alpha": {{Name: "one", Data: []byte("first")}},
		"beta":  {{Name: "two", Data: []byte("second")}},
	})

	sealed, err := store.GetObject(keys.RootObjectID())
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	if len(sealed) != objects.ObjectSize {
		t.Fatalf("root object is %d bytes, want %d", len(sealed), objects.ObjectSize)
	}

	payload, err := keys.OpenMetaObject(keys.RootObjectID(), sealed)
	if err != nil {
		t.Fatalf("OpenMetaObject failed: %v", err)
	}

	var header record.Header
	if err := msgpack.NewDecoder(bytes.NewReader(payload[:record.HeaderSize])).Decode(&header); err != nil {
		t.Fatalf("header decode failed: %v", err)
	}
	if header.Version != record.VERSION {
		t.Errorf("header version mismatch. Got: %d, Want: %d", header.Version, record.VERSION)
	}
	if len(header.Offsets) != 2 {
		t.Fatalf("header should carry two fields, got %d", len(header.Offsets))
	}
	if header.Offsets[0].Offset != record.HeaderSize {
		t.Errorf("first field must start right after the header, got offset %d", header.Offsets[0].Offset)
	}
	for _, fo := range header.Offsets {
		if (fo.Offset-record.HeaderSize)%record.FieldAlign != 0 {
			t.Errorf("field %s offset %d is not block aligned", fo.Name, fo.Offset)
		}
	}
}
