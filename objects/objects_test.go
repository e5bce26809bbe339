package objects

import (
	"bytes"
	"testing"
)

func TestObjectIDRoundTrip(t *testing.T) {
	oid := NewObjectID()
	parsed, err := ParseObjectID(oid.String())
	if err != nil {
		t.Fatalf("ParseObjectID failed: %v", err)
	}
	if parsed != oid {
		t.Errorf("round trip mismatch. Got: %s, Want: %s", parsed, oid)
	}
}

func TestObjectIDUnique(t *testing.T) {
	seen := make(map[ObjectID]struct{})
	for i := 0; i < 1000; i++ {
		oid := NewObjectID()
		if _, exists := seen[oid]; exists {
			t.Fatalf("duplicate object id: %s", oid)
		}
		seen[oid] = struct{}{}
	}
}

func TestParseObjectIDRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "not-base32!", "AAAA"} {
		if _, err := ParseObjectID(input); err == nil {
			t.Errorf("ParseObjectID(%q) should have failed", input)
		}
	}
}

func TestFileEntrySerialize(t *testing.T) {
	entry := &FileEntry{
		Path:        "dir/file.txt",
		Size:        42,
		Mode:        0644,
		ContentType: "text/plain",
		Chunks: []Chunk{
			{Checksum: Checksum{1, 2, 3}, Length: 42},
		},
	}
	serialized, err := entry.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	restored, err := NewFileEntryFromBytes(serialized)
	if err != nil {
		t.Fatalf("NewFileEntryFromBytes failed: %v", err)
	}
	if restored.Path != entry.Path || restored.Size != entry.Size {
		t.Errorf("restored entry mismatch. Got: %+v, Want: %+v", restored, entry)
	}
	if len(restored.Chunks) != 1 || !bytes.Equal(restored.Chunks[0].Checksum[:], entry.Chunks[0].Checksum[:]) {
		t.Errorf("restored chunks mismatch. Got: %+v", restored.Chunks)
	}
}
