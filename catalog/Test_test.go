package catalog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golemfactory/simple-transfer/protocol"
)

func testEntry(t *testing.T, dir, name string, content []byte) FileEntry {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	fileMap, err := protocol.HashFile(path, name)
	if err != nil {
		t.Fatal(err)
	}
	return FileEntry{Map: *fileMap, Path: path}
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := Init(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cat.Terminate)
	return cat
}

func TestRegisterLookup(t *testing.T) {
	cat := testCatalog(t)
	entry := testEntry(t, t.TempDir(), "shared.bin", bytes.Repeat([]byte{1}, 100))

	mapHash := cat.Register([]FileEntry{entry}, nil, nil)

	desc := cat.Get(mapHash)
	if desc == nil {
		t.Fatal("registered bundle not found")
	}
	if desc.MapHash != mapHash || len(desc.Files) != 1 || desc.Files[0].Path != entry.Path {
		t.Error("descriptor does not match registration")
	}
	if cat.Get(protocol.HashData([]byte("unknown"))) != nil {
		t.Error("lookup of unknown hash must return nil")
	}

	if len(cat.List()) != 1 {
		t.Error("list must contain the registration")
	}

	if removed := cat.Remove(mapHash); removed == nil {
		t.Error("remove must return the descriptor")
	}
	if cat.Get(mapHash) != nil {
		t.Error("removed bundle still found")
	}
	if cat.Remove(mapHash) != nil {
		t.Error("second remove must return nil")
	}
}

func TestRegisterMergeExtend(t *testing.T) {
	cat := testCatalog(t)
	entry := testEntry(t, t.TempDir(), "merge.bin", bytes.Repeat([]byte{2}, 100))
	files := []FileEntry{entry}

	early := time.Now().Add(time.Hour)
	late := time.Now().Add(24 * time.Hour)

	// a later deadline extends
	mapHash := cat.Register(files, nil, &early)
	cat.Register(files, nil, &late)
	if validTo := cat.Get(mapHash).ValidTo; validTo == nil || !validTo.Equal(late) {
		t.Errorf("expected deadline %v, got %v", late, validTo)
	}

	// an earlier deadline does not shorten
	cat.Register(files, nil, &early)
	if validTo := cat.Get(mapHash).ValidTo; validTo == nil || !validTo.Equal(late) {
		t.Errorf("earlier deadline shortened the registration to %v", validTo)
	}

	// no deadline wins over any deadline
	cat.Register(files, nil, nil)
	if cat.Get(mapHash).ValidTo != nil {
		t.Error("registration without deadline must clear the deadline")
	}

	// and is never replaced by one
	cat.Register(files, nil, &late)
	if cat.Get(mapHash).ValidTo != nil {
		t.Error("deadline must not replace an unlimited registration")
	}
}

func TestSweep(t *testing.T) {
	cat := testCatalog(t)
	dir := t.TempDir()

	expired := time.Now().Add(-time.Minute)
	live := time.Now().Add(time.Hour)

	expiredHash := cat.Register([]FileEntry{testEntry(t, dir, "expired.bin", []byte{1, 2, 3})}, nil, &expired)
	liveHash := cat.Register([]FileEntry{testEntry(t, dir, "live.bin", []byte{4, 5, 6})}, nil, &live)
	foreverHash := cat.Register([]FileEntry{testEntry(t, dir, "forever.bin", []byte{7, 8, 9})}, nil, nil)

	cat.sweep(time.Now())

	if cat.Get(expiredHash) != nil {
		t.Error("expired bundle survived the sweep")
	}
	if cat.Get(liveHash) == nil {
		t.Error("live bundle was collected")
	}
	if cat.Get(foreverHash) == nil {
		t.Error("bundle without deadline was collected")
	}
	if _, err := os.Stat(cat.descPath(expiredHash)); !os.IsNotExist(err) {
		t.Error("descriptor file of the expired bundle still exists")
	}
}

func TestPersistence(t *testing.T) {
	directory := t.TempDir()
	validTo := time.Unix(time.Now().Add(time.Hour).Unix(), 123)

	cat, err := Init(directory)
	if err != nil {
		t.Fatal(err)
	}
	entry := testEntry(t, t.TempDir(), "persisted.bin", bytes.Repeat([]byte{3}, 300))
	mapHash := cat.Register([]FileEntry{entry}, []byte("inline"), &validTo)
	nodeID := cat.NodeID()
	cat.Terminate()

	// a second catalog over the same directory sees the same identity and shares
	reloaded, err := Init(directory)
	if err != nil {
		t.Fatal(err)
	}
	defer reloaded.Terminate()

	if reloaded.NodeID() != nodeID {
		t.Error("node id changed across restart")
	}
	desc := reloaded.Get(mapHash)
	if desc == nil {
		t.Fatal("registration lost across restart")
	}
	if desc.Files[0].Path != entry.Path || desc.Files[0].Map.FileName != "persisted.bin" {
		t.Error("reloaded descriptor does not match")
	}
	if string(desc.InlineData) != "inline" {
		t.Error("inline data lost across restart")
	}
	if desc.ValidTo == nil || !desc.ValidTo.Equal(validTo) {
		t.Errorf("deadline %v does not match %v", desc.ValidTo, validTo)
	}
}

func TestCorruptMetadata(t *testing.T) {
	directory := t.TempDir()

	cat, err := Init(directory)
	if err != nil {
		t.Fatal(err)
	}
	nodeID := cat.NodeID()
	cat.Terminate()

	// corrupt metadata wipes the directory and generates a fresh identity
	if err := os.WriteFile(filepath.Join(directory, "meta"), []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}
	reinitialized, err := Init(directory)
	if err != nil {
		t.Fatal(err)
	}
	defer reinitialized.Terminate()
	if reinitialized.NodeID() == nodeID {
		t.Error("expected a fresh node id after re-initialization")
	}
}

func TestUnsupportedMetaVersion(t *testing.T) {
	directory := t.TempDir()
	if err := os.WriteFile(filepath.Join(directory, "meta"), []byte(`{"format": 99, "id": 7, "flags": []}`), 0644); err != nil {
		t.Fatal(err)
	}

	cat, err := Init(directory)
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Terminate()
	if cat.NodeID() == (protocol.Hash{}) {
		t.Error("expected a fresh node id")
	}
}

func TestBrokenDescriptorFile(t *testing.T) {
	directory := t.TempDir()

	cat, err := Init(directory)
	if err != nil {
		t.Fatal(err)
	}
	cat.Terminate()

	broken := filepath.Join(directory, "0000.fhash")
	if err := os.WriteFile(broken, []byte("not a descriptor"), 0644); err != nil {
		t.Fatal(err)
	}

	// a descriptor that fails to decode is deleted, startup continues
	reloaded, err := Init(directory)
	if err != nil {
		t.Fatal(err)
	}
	defer reloaded.Terminate()
	if _, err := os.Stat(broken); !os.IsNotExist(err) {
		t.Error("broken descriptor file was not removed")
	}
}

func TestNodeIDRoundTrip(t *testing.T) {
	nodeID := protocol.HashData([]byte("node"))
	decoded, valid := decodeNodeID(encodeNodeID(nodeID))
	if !valid || decoded != nodeID {
		t.Error("node id does not round-trip through the meta encoding")
	}
	if _, valid := decodeNodeID([]byte(`"text"`)); valid {
		t.Error("non-numeric node id accepted")
	}
}
