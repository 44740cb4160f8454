package protocol

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func testHash(value byte) (hash Hash) {
	for n := range hash {
		hash[n] = value
	}
	return hash
}

func TestCommandRoundTrip(t *testing.T) {
	commands := []Command{
		&Nop{},
		&Bye{},
		NewHello(testHash(0x42)),
		&Ask{Hash: testHash(0x11)},
		&AskReply{Hash: testHash(0x11)},
		&AskReply{Hash: testHash(0x11), Found: true, Files: []FileMap{
			{FileName: "a.bin", FileSize: 10, Blocks: []Hash{testHash(1)}},
			{FileName: "b.bin", FileSize: BlockSize + 1, Blocks: []Hash{testHash(2), testHash(3)}},
		}},
		&GetBlock{Hash: testHash(0x22), FileNr: 1, BlockNr: 7},
		&Block{Hash: testHash(0x22), BlockNr: 7, FileNr: 1, Bytes: []byte{1, 2, 3, 4, 5, 6}},
	}

	for _, command := range commands {
		raw := EncodeCommand(command)
		decoded, err := ReadCommand(bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("decode %T: %v", command, err)
		}
		if !reflect.DeepEqual(command, decoded) {
			t.Errorf("round trip mismatch for %T: %+v != %+v", command, command, decoded)
		}
	}
}

func TestHelloEncoding(t *testing.T) {
	nodeID, valid := HashFromHex("0123456789abcdef0123456789abcdef")
	if !valid {
		t.Fatal("invalid node id literal")
	}

	raw := EncodeCommand(NewHello(nodeID))
	if len(raw) != 18 {
		t.Fatalf("hello frame is %d bytes, expected 18", len(raw))
	}
	if raw[0] != CommandHello || raw[1] != ProtoVersion {
		t.Errorf("unexpected hello header % x", raw[:2])
	}
	// node ID is on the wire in little-endian order
	if raw[2] != 0xef || raw[17] != 0x01 {
		t.Errorf("unexpected node id encoding % x", raw[2:])
	}
}

func TestBlockEncoding(t *testing.T) {
	hash, _ := HashFromHex("00000000000000001212deadbeef1212")
	block := &Block{Hash: hash, BlockNr: 0, FileNr: 0, Bytes: []byte{1, 2, 3, 4, 5, 6}}

	raw := EncodeCommand(block)
	if raw[0] != CommandBlock {
		t.Fatalf("unexpected opcode %d", raw[0])
	}
	if declared := binary.LittleEndian.Uint32(raw[1:5]); int(declared) != len(raw)-5 {
		t.Errorf("declared payload size %d does not match %d", declared, len(raw)-5)
	}

	decoded, err := ReadCommand(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(block, decoded) {
		t.Errorf("round trip mismatch: %+v != %+v", block, decoded)
	}
}

func TestPacketSizeGuard(t *testing.T) {
	raw := []byte{CommandBlock, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(raw[1:5], MaxPacketSize+1)

	if _, err := ReadCommand(bytes.NewReader(raw)); err != ErrPacketTooLarge {
		t.Errorf("expected ErrPacketTooLarge, got %v", err)
	}
}

func TestUnknownOpcode(t *testing.T) {
	if _, err := ReadCommand(bytes.NewReader([]byte{99})); err != ErrUnknownOpcode {
		t.Errorf("expected ErrUnknownOpcode, got %v", err)
	}
}

func TestMalformedPayload(t *testing.T) {
	hash := testHash(1)

	// ask-reply whose option tag declares a list that is not there
	payload := append(hash[:], 1)
	if _, err := DecodeCommand(CommandAskReply, payload); err != ErrMalformedPayload {
		t.Errorf("expected ErrMalformedPayload, got %v", err)
	}

	// trailing garbage after a valid ask-reply
	payload = append(hash[:], 0, 0xFF)
	if _, err := DecodeCommand(CommandAskReply, payload); err != ErrMalformedPayload {
		t.Errorf("expected ErrMalformedPayload for trailing bytes, got %v", err)
	}
}

// Known vectors for a 5 MiB file filled with 0xAB, published as "test.bin".
const (
	vectorBlock1 = "e9ecc3f8434ec68273797766aa291c54"
	vectorBlock2 = "0f2d3e3dfce3ab18a8c70c06535be6cc"
	vectorBundle = "727079c1c3f4a58c0208be88cc6d714c"
)

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bin")
	data := bytes.Repeat([]byte{0xAB}, 5*1024*1024)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	fileMap, err := HashFile(path, "test.bin")
	if err != nil {
		t.Fatal(err)
	}

	if len(fileMap.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(fileMap.Blocks))
	}
	if fileMap.BlockLength(0) != BlockSize {
		t.Errorf("first block covers %d bytes", fileMap.BlockLength(0))
	}
	if fileMap.BlockLength(1) != 1024*1024 {
		t.Errorf("second block covers %d bytes, expected 1 MiB", fileMap.BlockLength(1))
	}

	if fileMap.Blocks[0].Hex() != vectorBlock1 {
		t.Errorf("block 0 hash %s, expected %s", fileMap.Blocks[0].Hex(), vectorBlock1)
	}
	if fileMap.Blocks[1].Hex() != vectorBlock2 {
		t.Errorf("block 1 hash %s, expected %s", fileMap.Blocks[1].Hex(), vectorBlock2)
	}

	if bundle := HashBundle([]FileMap{*fileMap}); bundle.Hex() != vectorBundle {
		t.Errorf("bundle hash %s, expected %s", bundle.Hex(), vectorBundle)
	}

	// the second block's hash is the hash of the covered region only
	if observed := HashBlock(data[BlockSize:]); observed != fileMap.Blocks[1] {
		t.Error("second block hash does not match the hashed region")
	}
}

func TestBlockCoverage(t *testing.T) {
	sizes := []int{0, 1, 199, BlockSize - 1, BlockSize, BlockSize + 1}

	for _, size := range sizes {
		path := filepath.Join(t.TempDir(), "coverage.bin")
		if err := os.WriteFile(path, bytes.Repeat([]byte{7}, size), 0644); err != nil {
			t.Fatal(err)
		}
		fileMap, err := HashFile(path, "coverage.bin")
		if err != nil {
			t.Fatal(err)
		}

		expectedBlocks := (size + BlockSize - 1) / BlockSize
		if len(fileMap.Blocks) != expectedBlocks {
			t.Errorf("size %d: %d blocks, expected %d", size, len(fileMap.Blocks), expectedBlocks)
		}

		var covered uint64
		for blockNr := range fileMap.Blocks {
			covered += fileMap.BlockLength(uint32(blockNr))
		}
		if covered != uint64(size) {
			t.Errorf("size %d: blocks cover %d bytes", size, covered)
		}
	}
}

func TestHashDeterminism(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a")
	pathB := filepath.Join(dir, "b")
	content := bytes.Repeat([]byte{0x5A}, 1000)
	os.WriteFile(pathA, content, 0644)
	os.WriteFile(pathB, content, 0644)

	mapA, err := HashFile(pathA, "same-name")
	if err != nil {
		t.Fatal(err)
	}
	mapB, err := HashFile(pathB, "same-name")
	if err != nil {
		t.Fatal(err)
	}

	if HashBundle([]FileMap{*mapA}) != HashBundle([]FileMap{*mapB}) {
		t.Error("identical content and name must hash identically")
	}

	mapB.FileName = "other-name"
	if HashBundle([]FileMap{*mapA}) == HashBundle([]FileMap{*mapB}) {
		t.Error("the display name is part of the bundle hash")
	}
}

func TestHashHex(t *testing.T) {
	hash := HashData([]byte("test"))
	decoded, valid := HashFromHex(hash.Hex())
	if !valid || decoded != hash {
		t.Errorf("hex round trip failed for %s", hash.Hex())
	}
	if _, valid := HashFromHex("xyz"); valid {
		t.Error("invalid hex accepted")
	}
}
