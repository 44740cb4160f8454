/*
File Name:  Store.go
Copyright:  2019 Golem Factory
Author:     Golem Factory

On-disk layout of the data directory:
meta     JSON object {"format": 1, "id": <node id as decimal number>, "flags": []}
*.fhash  One canonical-encoded descriptor per registered bundle, named by hash.

Descriptor encoding, canonical little-endian:
Offset  Size   Info
0       16     Map hash
16      8      Count of files
?       ?      Per file: canonical file map, then length-prefixed local path
?       ?      Length-prefixed inline data
?       1      Deadline tag (0 = none, 1 = deadline follows)
?       8+4    Deadline: seconds and nanoseconds since the Unix epoch
*/

package catalog

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golemfactory/simple-transfer/protocol"
	log "github.com/sirupsen/logrus"
)

// metaFormatVersion is the supported format of the meta file.
const metaFormatVersion = 1

var (
	ErrMetadataNotFound  = errors.New("metadata not found")
	ErrInvalidJSONFormat = errors.New("invalid metadata format")
	ErrInvalidBinFormat  = errors.New("invalid descriptor format")
)

// InvalidMetaVersionError reports a meta file written by an incompatible version.
type InvalidMetaVersionError struct {
	Detected int
}

func (e *InvalidMetaVersionError) Error() string {
	return fmt.Sprintf("invalid metadata version: %d", e.Detected)
}

// isMetaError reports whether the load failure shall trigger re-initialization
// of the data directory rather than terminating the caller.
func isMetaError(err error) bool {
	var versionError *InvalidMetaVersionError
	return errors.Is(err, ErrMetadataNotFound) || errors.Is(err, ErrInvalidJSONFormat) || errors.As(err, &versionError)
}

type metaFile struct {
	Format int             `json:"format"`
	ID     json.RawMessage `json:"id"`
	Flags  []string        `json:"flags"`
}

// load parses the meta file and all stored descriptors. A descriptor that
// fails to decode is deleted and skipped; the meta file is mandatory.
func (cat *Catalog) load() (err error) {
	data, err := os.ReadFile(filepath.Join(cat.Directory, "meta"))
	if os.IsNotExist(err) {
		return ErrMetadataNotFound
	} else if err != nil {
		return err
	}

	var meta metaFile
	if err = json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidJSONFormat, err)
	}
	if meta.Format != metaFormatVersion {
		return &InvalidMetaVersionError{Detected: meta.Format}
	}
	nodeID, valid := decodeNodeID(meta.ID)
	if !valid {
		return fmt.Errorf("%w: invalid node id", ErrInvalidJSONFormat)
	}
	cat.nodeID = nodeID

	entries, err := os.ReadDir(cat.Directory)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".fhash" {
			continue
		}
		path := filepath.Join(cat.Directory, entry.Name())
		desc, err := loadDesc(path)
		if err != nil {
			log.Errorf("load hash error: %s", err)
			os.Remove(path)
			continue
		}
		cat.files[desc.MapHash] = desc
		desc.logEvent("reshare")
	}

	return nil
}

// initMeta writes a fresh meta file with a new random node ID.
func (cat *Catalog) initMeta() (err error) {
	var nodeID protocol.Hash
	if _, err = rand.Read(nodeID[:]); err != nil {
		return err
	}

	meta := metaFile{Format: metaFormatVersion, ID: encodeNodeID(nodeID), Flags: []string{}}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	if err = os.WriteFile(filepath.Join(cat.Directory, "meta"), data, 0644); err != nil {
		return err
	}

	cat.nodeID = nodeID
	return nil
}

// clearDirectory removes the meta file and any stale descriptors before
// re-initialization.
func (cat *Catalog) clearDirectory() (err error) {
	entries, err := os.ReadDir(cat.Directory)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if entry.Name() == "meta" || filepath.Ext(entry.Name()) == ".fhash" {
			if err = os.Remove(filepath.Join(cat.Directory, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func createDirectory(path string) (err error) {
	if _, err = os.Stat(path); err != nil && os.IsNotExist(err) {
		err = os.MkdirAll(path, os.ModePerm)
	}
	return err
}

// ---- node ID ----

// The node ID round-trips through the meta file as a JSON decimal number of
// up to 128 bits, the format the original metadata files carry.

func decodeNodeID(raw json.RawMessage) (nodeID protocol.Hash, valid bool) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(string(raw)), 10)
	if !ok || value.Sign() < 0 || value.BitLen() > 128 {
		return nodeID, false
	}

	var bigEndian [protocol.HashSize]byte
	value.FillBytes(bigEndian[:])
	for n := 0; n < protocol.HashSize; n++ {
		nodeID[n] = bigEndian[protocol.HashSize-1-n]
	}
	return nodeID, true
}

func encodeNodeID(nodeID protocol.Hash) json.RawMessage {
	var bigEndian [protocol.HashSize]byte
	for n := 0; n < protocol.HashSize; n++ {
		bigEndian[n] = nodeID[protocol.HashSize-1-n]
	}
	return json.RawMessage(new(big.Int).SetBytes(bigEndian[:]).String())
}

// ---- descriptor files ----

func (cat *Catalog) descPath(mapHash protocol.Hash) string {
	return filepath.Join(cat.Directory, mapHash.Hex()+".fhash")
}

// saveDesc persists the descriptor. Failure to write keeps the registration
// in memory and is only logged.
func (cat *Catalog) saveDesc(desc *FileDesc) {
	if err := os.WriteFile(cat.descPath(desc.MapHash), encodeDesc(desc), 0644); err != nil {
		log.Errorf("store descriptor %s: %s", desc.MapHash.Hex(), err)
	}
}

func (cat *Catalog) removeDescFile(mapHash protocol.Hash) {
	if err := os.Remove(cat.descPath(mapHash)); err != nil && !os.IsNotExist(err) {
		log.Errorf("remove descriptor %s: %s", mapHash.Hex(), err)
	}
}

func loadDesc(path string) (desc *FileDesc, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeDesc(raw)
}

func encodeDesc(desc *FileDesc) (raw []byte) {
	raw = append(raw, desc.MapHash[:]...)
	raw = appendUint64(raw, uint64(len(desc.Files)))
	for n := range desc.Files {
		raw = protocol.EncodeFileMap(raw, &desc.Files[n].Map)
		raw = appendUint64(raw, uint64(len(desc.Files[n].Path)))
		raw = append(raw, desc.Files[n].Path...)
	}
	raw = appendUint64(raw, uint64(len(desc.InlineData)))
	raw = append(raw, desc.InlineData...)
	if desc.ValidTo == nil {
		raw = append(raw, 0)
	} else {
		raw = append(raw, 1)
		raw = appendUint64(raw, uint64(desc.ValidTo.Unix()))
		var nanos [4]byte
		binary.LittleEndian.PutUint32(nanos[:], uint32(desc.ValidTo.Nanosecond()))
		raw = append(raw, nanos[:]...)
	}
	return raw
}

func decodeDesc(raw []byte) (desc *FileDesc, err error) {
	desc = &FileDesc{}

	if len(raw) < protocol.HashSize+8 {
		return nil, ErrInvalidBinFormat
	}
	copy(desc.MapHash[:], raw[0:protocol.HashSize])
	index := protocol.HashSize

	fileCount, index, err := decodeUint64(raw, index)
	if err != nil || fileCount > uint64(len(raw)) {
		return nil, ErrInvalidBinFormat
	}
	for n := uint64(0); n < fileCount; n++ {
		var entry FileEntry
		if entry.Map, index, err = protocol.DecodeFileMap(raw, index); err != nil {
			return nil, ErrInvalidBinFormat
		}
		var path []byte
		if path, index, err = decodeData(raw, index); err != nil {
			return nil, ErrInvalidBinFormat
		}
		entry.Path = string(path)
		desc.Files = append(desc.Files, entry)
	}

	if desc.InlineData, index, err = decodeData(raw, index); err != nil {
		return nil, ErrInvalidBinFormat
	}

	if index+1 > len(raw) {
		return nil, ErrInvalidBinFormat
	}
	tag := raw[index]
	index++
	switch tag {
	case 0:
	case 1:
		var seconds uint64
		if seconds, index, err = decodeUint64(raw, index); err != nil {
			return nil, ErrInvalidBinFormat
		}
		if index+4 > len(raw) {
			return nil, ErrInvalidBinFormat
		}
		nanos := binary.LittleEndian.Uint32(raw[index : index+4])
		index += 4
		validTo := time.Unix(int64(seconds), int64(nanos))
		desc.ValidTo = &validTo
	default:
		return nil, ErrInvalidBinFormat
	}

	if index != len(raw) {
		return nil, ErrInvalidBinFormat
	}
	return desc, nil
}

func appendUint64(raw []byte, value uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return append(raw, buf[:]...)
}

func decodeUint64(raw []byte, index int) (value uint64, next int, err error) {
	if index+8 > len(raw) {
		return 0, index, ErrInvalidBinFormat
	}
	return binary.LittleEndian.Uint64(raw[index : index+8]), index + 8, nil
}

func decodeData(raw []byte, index int) (data []byte, next int, err error) {
	length, index, err := decodeUint64(raw, index)
	if err != nil {
		return nil, index, err
	}
	if length > uint64(len(raw)-index) {
		return nil, index, ErrInvalidBinFormat
	}
	data = make([]byte, length)
	copy(data, raw[index:index+int(length)])
	return data, index + int(length), nil
}
