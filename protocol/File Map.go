/*
File Name:  File Map.go
Copyright:  2019 Golem Factory
Author:     Golem Factory

A file map lists the per-block hashes of a single file. Files are split into
fixed 4 MiB blocks; every block except the last covers exactly BlockSize bytes.
The bundle hash over the canonical serialization of all file maps in order is
the content identifier that peers are asked for.
*/

package protocol

import (
	"crypto/sha256"
	"io"
	"os"
)

// BlockSize is the fixed unit of transfer and hashing within a file.
const BlockSize = 4 * 1024 * 1024

// FileMap carries the name, size and ordered per-block hashes of one file.
type FileMap struct {
	FileName string
	FileSize uint64
	Blocks   []Hash
}

// BlockLength returns the count of bytes covered by the given block.
func (fileMap *FileMap) BlockLength(blockNr uint32) uint64 {
	offset := uint64(blockNr) * BlockSize
	if fileMap.FileSize < offset {
		return 0
	}
	if remaining := fileMap.FileSize - offset; remaining < BlockSize {
		return remaining
	}
	return BlockSize
}

// HashFile reads the file at the given path in BlockSize chunks and hashes
// each chunk. The display name is the name the file will be published under;
// it is part of the bundle hash input.
func HashFile(path string, fileName string) (fileMap *FileMap, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	fileSize := uint64(info.Size())

	fileMap = &FileMap{FileName: fileName, FileSize: fileSize}

	for remaining := fileSize; remaining > 0; {
		blockLength := uint64(BlockSize)
		if remaining < blockLength {
			blockLength = remaining
		}

		digest := sha256.New224()
		if _, err := io.CopyN(digest, file, int64(blockLength)); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, ErrUnexpectedEof
			}
			return nil, err
		}

		var blockHash Hash
		copy(blockHash[:], digest.Sum(nil)[:HashSize])
		fileMap.Blocks = append(fileMap.Blocks, blockHash)

		remaining -= blockLength
	}

	return fileMap, nil
}

// HashBundle feeds the canonical serialization of each file map, in order,
// into a single digest. The result is the bundle's content identifier.
// Identical file contents and names yield identical hashes on any platform.
func HashBundle(fileMaps []FileMap) (hash Hash) {
	digest := sha256.New224()
	for n := range fileMaps {
		digest.Write(EncodeFileMap(nil, &fileMaps[n]))
	}
	copy(hash[:], digest.Sum(nil)[:HashSize])
	return hash
}
