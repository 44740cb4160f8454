/*
File Name:  Hash.go
Copyright:  2019 Golem Factory
Author:     Golem Factory
*/

package protocol

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashSize is the size of a content hash in bytes. A hash is the low 128 bits
// of SHA-224 over the input, interpreted little-endian.
const HashSize = 16

// Hash is a 128-bit content identifier in little-endian byte order. It is used
// both for block and bundle hashes and for the node ID.
type Hash [HashSize]byte

// HashData hashes the input with SHA-224 and truncates to 128 bits.
func HashData(data []byte) (hash Hash) {
	digest := sha256.Sum224(data)
	copy(hash[:], digest[:HashSize])
	return hash
}

// HashBlock hashes a single block of file data. The downloader uses it to
// verify each received block against the file map.
func HashBlock(data []byte) Hash {
	return HashData(data)
}

// Hex returns the hash as 32 lowercase hex digits, most significant first.
// This is the user-facing form of content hashes and node IDs.
func (hash Hash) Hex() string {
	var reversed [HashSize]byte
	for n := 0; n < HashSize; n++ {
		reversed[n] = hash[HashSize-1-n]
	}
	return hex.EncodeToString(reversed[:])
}

// HashFromHex parses the 32-digit hex form back into a hash.
func HashFromHex(text string) (hash Hash, valid bool) {
	if len(text) != HashSize*2 {
		return hash, false
	}
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return hash, false
	}
	for n := 0; n < HashSize; n++ {
		hash[n] = decoded[HashSize-1-n]
	}
	return hash, true
}
