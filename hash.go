package cache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

const (
	// bucketDigits is the number of hexadecimal digits of the hash used
	// to select a bucket; 2 digits span 8 bits => 256 buckets.
	bucketDigits = 2
	bucketCount  = 256
)

// bucketIndexOf maps a 64-bit content hash to its bucket using the two
// top hexadecimal digits.
func bucketIndexOf(hash uint64) int {
	return int(hash >> (64 - bucketDigits*4))
}

// tileSpreadHash mixes a content hash with the sequence number of a
// tile allocation so that the tiles of one entry land in different
// buckets. A plain XOR of hash and seq would only disturb the low bits,
// which the bucket index never looks at.
func tileSpreadHash(hash uint64, seq int) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], hash)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(seq))
	return xxhash.Sum64(buf[:])
}

// HashBytes fingerprints raw content. Clients typically fold node
// parameters and upstream hashes into one buffer and fingerprint that.
func HashBytes(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// HashStrings fingerprints an ordered sequence of strings,
// length-prefixing each one so that boundaries contribute to the hash.
func HashStrings(parts ...string) uint64 {
	d := xxhash.New()
	var n [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(n[:], uint64(len(p)))
		_, _ = d.Write(n[:])
		_, _ = d.WriteString(p)
	}
	return d.Sum64()
}
