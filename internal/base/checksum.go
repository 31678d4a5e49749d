package base

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Checksum computes the 32-bit metadata checksum of b: the low half of
// XXH64 with seed 0.
func Checksum(b []byte) uint32 {
	return uint32(xxhash.Sum64(b))
}

// SplitChecksum treats the last SizeofChecksum bytes of image as the stored
// checksum and recomputes over the rest.
func SplitChecksum(image []byte) (stored, computed uint32) {
	if len(image) < SizeofChecksum {
		return 0, 1
	}
	body := len(image) - SizeofChecksum
	stored = binary.LittleEndian.Uint32(image[body:])
	computed = Checksum(image[:body])
	return stored, computed
}

// VerifyChecksum reports whether the trailing checksum of image matches its
// contents. It reads nothing else, so it is safe to call on untrusted bytes.
func VerifyChecksum(image []byte) bool {
	if len(image) < SizeofChecksum {
		return false
	}
	stored, computed := SplitChecksum(image)
	return stored == computed
}

// PutChecksum computes the checksum of body and writes it to dst.
func PutChecksum(dst []byte, body []byte) {
	binary.LittleEndian.PutUint32(dst, Checksum(body))
}
