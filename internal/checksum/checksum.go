// Package checksum computes the cheap corruption-detection digest stored in
// record metadata. It is not a security primitive.
package checksum

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Sum returns the hex-encoded xxhash64 digest of data.
func Sum(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// SumString is Sum for string payloads without an extra copy.
func SumString(s string) string {
	return strconv.FormatUint(xxhash.Sum64String(s), 16)
}

// Verify reports whether data hashes to want. An empty want always verifies,
// so records written before checksums existed stay readable.
func Verify(data string, want string) bool {
	if want == "" {
		return true
	}
	return SumString(data) == want
}
