// Package digest computes the content digests used for change detection.
package digest

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/spaolacci/murmur3"
)

// Func maps a byte sequence to a stable digest string.
type Func func([]byte) string

// Sum returns the hex-encoded murmur3 128-bit digest of data.
func Sum(data []byte) string {
	h := murmur3.New128()
	h.Write(data)
	h1, h2 := h.Sum128()

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], h1)
	binary.BigEndian.PutUint64(buf[8:], h2)
	return hex.EncodeToString(buf[:])
}

// String is Sum over the bytes of s.
func String(s string) string {
	return Sum([]byte(s))
}
