// Package hashutil provides the SHA-1 content hashing primitives that back
// every file and chunk identity in the store: streaming digests, hex
// encoding, and constant-time comparison for signature-adjacent checks.
package hashutil

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"
)

// Hasher incrementally hashes bytes and exposes the running digest as hex,
// mirroring the update/digest split the spec calls out in §4.1.
type Hasher struct {
	h hash.Hash
}

func New() *Hasher {
	return &Hasher{h: sha1.New()}
}

func (d *Hasher) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// HexDigest returns the lowercase hex SHA-1 of everything written so far.
func (d *Hasher) HexDigest() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Sum1Hex computes the SHA-1 hex digest of a single in-memory buffer.
func Sum1Hex(b []byte) string {
	h := sha1.Sum(b)
	return hex.EncodeToString(h[:])
}

// StreamSum1Hex hashes everything read from r and returns the hex digest
// along with the number of bytes consumed.
func StreamSum1Hex(r io.Reader) (digest string, n int64, err error) {
	h := sha1.New()
	n, err = io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ConstantTimeEqual compares two hex digests without leaking timing
// information about where they first differ.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// IsValidHex reports whether s looks like a 40-character lowercase hex SHA-1.
func IsValidHex(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// PrefixPath splits a sha1 hex digest into its aa/bb/cc fan-out prefixes,
// per the bit-exact storage layout in spec.md §6.
func PrefixPath(sha1Hex string) (aa, bb, cc string) {
	return sha1Hex[0:2], sha1Hex[2:4], sha1Hex[4:6]
}
