// Package id implements the 160-bit identifiers used for both DHT node ids
// and content info-hashes, along with the XOR distance metric the routing
// table is built on.
package id

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"math/bits"
)

// Length is the size in bytes of an Id.
const Length = 20

// Bits is the number of bits in an Id.
const Bits = Length * 8

// Id is a 160-bit opaque identifier, used for both DHT node ids and
// info-hashes. The zero value is the all-zero id.
type Id [Length]byte

// ErrWrongLength is returned by FromBytes when given a slice that is not
// exactly Length bytes long.
var ErrWrongLength = errors.New("id: wrong length")

// FromBytes copies b into a new Id. b must be exactly Length bytes.
func FromBytes(b []byte) (Id, error) {
	var out Id
	if len(b) != Length {
		return out, ErrWrongLength
	}
	copy(out[:], b)
	return out, nil
}

// Sha1 derives an Id from the SHA-1 digest of b, as used for torrent
// info-hashes.
func Sha1(b []byte) Id {
	return Id(sha1.Sum(b))
}

// Random returns a cryptographically random Id, suitable for a fresh node
// identity.
func Random() Id {
	var out Id
	if _, err := rand.Read(out[:]); err != nil {
		// crypto/rand.Read on the standard reader does not fail in practice;
		// if it ever does there is nothing better to fall back to than a
		// zero id, which bootstrap will simply treat as any other id.
		return out
	}
	return out
}

// Bytes returns the id as a byte slice, sharing the underlying array.
func (a Id) Bytes() []byte {
	return a[:]
}

// String returns the lowercase hex encoding of the id.
func (a Id) String() string {
	return hex.EncodeToString(a[:])
}

// Less reports whether a sorts before b under byte-lexicographic order.
func (a Id) Less(b Id) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Xor returns the bitwise XOR of a and b, interpreted as the Kademlia
// distance between them.
func (a Id) Xor(b Id) Id {
	var out Id
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// LeadingZeros returns the number of leading zero bits in a, read as a
// big-endian 160-bit integer. An all-zero id has LeadingZeros() == Bits.
func (a Id) LeadingZeros() int {
	for i, b := range a {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return Bits
}

// BucketIndex returns the ideal routing-table bucket index for other
// relative to self: the number of leading zero bits in their XOR distance.
func BucketIndex(self, other Id) int {
	return self.Xor(other).LeadingZeros()
}

// FlipBit returns a copy of a with bit index (0 = most significant bit of
// a[0]) inverted. Used to synthesize a refresh target that falls into a
// specific bucket.
func (a Id) FlipBit(index int) Id {
	out := a
	byteIndex := index / 8
	bitIndex := uint(index % 8)
	mask := byte(0x80) >> bitIndex
	out[byteIndex] ^= mask
	return out
}
