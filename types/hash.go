package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the size of a block hash in bytes.
const HashSize = sha256.Size

// Hash is a fixed-size block or state hash.
type Hash [HashSize]byte

// HashBytes returns the hash of the given byte slices, concatenated.
func HashBytes(slices ...[]byte) Hash {
	hasher := sha256.New()
	for _, s := range slices {
		hasher.Write(s)
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// HashFromBytes converts a byte slice to a Hash. It errors if the slice has
// the wrong length.
func HashFromBytes(bz []byte) (Hash, error) {
	var h Hash
	if len(bz) != HashSize {
		return h, fmt.Errorf("wrong hash length: got %d, want %d", len(bz), HashSize)
	}
	copy(h[:], bz)
	return h, nil
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Less orders hashes lexicographically. Used as the default fork-choice
// tie-break so that independent replicas converge.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

func (h Hash) String() string {
	return fmt.Sprintf("%X", h[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	bz, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	parsed, err := HashFromBytes(bz)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
