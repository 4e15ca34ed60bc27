// Package wire implements the fixed wire format used by block-data requests
// and responses. Response payloads arrive as opaque buffers; the sync
// strategies decode and verify them with this package.
//
// The format is compact binary: unsigned varints for integers and lengths,
// raw 32-byte hashes, and length-prefixed byte strings. It is an external
// protocol surface and is not meant to evolve here.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/forgenet/chainsync/types"
)

var (
	// ErrShortBuffer is returned when a payload is truncated.
	ErrShortBuffer = errors.New("wire: short buffer")

	// ErrOverflow is returned when a decoded length or count exceeds its
	// hard limit.
	ErrOverflow = errors.New("wire: length exceeds limit")

	// ErrTrailingBytes is returned when a payload has bytes past the end of
	// the decoded message.
	ErrTrailingBytes = errors.New("wire: trailing bytes")
)

// Hard decode limits. A payload exceeding them is malformed by definition.
const (
	MaxItems    = 1 << 16 // headers, bodies, fragments, chunk entries per message
	MaxByteLen  = 1 << 24 // single byte-string length
	maxDigest   = 1 << 16
	maxExtrinis = 1 << 13 // extrinsics per body
)

type writer struct {
	buf []byte
}

func (w *writer) uvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.buf = append(w.buf, tmp[:n]...)
}

func (w *writer) bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *writer) hash(h types.Hash) {
	w.buf = append(w.buf, h[:]...)
}

func (w *writer) bytes(bz []byte) {
	w.uvarint(uint64(len(bz)))
	w.buf = append(w.buf, bz...)
}

type reader struct {
	buf []byte
}

func (r *reader) uvarint(limit uint64) (uint64, error) {
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		return 0, ErrShortBuffer
	}
	if v > limit {
		return 0, fmt.Errorf("%w: %d > %d", ErrOverflow, v, limit)
	}
	r.buf = r.buf[n:]
	return v, nil
}

func (r *reader) bool() (bool, error) {
	if len(r.buf) < 1 {
		return false, ErrShortBuffer
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	if b > 1 {
		return false, fmt.Errorf("wire: invalid bool byte %#x", b)
	}
	return b == 1, nil
}

func (r *reader) hash() (types.Hash, error) {
	var h types.Hash
	if len(r.buf) < types.HashSize {
		return h, ErrShortBuffer
	}
	copy(h[:], r.buf[:types.HashSize])
	r.buf = r.buf[types.HashSize:]
	return h, nil
}

func (r *reader) bytes(limit uint64) ([]byte, error) {
	n, err := r.uvarint(limit)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if uint64(len(r.buf)) < n {
		return nil, ErrShortBuffer
	}
	bz := make([]byte, n)
	copy(bz, r.buf[:n])
	r.buf = r.buf[n:]
	return bz, nil
}

func (r *reader) finish() error {
	if len(r.buf) != 0 {
		return ErrTrailingBytes
	}
	return nil
}
