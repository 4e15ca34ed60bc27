package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Header is a block header. It is immutable once constructed; the engine
// treats a verified header as canonical data.
type Header struct {
	Number     int64
	ParentHash Hash
	StateRoot  Hash
	// Digest carries opaque consensus-specific data (e.g. authority set
	// changes, slot claims). The engine never interprets it.
	Digest []byte
}

// Hash returns the header hash, computed over the fixed header encoding.
func (h Header) Hash() Hash {
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], uint64(h.Number))
	return HashBytes(num[:], h.ParentHash[:], h.StateRoot[:], h.Digest)
}

// ValidateBasic performs stateless validity checks on the header.
func (h Header) ValidateBasic() error {
	if h.Number < 0 {
		return fmt.Errorf("negative block number %d", h.Number)
	}
	if h.Number > 0 && h.ParentHash.IsZero() {
		return errors.New("non-genesis header with zero parent hash")
	}
	return nil
}

func (h Header) String() string {
	return fmt.Sprintf("Header{#%d %v parent=%v}", h.Number, h.Hash(), h.ParentHash)
}

// Block is a header together with its body.
type Block struct {
	Header Header
	// Body holds the opaque extrinsics of the block.
	Body [][]byte
}

// ValidateBasic performs stateless validity checks on the block.
func (b Block) ValidateBasic() error {
	if err := b.Header.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	for i, ext := range b.Body {
		if len(ext) == 0 {
			return fmt.Errorf("empty extrinsic at index %d", i)
		}
	}
	return nil
}

// Justification is a proof that a block achieved finality. The proof bytes
// are opaque to the engine and checked by a pluggable verifier.
type Justification struct {
	TargetNumber int64
	TargetHash   Hash
	Proof        []byte
}

// ValidateBasic performs stateless validity checks on the justification.
func (j Justification) ValidateBasic() error {
	if j.TargetNumber < 0 {
		return fmt.Errorf("negative target number %d", j.TargetNumber)
	}
	if j.TargetHash.IsZero() {
		return errors.New("zero target hash")
	}
	if len(j.Proof) == 0 {
		return errors.New("empty proof")
	}
	return nil
}
