package forktree

import (
	"errors"
	"fmt"

	"github.com/forgenet/chainsync/types"
)

var (
	// ErrDuplicateBlock is returned by Insert when the block is already in
	// the tree.
	ErrDuplicateBlock = errors.New("block already in tree")

	// ErrUnknownBlock is returned when an index or hash does not refer to a
	// live node.
	ErrUnknownBlock = errors.New("unknown block")

	// ErrRevertNotAllowed is returned by Finalize when the target is not a
	// descendant of the current finalized root. Finality is monotonic and is
	// never rolled back.
	ErrRevertNotAllowed = errors.New("finality revert not allowed")
)

// ErrMissingParent is returned by Insert when the header's parent is neither
// in the tree nor the finalized root.
type ErrMissingParent struct {
	ParentHash types.Hash
}

func (e ErrMissingParent) Error() string {
	return fmt.Sprintf("missing parent %v", e.ParentHash)
}

// ErrBadNumber is returned by Insert when the header's number is not exactly
// one more than its parent's.
type ErrBadNumber struct {
	Number, ParentNumber int64
}

func (e ErrBadNumber) Error() string {
	return fmt.Sprintf("block number %d does not follow parent number %d", e.Number, e.ParentNumber)
}
