package blocksync

import (
	"github.com/forgenet/chainsync/types"
)

// Event is emitted by the engine in response to injected data. The caller
// owns persistence and external notification; the engine never persists
// anything itself.
type Event interface{}

// EventBestBlock reports that the head of the best chain changed.
type EventBestBlock struct {
	Header types.Header
}

// EventFinalized reports that a block was finalized. Pruned lists the hashes
// of the abandoned branches removed from the fork tree, irrevocably.
type EventFinalized struct {
	Header types.Header
	Pruned []types.Hash
}

// EventWarpSyncFinished reports that warp sync proved the chain up to Target
// and downloaded its full state. The engine continues in optimistic sync
// from there.
type EventWarpSyncFinished struct {
	Target types.Header
}

// EventStateChunk carries a verified chunk of the warp sync target state for
// the caller to persist.
type EventStateChunk struct {
	Block  types.Hash
	Keys   [][]byte
	Values [][]byte
}

// EventSourcePenalized reports that a source was put in cooldown for
// misbehaving.
type EventSourcePenalized struct {
	Source SourceID
	Reason error
}

// EventFatal reports an unrecoverable strategy-level condition, such as
// source exhaustion or a finality conflict. The engine stops making progress
// until the caller intervenes.
type EventFatal struct {
	Err error
}
