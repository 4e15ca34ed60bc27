package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	dbm "github.com/tendermint/tm-db"

	"github.com/forgenet/chainsync/blocksync"
	"github.com/forgenet/chainsync/types"
	"github.com/forgenet/chainsync/wire"
)

/*
FinalizedStore is a simple low level store for the finalized chain.

It keeps finalized headers indexed by height and by hash, plus the latest
justification. The store can be assumed to contain all contiguous headers
between base and height (inclusive); only finalized data ever lands here,
so nothing is ever rewritten, only pruned from the bottom.

NOTE: FinalizedStore methods panic if they encounter errors deserializing
loaded data, indicating probable corruption on disk.
*/
type FinalizedStore struct {
	db dbm.DB

	mtx    sync.RWMutex
	base   int64
	height int64
	// empty distinguishes a fresh store from one holding only height 0.
	empty bool
}

// NewFinalizedStore returns a store backed by the given DB, initialized to
// the watermarks last committed to it.
func NewFinalizedStore(db dbm.DB) *FinalizedStore {
	state, found := LoadStoreState(db)
	return &FinalizedStore{
		db:     db,
		base:   state.Base,
		height: state.Height,
		empty:  !found,
	}
}

// Base returns the first known contiguous height, or 0 for an empty store.
func (fs *FinalizedStore) Base() int64 {
	fs.mtx.RLock()
	defer fs.mtx.RUnlock()
	return fs.base
}

// Height returns the last known contiguous height, or 0 for an empty store.
func (fs *FinalizedStore) Height() int64 {
	fs.mtx.RLock()
	defer fs.mtx.RUnlock()
	return fs.height
}

// Size returns the number of headers in the store.
func (fs *FinalizedStore) Size() int64 {
	fs.mtx.RLock()
	defer fs.mtx.RUnlock()
	if fs.empty {
		return 0
	}
	return fs.height - fs.base + 1
}

// LoadHeader returns the finalized header at the given height, or nil when
// the store has none.
func (fs *FinalizedStore) LoadHeader(height int64) *types.Header {
	bz, err := fs.db.Get(calcHeaderKey(height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	headers, err := wire.DecodeHeaders(bz)
	if err != nil {
		panic(errors.Wrap(err, "corrupt header in store"))
	}
	if len(headers) != 1 {
		panic(fmt.Sprintf("expected one header at height %d, got %d", height, len(headers)))
	}
	return &headers[0]
}

// LoadHeaderByHash returns the finalized header with the given hash, or nil
// when the store has none.
func (fs *FinalizedStore) LoadHeaderByHash(hash types.Hash) *types.Header {
	bz, err := fs.db.Get(calcHashKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	height, err := strconv.ParseInt(string(bz), 10, 64)
	if err != nil {
		panic(errors.Wrap(err, "corrupt hash index in store"))
	}
	header := fs.LoadHeader(height)
	if header == nil || header.Hash() != hash {
		return nil
	}
	return header
}

// LoadJustification returns the stored justification for the given height,
// or nil when there is none. Not every finalized header carries one.
func (fs *FinalizedStore) LoadJustification(height int64) *types.Justification {
	bz, err := fs.db.Get(calcJustificationKey(height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	j, err := wire.DecodeJustification(bz)
	if err != nil {
		panic(errors.Wrap(err, "corrupt justification in store"))
	}
	return &j
}

// SaveHeader persists a finalized header. Heights must arrive contiguously
// above the current watermark; the first save seeds the base.
func (fs *FinalizedStore) SaveHeader(header types.Header, just *types.Justification) error {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()

	height := header.Number
	if !fs.empty && height != fs.height+1 {
		return fmt.Errorf("save header at height %d, expected %d", height, fs.height+1)
	}

	batch := fs.db.NewBatch()
	defer batch.Close()

	bz := wire.EncodeHeaders([]types.Header{header})
	if err := batch.Set(calcHeaderKey(height), bz); err != nil {
		return err
	}
	if err := batch.Set(calcHashKey(header.Hash()), []byte(strconv.FormatInt(height, 10))); err != nil {
		return err
	}
	if just != nil {
		jz := wire.EncodeJustification(*just)
		if err := batch.Set(calcJustificationKey(height), jz); err != nil {
			return err
		}
	}

	fs.height = height
	if fs.empty {
		fs.base = height
		fs.empty = false
	}
	if err := saveState(batch, StoreState{Base: fs.base, Height: fs.height}); err != nil {
		return err
	}
	return batch.WriteSync()
}

// PruneHeaders removes headers below the given height, returning the number
// pruned. Justifications go with their headers.
func (fs *FinalizedStore) PruneHeaders(height int64) (uint64, error) {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()

	if height <= 0 {
		return 0, fmt.Errorf("height must be greater than 0")
	}
	if height > fs.height {
		return 0, fmt.Errorf("cannot prune beyond the latest height %v", fs.height)
	}
	if height < fs.base {
		return 0, nil
	}

	pruned := uint64(0)
	batch := fs.db.NewBatch()
	defer batch.Close()

	for h := fs.base; h < height; h++ {
		if header := fs.loadHeaderUnlocked(h); header != nil {
			if err := batch.Delete(calcHashKey(header.Hash())); err != nil {
				return 0, err
			}
		}
		if err := batch.Delete(calcHeaderKey(h)); err != nil {
			return 0, err
		}
		if err := batch.Delete(calcJustificationKey(h)); err != nil {
			return 0, err
		}
		pruned++
	}

	fs.base = height
	if err := saveState(batch, StoreState{Base: fs.base, Height: fs.height}); err != nil {
		return 0, err
	}
	return pruned, batch.WriteSync()
}

func (fs *FinalizedStore) loadHeaderUnlocked(height int64) *types.Header {
	bz, err := fs.db.Get(calcHeaderKey(height))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	headers, err := wire.DecodeHeaders(bz)
	if err != nil || len(headers) != 1 {
		panic(errors.Wrap(err, "corrupt header in store"))
	}
	return &headers[0]
}

// ApplyEvents consumes a batch of sync events, persisting every finalized
// header. Other event kinds are ignored.
func (fs *FinalizedStore) ApplyEvents(events []blocksync.Event) error {
	for _, ev := range events {
		switch e := ev.(type) {
		case blocksync.EventFinalized:
			if err := fs.SaveHeader(e.Header, nil); err != nil {
				return errors.Wrapf(err, "persist finalized header %d", e.Header.Number)
			}
		case blocksync.EventWarpSyncFinished:
			// The warped-to header arrives through the next finality
			// event; nothing to persist here.
		}
	}
	return nil
}

//---------------------------------- KEY ENCODING -----------------------------

func calcHeaderKey(height int64) []byte {
	return []byte(fmt.Sprintf("FH:%v", height))
}

func calcHashKey(hash types.Hash) []byte {
	return []byte(fmt.Sprintf("FX:%x", hash.Bytes()))
}

func calcJustificationKey(height int64) []byte {
	return []byte(fmt.Sprintf("FJ:%v", height))
}

//----------------------------------- STORE STATE ----------------------------

var stateKey = []byte("finalizedStore")

// StoreState describes the contiguous range of heights the store holds.
type StoreState struct {
	Base   int64 `json:"base"`
	Height int64 `json:"height"`
}

func saveState(batch dbm.Batch, state StoreState) error {
	bz, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encode store state")
	}
	return batch.Set(stateKey, bz)
}

// LoadStoreState returns the persisted watermarks and whether any were ever
// committed. A fresh DB reports false.
func LoadStoreState(db dbm.DB) (StoreState, bool) {
	bz, err := db.Get(stateKey)
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return StoreState{}, false
	}
	var state StoreState
	if err := json.Unmarshal(bz, &state); err != nil {
		panic(errors.Wrap(err, "corrupt store state"))
	}
	return state, true
}
