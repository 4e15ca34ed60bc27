package blocksync

import (
	"sort"
	"time"

	"github.com/mroth/weightedrand"

	"github.com/forgenet/chainsync/types"
	"github.com/forgenet/chainsync/wire"
)

// SourceID identifies a connected peer able to answer block-data requests.
type SourceID string

// SourceRole restricts the request kinds a source can legally serve.
type SourceRole byte

const (
	// RoleFull sources serve every request kind.
	RoleFull SourceRole = iota
	// RoleLight sources serve headers and justifications only.
	RoleLight
)

func (r SourceRole) String() string {
	switch r {
	case RoleFull:
		return "full"
	case RoleLight:
		return "light"
	default:
		return "invalid"
	}
}

// supports reports whether the role may serve the given request kind.
func (r SourceRole) supports(kind wire.Kind) bool {
	if r == RoleFull {
		return true
	}
	switch kind {
	case wire.KindBlockHeaders, wire.KindJustification:
		return true
	default:
		return false
	}
}

// source is the registry's view of one peer. The claimed best block is a
// hint from the peer and is never trusted without independent verification.
type source struct {
	id            SourceID
	role          SourceRole
	claimedNumber int64
	claimedHash   types.Hash
	inflight      int
	cooldownUntil time.Time
	strikes       int
}

// sourceSet tracks connected sources and their request slots.
type sourceSet struct {
	maxInflight int
	sources     map[SourceID]*source
}

func newSourceSet(maxInflight int) *sourceSet {
	return &sourceSet{
		maxInflight: maxInflight,
		sources:     make(map[SourceID]*source),
	}
}

func (ss *sourceSet) add(id SourceID, role SourceRole, number int64, hash types.Hash) error {
	if _, ok := ss.sources[id]; ok {
		return ErrDuplicateSource
	}
	ss.sources[id] = &source{
		id:            id,
		role:          role,
		claimedNumber: number,
		claimedHash:   hash,
	}
	return nil
}

func (ss *sourceSet) remove(id SourceID) error {
	if _, ok := ss.sources[id]; !ok {
		return ErrUnknownSource
	}
	delete(ss.sources, id)
	return nil
}

func (ss *sourceSet) get(id SourceID) (*source, bool) {
	s, ok := ss.sources[id]
	return s, ok
}

func (ss *sourceSet) len() int {
	return len(ss.sources)
}

// setClaimedBest records the source's announced best block. Peers only ever
// announce forward; a lower number than before is kept as-is.
func (ss *sourceSet) setClaimedBest(id SourceID, number int64, hash types.Hash) error {
	s, ok := ss.sources[id]
	if !ok {
		return ErrUnknownSource
	}
	if number >= s.claimedNumber {
		s.claimedNumber = number
		s.claimedHash = hash
	}
	return nil
}

// acquire takes one request slot on the source.
func (ss *sourceSet) acquire(id SourceID) error {
	s, ok := ss.sources[id]
	if !ok {
		return ErrUnknownSource
	}
	if s.inflight >= ss.maxInflight {
		return ErrNoSpareCapacity
	}
	s.inflight++
	return nil
}

// release frees one request slot on the source. Releasing a removed source
// is a no-op: disconnection already freed its slots.
func (ss *sourceSet) release(id SourceID) {
	s, ok := ss.sources[id]
	if !ok {
		return
	}
	if s.inflight > 0 {
		s.inflight--
	}
}

// penalize puts the source in cooldown.
func (ss *sourceSet) penalize(id SourceID, d time.Duration, now time.Time) error {
	s, ok := ss.sources[id]
	if !ok {
		return ErrUnknownSource
	}
	s.strikes++
	s.cooldownUntil = now.Add(d)
	return nil
}

func (ss *sourceSet) usable(s *source, now time.Time) bool {
	return !s.cooldownUntil.After(now)
}

// ordered returns the usable sources ordered by usefulness: fewest
// outstanding requests first, then highest claimed block, then id for
// determinism.
func (ss *sourceSet) ordered(now time.Time) []*source {
	out := make([]*source, 0, len(ss.sources))
	for _, s := range ss.sources {
		if ss.usable(s, now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.inflight != b.inflight {
			return a.inflight < b.inflight
		}
		if a.claimedNumber != b.claimedNumber {
			return a.claimedNumber > b.claimedNumber
		}
		return a.id < b.id
	})
	return out
}

// maxClaimed returns the highest best block number any source claims, or -1
// with no sources.
func (ss *sourceSet) maxClaimed() int64 {
	max := int64(-1)
	for _, s := range ss.sources {
		if s.claimedNumber > max {
			max = s.claimedNumber
		}
	}
	return max
}

// pickWeighted picks one of the candidates at random, weighted by claimed
// height, so request spread favors sources that can serve deeper data. Used
// where the strategy wants spread rather than the strict usefulness order.
func pickWeighted(cands []*source) *source {
	if len(cands) == 0 {
		return nil
	}
	if len(cands) == 1 {
		return cands[0]
	}
	choices := make([]weightedrand.Choice, len(cands))
	for i, s := range cands {
		w := uint(1)
		if s.claimedNumber > 0 {
			w += uint(s.claimedNumber)
		}
		choices[i] = weightedrand.Choice{Item: s, Weight: w}
	}
	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return cands[0]
	}
	return chooser.Pick().(*source)
}
