package blocksync

import (
	"fmt"
	"sort"
	"time"

	"github.com/forgenet/chainsync/forktree"
	"github.com/forgenet/chainsync/types"
	"github.com/forgenet/chainsync/wire"
)

// blockKey identifies a block in the pending index.
type blockKey struct {
	number int64
	hash   types.Hash
}

func (k blockKey) String() string {
	return fmt.Sprintf("#%d %v", k.number, k.hash)
}

// pendingBlock is an announced block absent from the tree, waiting for an
// ancestry search to splice its branch in. At most one request per pending
// block is in flight; every announcer is a waiter for the result.
type pendingBlock struct {
	key        blockKey
	announcers map[SourceID]bool
	inflight   bool
	retries    int

	// segment caches fetched headers, descending from the pending block,
	// whose deepest ancestor is still unknown. It is spliced once a deeper
	// search connects the branch to the tree.
	segment []types.Header
}

// pendingJustification is an announced finality proof not yet fetched.
type pendingJustification struct {
	key        blockKey
	announcers map[SourceID]bool
	inflight   bool
	retries    int
}

// allForksStrategy tracks every announced fork near the chain head,
// splicing competing branches into the fork tree and driving finality.
type allForksStrategy struct {
	strategyBase
	tree *forktree.Tree

	pendingBlocks map[blockKey]*pendingBlock
	pendingJust   map[types.Hash]*pendingJustification
	byReq         map[RequestID]blockKey
	justByReq     map[RequestID]types.Hash

	bestHash types.Hash
	halted   bool
}

func newAllForksStrategy(base strategyBase, tree *forktree.Tree) *allForksStrategy {
	return &allForksStrategy{
		strategyBase:  base,
		tree:          tree,
		pendingBlocks: make(map[blockKey]*pendingBlock),
		pendingJust:   make(map[types.Hash]*pendingJustification),
		byReq:         make(map[RequestID]blockKey),
		justByReq:     make(map[RequestID]types.Hash),
		bestHash:      tree.BestHeader().Hash(),
	}
}

// done is always false: all-forks is the terminal strategy.
func (a *allForksStrategy) done() bool { return false }

// onAnnounce records a block announcement. A block already in the tree, or
// directly attachable to it, needs no ancestry search.
func (a *allForksStrategy) onAnnounce(src SourceID, header types.Header, now time.Time) []Event {
	if a.halted {
		return nil
	}
	hash := header.Hash()
	if a.tree.Has(hash) || header.Number <= a.tree.Root().Number {
		return nil
	}
	key := blockKey{number: header.Number, hash: hash}
	if pb, ok := a.pendingBlocks[key]; ok {
		pb.announcers[src] = true
		return nil
	}
	if a.tree.Has(header.ParentHash) {
		if err := a.verifier.VerifyHeader(header); err != nil {
			return a.penalizeSource(src, ErrVerificationFailure{Source: src, Err: err}, now)
		}
		if _, err := a.tree.Insert(header); err != nil {
			return a.penalizeSource(src, ErrProtocolViolation{Source: src, Reason: err.Error()}, now)
		}
		return a.bestChanged()
	}
	a.pendingBlocks[key] = &pendingBlock{
		key:        key,
		announcers: map[SourceID]bool{src: true},
	}
	return nil
}

// onFinalityAnnounce records that a source claims the given block is
// finalized, queueing a justification fetch.
func (a *allForksStrategy) onFinalityAnnounce(src SourceID, number int64, hash types.Hash) []Event {
	root := a.tree.Root()
	if a.halted || number < root.Number {
		return nil
	}
	// An equal-height announcement for the root itself is old news; for a
	// different hash it must be fetched, because a valid proof there is a
	// finality conflict.
	if number == root.Number && hash == root.Hash() {
		return nil
	}
	if pj, ok := a.pendingJust[hash]; ok {
		pj.announcers[src] = true
		return nil
	}
	a.pendingJust[hash] = &pendingJustification{
		key:        blockKey{number: number, hash: hash},
		announcers: map[SourceID]bool{src: true},
	}
	return nil
}

func (a *allForksStrategy) desiredRequests(now time.Time) []DesiredRequest {
	if a.halted {
		return nil
	}
	spare := a.spareSnapshot(now)
	var out []DesiredRequest

	for _, pb := range a.sortedPending() {
		if pb.inflight || pb.segment != nil {
			continue
		}
		src := a.pickFor(pb.announcers, wire.KindBlockHeaders, spare, now)
		if src == "" {
			continue
		}
		count := a.cfg.AncestrySearchBatch
		if int64(count) > pb.key.number {
			count = int(pb.key.number)
		}
		out = append(out, DesiredRequest{Source: src, Request: wire.Request{
			Kind:       wire.KindBlockHeaders,
			FromHash:   pb.key.hash,
			Count:      uint32(count),
			Descending: true,
		}})
	}

	for _, pj := range a.sortedJust() {
		if pj.inflight {
			continue
		}
		src := a.pickFor(pj.announcers, wire.KindJustification, spare, now)
		if src == "" {
			continue
		}
		out = append(out, DesiredRequest{Source: src, Request: wire.Request{
			Kind:   wire.KindJustification,
			Target: pj.key.hash,
		}})
	}

	return out
}

func (a *allForksStrategy) sortedPending() []*pendingBlock {
	out := make([]*pendingBlock, 0, len(a.pendingBlocks))
	for _, pb := range a.pendingBlocks {
		out = append(out, pb)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].key.number != out[j].key.number {
			return out[i].key.number < out[j].key.number
		}
		return out[i].key.hash.Less(out[j].key.hash)
	})
	return out
}

func (a *allForksStrategy) sortedJust() []*pendingJustification {
	out := make([]*pendingJustification, 0, len(a.pendingJust))
	for _, pj := range a.pendingJust {
		out = append(out, pj)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].key.number != out[j].key.number {
			return out[i].key.number < out[j].key.number
		}
		return out[i].key.hash.Less(out[j].key.hash)
	})
	return out
}

// pickFor picks a source for a request, preferring the announcers of the
// block, weighted by claimed height, and consumes a capacity slot.
func (a *allForksStrategy) pickFor(announcers map[SourceID]bool, kind wire.Kind, spare map[SourceID]int, now time.Time) SourceID {
	var preferred, others []*source
	for _, s := range a.sources.ordered(now) {
		if spare[s.id] <= 0 || !s.role.supports(kind) {
			continue
		}
		if announcers[s.id] {
			preferred = append(preferred, s)
		} else {
			others = append(others, s)
		}
	}
	cands := preferred
	if len(cands) == 0 {
		cands = others
	}
	picked := pickWeighted(cands)
	if picked == nil {
		return ""
	}
	spare[picked.id]--
	return picked.id
}

func (a *allForksStrategy) requestSent(id RequestID, src SourceID, req wire.Request) {
	switch req.Kind {
	case wire.KindBlockHeaders:
		for key, pb := range a.pendingBlocks {
			if key.hash == req.FromHash {
				pb.inflight = true
				a.byReq[id] = key
				return
			}
		}
	case wire.KindJustification:
		if pj, ok := a.pendingJust[req.Target]; ok {
			pj.inflight = true
			a.justByReq[id] = req.Target
		}
	}
}

func (a *allForksStrategy) injectResponse(pr pendingRequest, payload []byte, now time.Time) []Event {
	if key, ok := a.byReq[pr.id]; ok {
		delete(a.byReq, pr.id)
		return a.handleAncestry(key, pr.source, payload, now)
	}
	if hash, ok := a.justByReq[pr.id]; ok {
		delete(a.justByReq, pr.id)
		return a.handleJustification(hash, pr.source, payload, now)
	}
	return nil
}

func (a *allForksStrategy) handleAncestry(key blockKey, src SourceID, payload []byte, now time.Time) []Event {
	pb, ok := a.pendingBlocks[key]
	if !ok {
		return nil
	}
	pb.inflight = false

	headers, err := wire.DecodeHeaders(payload)
	if err != nil {
		return a.rejectAncestry(pb, ErrProtocolViolation{Source: src, Reason: err.Error()}, now)
	}
	if err := checkDescending(key, headers); err != nil {
		return a.rejectAncestry(pb, ErrProtocolViolation{Source: src, Reason: err.Error()}, now)
	}
	for _, h := range headers {
		if err := a.verifier.VerifyHeader(h); err != nil {
			return a.rejectAncestry(pb, ErrVerificationFailure{Source: src, Err: err}, now)
		}
	}

	pb.segment = headers
	events := a.spliceAll(src, now)
	deepest := headers[len(headers)-1]
	if _, stillPending := a.pendingBlocks[key]; stillPending && pb.segment != nil && !a.tree.Has(deepest.ParentHash) {
		// The batch did not reach a known ancestor; search deeper.
		if !a.addPendingAncestor(deepest, pb.announcers) {
			// The branch bottoms out at the finalized height without
			// attaching: it forks off pruned history and can never splice.
			a.dropPending(key)
		}
	}
	return events
}

// checkDescending validates a descending ancestry response: it must start at
// the requested block and walk parent links with numbers decreasing by one.
func checkDescending(key blockKey, headers []types.Header) error {
	if len(headers) == 0 {
		return fmt.Errorf("empty ancestry response")
	}
	if headers[0].Hash() != key.hash {
		return fmt.Errorf("ancestry response starts at %v, requested %v", headers[0].Hash(), key.hash)
	}
	for i, h := range headers {
		if h.Number != key.number-int64(i) {
			return fmt.Errorf("non-sequential number %d at offset %d", h.Number, i)
		}
		if i > 0 && headers[i-1].ParentHash != h.Hash() {
			return fmt.Errorf("broken parent link at height %d", h.Number)
		}
	}
	return nil
}

// addPendingAncestor queues a deeper ancestry search for the parent of the
// deepest fetched header, deduplicated against existing entries. It reports
// false when the parent sits at or below the finalized root and so can
// never be queued.
func (a *allForksStrategy) addPendingAncestor(deepest types.Header, announcers map[SourceID]bool) bool {
	if deepest.Number-1 <= a.tree.Root().Number {
		return false
	}
	key := blockKey{number: deepest.Number - 1, hash: deepest.ParentHash}
	if pb, ok := a.pendingBlocks[key]; ok {
		for src := range announcers {
			pb.announcers[src] = true
		}
		return true
	}
	anns := make(map[SourceID]bool, len(announcers))
	for src := range announcers {
		anns[src] = true
	}
	a.pendingBlocks[key] = &pendingBlock{key: key, announcers: anns}
	return true
}

// dropPending removes a pending entry together with every cached segment
// that was waiting for it to attach. A dependent segment can only connect
// through the dropped branch, so it goes too; a fresh announcement starts a
// clean search instead of deduplicating into a stuck entry.
func (a *allForksStrategy) dropPending(key blockKey) {
	delete(a.pendingBlocks, key)
	dropped := map[types.Hash]bool{key.hash: true}
	for progress := true; progress; {
		progress = false
		for k, pb := range a.pendingBlocks {
			if pb.segment == nil {
				continue
			}
			deepest := pb.segment[len(pb.segment)-1]
			if dropped[deepest.ParentHash] {
				delete(a.pendingBlocks, k)
				dropped[k.hash] = true
				progress = true
			}
		}
	}
}

// spliceAll inserts every cached segment that now connects to the tree,
// repeating until no further progress is made.
func (a *allForksStrategy) spliceAll(src SourceID, now time.Time) []Event {
	var events []Event
	for progress := true; progress; {
		progress = false
		for key, pb := range a.pendingBlocks {
			if pb.segment == nil {
				continue
			}
			spliced, evs := a.spliceSegment(pb, src, now)
			events = append(events, evs...)
			if spliced {
				delete(a.pendingBlocks, key)
				progress = true
			}
		}
	}
	events = append(events, a.bestChanged()...)
	return events
}

// spliceSegment inserts a cached descending segment bottom-up. It reports
// whether the segment was fully resolved (spliced or abandoned).
func (a *allForksStrategy) spliceSegment(pb *pendingBlock, src SourceID, now time.Time) (bool, []Event) {
	seg := pb.segment
	for i := len(seg) - 1; i >= 0; i-- {
		h := seg[i]
		_, err := a.tree.Insert(h)
		switch {
		case err == nil, err == forktree.ErrDuplicateBlock:
			continue
		case isMissingParent(err):
			if i == len(seg)-1 {
				// Deepest header still unattached; wait for a deeper search.
				return false, nil
			}
			// A broken interior link would have failed checkDescending.
			return false, nil
		default:
			// Equivocating or otherwise invalid block; drop the branch
			// without touching accepted ancestors.
			events := a.penalizeSource(src, ErrProtocolViolation{Source: src, Reason: err.Error()}, now)
			return true, events
		}
	}
	return true, nil
}

func isMissingParent(err error) bool {
	_, ok := err.(forktree.ErrMissingParent)
	return ok
}

func (a *allForksStrategy) handleJustification(hash types.Hash, src SourceID, payload []byte, now time.Time) []Event {
	pj, ok := a.pendingJust[hash]
	if !ok {
		return nil
	}
	pj.inflight = false

	j, err := wire.DecodeJustification(payload)
	if err != nil {
		return a.rejectJustification(pj, ErrProtocolViolation{Source: src, Reason: err.Error()}, now)
	}
	if j.TargetHash != hash {
		reason := fmt.Sprintf("justification for %v, requested %v", j.TargetHash, hash)
		return a.rejectJustification(pj, ErrProtocolViolation{Source: src, Reason: reason}, now)
	}
	if err := a.verifier.VerifyJustification(j); err != nil {
		return a.rejectJustification(pj, ErrVerificationFailure{Source: src, Err: err}, now)
	}

	root := a.tree.Root()
	idx, ok := a.tree.IndexOf(j.TargetHash)
	if !ok {
		if j.TargetNumber == root.Number && j.TargetHash != root.Hash() {
			// A valid proof finalizing a block our finalized state
			// contradicts. Halt loudly.
			a.halted = true
			return []Event{EventFatal{Err: ErrFinalityConflict{
				Finalized:   root.Hash(),
				Conflicting: j.TargetHash,
			}}}
		}
		// Either long-finalized history or a block we have not fetched
		// yet. Drop the entry; a future announcement retriggers it.
		delete(a.pendingJust, hash)
		return nil
	}

	header, _ := a.tree.Header(idx)
	pruned, err := a.tree.Finalize(idx)
	if err != nil {
		a.halted = true
		return []Event{EventFatal{Err: ErrFinalityConflict{
			Finalized:   root.Hash(),
			Conflicting: j.TargetHash,
		}}}
	}
	delete(a.pendingJust, hash)
	a.dropStale()
	a.metrics.FinalizedHeight.Set(float64(header.Number))
	a.logger.Info("finalized block", "height", header.Number, "hash", header.Hash(), "pruned", len(pruned))

	events := []Event{EventFinalized{Header: header, Pruned: pruned}}
	return append(events, a.bestChanged()...)
}

// dropStale removes pending entries at or below the finalized root.
func (a *allForksStrategy) dropStale() {
	rootNumber := a.tree.Root().Number
	for key := range a.pendingBlocks {
		if key.number <= rootNumber {
			a.dropPending(key)
		}
	}
	// Equal-height entries for a different hash survive: a valid proof
	// there would be a finality conflict worth surfacing.
	for hash, pj := range a.pendingJust {
		if pj.key.number < rootNumber || hash == a.tree.Root().Hash() {
			delete(a.pendingJust, hash)
		}
	}
}

func (a *allForksStrategy) rejectAncestry(pb *pendingBlock, reason error, now time.Time) []Event {
	var src SourceID
	switch e := reason.(type) {
	case ErrProtocolViolation:
		src = e.Source
	case ErrVerificationFailure:
		src = e.Source
	}
	events := a.penalizeSource(src, reason, now)
	pb.retries++
	if pb.retries > a.cfg.RetryBudget {
		a.logger.Info("abandoning pending block", "key", pb.key, "retries", pb.retries)
		a.dropPending(pb.key)
	}
	return events
}

func (a *allForksStrategy) rejectJustification(pj *pendingJustification, reason error, now time.Time) []Event {
	var src SourceID
	switch e := reason.(type) {
	case ErrProtocolViolation:
		src = e.Source
	case ErrVerificationFailure:
		src = e.Source
	}
	events := a.penalizeSource(src, reason, now)
	pj.retries++
	if pj.retries > a.cfg.RetryBudget {
		a.logger.Info("abandoning justification", "key", pj.key, "retries", pj.retries)
		delete(a.pendingJust, pj.key.hash)
	}
	return events
}

// bestChanged emits a best-block event only when the best tip actually
// changed.
func (a *allForksStrategy) bestChanged() []Event {
	tip := a.tree.BestHeader()
	hash := tip.Hash()
	if hash == a.bestHash {
		return nil
	}
	a.bestHash = hash
	a.metrics.BestHeight.Set(float64(tip.Number))
	return []Event{EventBestBlock{Header: tip}}
}

func (a *allForksStrategy) injectError(pr pendingRequest, cause error, now time.Time) []Event {
	a.logger.Debug("request failed", "id", pr.id, "source", pr.source, "err", cause)
	if key, ok := a.byReq[pr.id]; ok {
		delete(a.byReq, pr.id)
		if pb, ok := a.pendingBlocks[key]; ok {
			pb.inflight = false
			pb.retries++
			if pb.retries > a.cfg.RetryBudget {
				a.dropPending(key)
			}
		}
	}
	if hash, ok := a.justByReq[pr.id]; ok {
		delete(a.justByReq, pr.id)
		if pj, ok := a.pendingJust[hash]; ok {
			pj.inflight = false
			pj.retries++
			if pj.retries > a.cfg.RetryBudget {
				delete(a.pendingJust, hash)
			}
		}
	}
	return nil
}

func (a *allForksStrategy) sourceRemoved(id SourceID) []Event {
	for _, pb := range a.pendingBlocks {
		delete(pb.announcers, id)
	}
	for _, pj := range a.pendingJust {
		delete(pj.announcers, id)
	}
	return nil
}
