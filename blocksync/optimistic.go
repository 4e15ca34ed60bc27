package blocksync

import (
	"fmt"
	"sort"
	"time"

	"github.com/forgenet/chainsync/forktree"
	"github.com/forgenet/chainsync/types"
	"github.com/forgenet/chainsync/wire"
)

// rangeStage tracks a block range through the optimistic pipeline.
type rangeStage int

const (
	rangeNew rangeStage = iota
	rangeHeadersPending
	rangeBodiesWanted
	rangeBodiesPending
	rangeReady
)

func (s rangeStage) String() string {
	switch s {
	case rangeNew:
		return "New"
	case rangeHeadersPending:
		return "HeadersPending"
	case rangeBodiesWanted:
		return "BodiesWanted"
	case rangeBodiesPending:
		return "BodiesPending"
	case rangeReady:
		return "Ready"
	default:
		return fmt.Sprintf("unknown rangeStage: %d", int(s))
	}
}

// optRange is one pipelined range of consecutive blocks.
type optRange struct {
	start        int64
	count        uint32
	stage        rangeStage
	source       SourceID // source of the in-flight or last answered request
	headerSource SourceID // source that supplied the accepted headers
	headers      []types.Header
	bodies       [][][]byte
	retries      int
}

// optimisticStrategy downloads and applies blocks assuming a single-path
// chain: consecutive ranges are pipelined across sources and applied in
// strictly increasing block-number order.
type optimisticStrategy struct {
	strategyBase
	tree *forktree.Tree

	// applyBase is the number of the next block to apply; tipHash is the
	// hash of the block at applyBase-1.
	applyBase int64
	tipHash   types.Hash

	ranges map[int64]*optRange // keyed by range start
	byReq  map[RequestID]int64

	failed bool
}

func newOptimisticStrategy(base strategyBase, tree *forktree.Tree) *optimisticStrategy {
	tip := tree.BestHeader()
	return &optimisticStrategy{
		strategyBase: base,
		tree:         tree,
		applyBase:    tip.Number + 1,
		tipHash:      tip.Hash(),
		ranges:       make(map[int64]*optRange),
		byReq:        make(map[RequestID]int64),
	}
}

func (o *optimisticStrategy) done() bool {
	return !o.failed &&
		len(o.ranges) == 0 &&
		o.sources.len() > 0 &&
		o.applyBase > o.sources.maxClaimed()
}

func (o *optimisticStrategy) desiredRequests(now time.Time) []DesiredRequest {
	if o.failed {
		return nil
	}
	target := o.sources.maxClaimed()
	spare := o.spareSnapshot(now)

	var out []DesiredRequest

	// Re-issue failed ranges and fetch bodies for received headers first.
	end := o.applyBase
	for _, start := range o.sortedStarts() {
		r := o.ranges[start]
		if e := start + int64(r.count); e > end {
			end = e
		}
		switch r.stage {
		case rangeNew:
			src := o.assign(spare, wire.KindBlockHeaders, start+int64(r.count)-1, r.source, now)
			if src == "" {
				continue
			}
			out = append(out, DesiredRequest{Source: src, Request: wire.Request{
				Kind:       wire.KindBlockHeaders,
				FromNumber: start,
				Count:      r.count,
			}})
		case rangeBodiesWanted:
			hashes := make([]types.Hash, len(r.headers))
			for i, h := range r.headers {
				hashes[i] = h.Hash()
			}
			src := o.assign(spare, wire.KindBlockBodies, start+int64(r.count)-1, "", now)
			if src == "" {
				continue
			}
			out = append(out, DesiredRequest{Source: src, Request: wire.Request{
				Kind:   wire.KindBlockBodies,
				Hashes: hashes,
			}})
		}
	}

	// Extend the pipeline window with fresh ranges.
	added := 0
	for start := end; len(o.ranges)+added < o.cfg.PipelineWindow && start <= target; {
		count := int64(o.cfg.HeadersPerRequest)
		if remaining := target - start + 1; remaining < count {
			count = remaining
		}
		src := o.assign(spare, wire.KindBlockHeaders, start+count-1, "", now)
		if src == "" {
			break
		}
		out = append(out, DesiredRequest{Source: src, Request: wire.Request{
			Kind:       wire.KindBlockHeaders,
			FromNumber: start,
			Count:      uint32(count),
		}})
		start += count
		added++
	}

	return out
}

func (o *optimisticStrategy) sortedStarts() []int64 {
	starts := make([]int64, 0, len(o.ranges))
	for start := range o.ranges {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts
}

// assign picks a source with spare capacity able to serve blocks up to
// maxNumber, preferring one different from exclude, and consumes one slot
// from the snapshot.
func (o *optimisticStrategy) assign(spare map[SourceID]int, kind wire.Kind, maxNumber int64, exclude SourceID, now time.Time) SourceID {
	var fallback SourceID
	for _, s := range o.sources.ordered(now) {
		if spare[s.id] <= 0 || !s.role.supports(kind) || s.claimedNumber < maxNumber {
			continue
		}
		if s.id == exclude {
			fallback = s.id
			continue
		}
		spare[s.id]--
		return s.id
	}
	if fallback != "" {
		spare[fallback]--
	}
	return fallback
}

func (o *optimisticStrategy) requestSent(id RequestID, src SourceID, req wire.Request) {
	switch req.Kind {
	case wire.KindBlockHeaders:
		r, ok := o.ranges[req.FromNumber]
		if !ok {
			r = &optRange{start: req.FromNumber, count: req.Count}
			o.ranges[req.FromNumber] = r
		}
		r.stage = rangeHeadersPending
		r.source = src
		o.byReq[id] = req.FromNumber
	case wire.KindBlockBodies:
		for start, r := range o.ranges {
			if r.stage == rangeBodiesWanted && len(r.headers) > 0 && r.headers[0].Hash() == req.Hashes[0] {
				r.stage = rangeBodiesPending
				r.source = src
				o.byReq[id] = start
				return
			}
		}
	}
}

func (o *optimisticStrategy) injectResponse(pr pendingRequest, payload []byte, now time.Time) []Event {
	start, ok := o.byReq[pr.id]
	if !ok {
		return nil
	}
	delete(o.byReq, pr.id)
	r, ok := o.ranges[start]
	if !ok {
		return nil
	}

	switch r.stage {
	case rangeHeadersPending:
		headers, err := wire.DecodeHeaders(payload)
		if err != nil {
			return o.reject(r, ErrProtocolViolation{Source: pr.source, Reason: err.Error()}, now)
		}
		if err := o.checkHeaders(r, headers); err != nil {
			return o.reject(r, err, now)
		}
		for _, h := range headers {
			if err := o.verifier.VerifyHeader(h); err != nil {
				return o.reject(r, ErrVerificationFailure{Source: pr.source, Err: err}, now)
			}
		}
		r.headers = headers
		r.headerSource = pr.source
		r.stage = rangeBodiesWanted
		return nil

	case rangeBodiesPending:
		bodies, err := wire.DecodeBodies(payload)
		if err != nil {
			return o.rejectBodies(r, ErrProtocolViolation{Source: pr.source, Reason: err.Error()}, now)
		}
		if len(bodies) != len(r.headers) {
			reason := fmt.Sprintf("got %d bodies for %d blocks", len(bodies), len(r.headers))
			return o.rejectBodies(r, ErrProtocolViolation{Source: pr.source, Reason: reason}, now)
		}
		for i, body := range bodies {
			block := types.Block{Header: r.headers[i], Body: body}
			if err := block.ValidateBasic(); err != nil {
				return o.rejectBodies(r, ErrProtocolViolation{Source: pr.source, Reason: err.Error()}, now)
			}
		}
		r.bodies = bodies
		r.stage = rangeReady
		return o.apply(now)
	}
	return nil
}

// checkHeaders validates the internal consistency of a header range
// response: exact count, strictly increasing numbers starting at the
// requested height, chained parent hashes, and at the pipeline boundary a
// parent hash matching the current tip.
func (o *optimisticStrategy) checkHeaders(r *optRange, headers []types.Header) error {
	if len(headers) != int(r.count) {
		return ErrProtocolViolation{Source: r.source,
			Reason: fmt.Sprintf("got %d headers, requested %d", len(headers), r.count)}
	}
	for i, h := range headers {
		if h.Number != r.start+int64(i) {
			return ErrProtocolViolation{Source: r.source,
				Reason: fmt.Sprintf("block number %d out of range at offset %d", h.Number, i)}
		}
		if i > 0 && h.ParentHash != headers[i-1].Hash() {
			return ErrProtocolViolation{Source: r.source,
				Reason: fmt.Sprintf("broken parent hash chain at height %d", h.Number)}
		}
	}
	if r.start == o.applyBase && headers[0].ParentHash != o.tipHash {
		return ErrProtocolViolation{Source: r.source,
			Reason: fmt.Sprintf("mismatched parent hash at height %d", r.start)}
	}
	return nil
}

// reject penalizes the source of a bad header response and requeues the
// whole range for a different source.
func (o *optimisticStrategy) reject(r *optRange, reason error, now time.Time) []Event {
	events := o.penalizeSource(r.source, reason, now)
	return append(events, o.requeue(r, rangeNew)...)
}

// rejectBodies penalizes the source of a bad bodies response. The verified
// headers are kept; only the bodies are refetched.
func (o *optimisticStrategy) rejectBodies(r *optRange, reason error, now time.Time) []Event {
	events := o.penalizeSource(r.source, reason, now)
	return append(events, o.requeue(r, rangeBodiesWanted)...)
}

func (o *optimisticStrategy) requeue(r *optRange, stage rangeStage) []Event {
	r.retries++
	if r.retries > o.cfg.RetryBudget {
		o.failed = true
		o.logger.Error("optimistic sync desynchronized", "start", r.start, "retries", r.retries)
		return []Event{EventFatal{Err: fmt.Errorf("range starting at %d: %w", r.start, ErrSourceExhausted)}}
	}
	r.stage = stage
	r.bodies = nil
	if stage == rangeNew {
		r.headers = nil
	}
	return nil
}

// apply walks the ready ranges in order, appending their blocks to the tree.
func (o *optimisticStrategy) apply(now time.Time) []Event {
	var events []Event
	for {
		r, ok := o.ranges[o.applyBase]
		if !ok || r.stage != rangeReady {
			return events
		}
		if r.headers[0].ParentHash != o.tipHash {
			// The range was fetched before its predecessor was applied and
			// does not connect to it.
			r.source = r.headerSource
			events = append(events, o.reject(r, ErrProtocolViolation{Source: r.headerSource,
				Reason: fmt.Sprintf("mismatched parent hash at height %d", r.start)}, now)...)
			return events
		}
		for _, h := range r.headers {
			if _, err := o.tree.Insert(h); err != nil && err != forktree.ErrDuplicateBlock {
				// Cannot happen for a range that passed checkHeaders.
				r.source = r.headerSource
				events = append(events, o.reject(r, ErrVerificationFailure{Source: r.headerSource, Err: err}, now)...)
				return events
			}
		}
		tip := r.headers[len(r.headers)-1]
		delete(o.ranges, o.applyBase)
		o.applyBase = tip.Number + 1
		o.tipHash = tip.Hash()
		o.metrics.BestHeight.Set(float64(tip.Number))
		events = append(events, EventBestBlock{Header: tip})
	}
}

func (o *optimisticStrategy) injectError(pr pendingRequest, cause error, now time.Time) []Event {
	start, ok := o.byReq[pr.id]
	if !ok {
		return nil
	}
	delete(o.byReq, pr.id)
	r, ok := o.ranges[start]
	if !ok {
		return nil
	}
	o.logger.Debug("optimistic request failed", "start", start, "source", pr.source, "err", cause)
	switch r.stage {
	case rangeHeadersPending:
		return o.requeue(r, rangeNew)
	case rangeBodiesPending:
		return o.requeue(r, rangeBodiesWanted)
	}
	return nil
}
