package blocksync

import (
	"bytes"
	"fmt"
	"time"

	"github.com/forgenet/chainsync/types"
	"github.com/forgenet/chainsync/wire"
)

type warpPhase int

const (
	phaseFragments warpPhase = iota
	phaseState
	phaseComplete
)

func (p warpPhase) String() string {
	switch p {
	case phaseFragments:
		return "fragments"
	case phaseState:
		return "state"
	case phaseComplete:
		return "complete"
	default:
		return fmt.Sprintf("unknown phase %d", p)
	}
}

// warpSyncStrategy jumps from the finalized root to a recent finalized
// block by downloading and verifying chains of finality proof fragments,
// then the state of the target block. A fragment chain that fails mid-way
// keeps its verified prefix: the next download resumes from the last good
// checkpoint instead of the original root.
type warpSyncStrategy struct {
	strategyBase

	phase      warpPhase
	checkpoint types.Header
	target     types.Header

	// banned sources served an invalid fragment or proof chunk and are
	// never asked again within this strategy.
	banned map[SourceID]bool

	inflightID RequestID
	inflight   bool
	nextKey    []byte
	exhausted  bool
}

func newWarpSyncStrategy(base strategyBase, finalized types.Header) *warpSyncStrategy {
	return &warpSyncStrategy{
		strategyBase: base,
		checkpoint:   finalized,
		banned:       make(map[SourceID]bool),
	}
}

func (w *warpSyncStrategy) done() bool { return w.phase == phaseComplete }

// Target reports the finalized header warp sync landed on. Only valid once
// done.
func (w *warpSyncStrategy) Target() types.Header { return w.target }

func (w *warpSyncStrategy) desiredRequests(now time.Time) []DesiredRequest {
	if w.inflight || w.phase == phaseComplete || w.exhausted {
		return nil
	}
	kind := wire.KindWarpSyncFragments
	if w.phase == phaseState {
		kind = wire.KindStorageProof
	}
	src := w.pick(kind, now)
	if src == "" {
		return nil
	}
	var req wire.Request
	switch w.phase {
	case phaseFragments:
		req = wire.Request{
			Kind:      wire.KindWarpSyncFragments,
			StartHash: w.checkpoint.Hash(),
		}
	case phaseState:
		req = wire.Request{
			Kind:     wire.KindStorageProof,
			Block:    w.target.Hash(),
			StartKey: w.nextKey,
		}
	}
	return []DesiredRequest{{Source: src, Request: req}}
}

// pick selects a non-banned full source with spare capacity, weighted by
// claimed height.
func (w *warpSyncStrategy) pick(kind wire.Kind, now time.Time) SourceID {
	var cands []*source
	for _, s := range w.sources.ordered(now) {
		if w.banned[s.id] || !s.role.supports(kind) || s.inflight >= w.sources.maxInflight {
			continue
		}
		cands = append(cands, s)
	}
	picked := pickWeighted(cands)
	if picked == nil {
		return ""
	}
	return picked.id
}

// noCandidates reports whether no connected source could ever serve the
// request kind. Sources in cooldown still count as candidates: their
// penalty expires, a ban does not.
func (w *warpSyncStrategy) noCandidates(kind wire.Kind) bool {
	for _, s := range w.sources.sources {
		if !w.banned[s.id] && s.role.supports(kind) {
			return false
		}
	}
	return true
}

func (w *warpSyncStrategy) requestSent(id RequestID, src SourceID, req wire.Request) {
	w.inflight = true
	w.inflightID = id
}

func (w *warpSyncStrategy) injectResponse(pr pendingRequest, payload []byte, now time.Time) []Event {
	if pr.id != w.inflightID {
		return nil
	}
	w.inflight = false
	switch pr.req.Kind {
	case wire.KindWarpSyncFragments:
		return w.handleFragments(pr.source, payload, now)
	case wire.KindStorageProof:
		return w.handleProofChunk(pr.source, payload, now)
	default:
		return nil
	}
}

func (w *warpSyncStrategy) handleFragments(src SourceID, payload []byte, now time.Time) []Event {
	resp, err := wire.DecodeFragments(payload)
	if err != nil {
		return w.ban(src, ErrProtocolViolation{Source: src, Reason: err.Error()}, now)
	}
	if len(resp.Fragments) == 0 && !resp.Final {
		reason := "empty non-final fragment response"
		return w.ban(src, ErrProtocolViolation{Source: src, Reason: reason}, now)
	}

	// Verify fragments in order, advancing the checkpoint past each one.
	// An invalid fragment bans the source but keeps the verified prefix.
	for i, frag := range resp.Fragments {
		if err := w.verifier.VerifyFragment(w.checkpoint, frag); err != nil {
			w.logger.Info("invalid warp fragment", "source", src, "offset", i,
				"checkpoint", w.checkpoint.Number)
			return w.ban(src, ErrVerificationFailure{Source: src, Err: err}, now)
		}
		w.checkpoint = frag.Header
	}
	w.logger.Debug("warp fragments verified", "count", len(resp.Fragments),
		"checkpoint", w.checkpoint.Number, "final", resp.Final)

	if resp.Final {
		w.target = w.checkpoint
		w.phase = phaseState
	}
	return nil
}

func (w *warpSyncStrategy) handleProofChunk(src SourceID, payload []byte, now time.Time) []Event {
	chunk, err := wire.DecodeProofChunk(payload)
	if err != nil {
		return w.ban(src, ErrProtocolViolation{Source: src, Reason: err.Error()}, now)
	}
	if len(chunk.Keys) != len(chunk.Values) {
		reason := fmt.Sprintf("%d keys against %d values", len(chunk.Keys), len(chunk.Values))
		return w.ban(src, ErrProtocolViolation{Source: src, Reason: reason}, now)
	}
	if len(chunk.Keys) == 0 && !chunk.Complete {
		return w.ban(src, ErrProtocolViolation{Source: src, Reason: "empty non-final proof chunk"}, now)
	}
	prev := w.nextKey
	for i, key := range chunk.Keys {
		if bytes.Compare(key, prev) < 0 {
			reason := fmt.Sprintf("out of order storage key at offset %d", i)
			return w.ban(src, ErrProtocolViolation{Source: src, Reason: reason}, now)
		}
		prev = key
	}
	if err := w.verifier.VerifyProofChunk(w.target.StateRoot, chunk); err != nil {
		return w.ban(src, ErrVerificationFailure{Source: src, Err: err}, now)
	}

	var events []Event
	if len(chunk.Keys) > 0 {
		events = append(events, EventStateChunk{
			Block:  w.target.Hash(),
			Keys:   chunk.Keys,
			Values: chunk.Values,
		})
		last := chunk.Keys[len(chunk.Keys)-1]
		w.nextKey = append(append([]byte(nil), last...), 0x00)
	}
	if chunk.Complete {
		w.phase = phaseComplete
		w.logger.Info("warp sync complete", "height", w.target.Number, "hash", w.target.Hash())
	}
	return events
}

func (w *warpSyncStrategy) ban(src SourceID, reason error, now time.Time) []Event {
	w.banned[src] = true
	events := w.penalizeSource(src, reason, now)
	return append(events, w.checkExhausted()...)
}

func (w *warpSyncStrategy) currentKind() wire.Kind {
	if w.phase == phaseState {
		return wire.KindStorageProof
	}
	return wire.KindWarpSyncFragments
}

// checkExhausted reports a fatal stall when every source is banned or
// unable to serve the current phase.
func (w *warpSyncStrategy) checkExhausted() []Event {
	if w.exhausted || w.phase == phaseComplete || !w.noCandidates(w.currentKind()) {
		return nil
	}
	w.exhausted = true
	w.logger.Error("warp sync stalled", "phase", w.phase, "banned", len(w.banned))
	return []Event{EventFatal{Err: ErrSourceExhausted}}
}

// injectError retries with another source without banning: a timeout or
// disconnect is not evidence of misbehavior.
func (w *warpSyncStrategy) injectError(pr pendingRequest, cause error, now time.Time) []Event {
	if pr.id == w.inflightID {
		w.inflight = false
	}
	return nil
}

// sourceAdded clears exhaustion: a fresh source may unblock the download.
func (w *warpSyncStrategy) sourceAdded(id SourceID) {
	if !w.banned[id] {
		w.exhausted = false
	}
}

// sourceRemoved re-checks for a stall: losing the last viable candidate is
// as fatal as banning it.
func (w *warpSyncStrategy) sourceRemoved(id SourceID) []Event {
	return w.checkExhausted()
}
