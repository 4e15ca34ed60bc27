package blocksync

import (
	"time"

	"github.com/forgenet/chainsync/libs/log"
	"github.com/forgenet/chainsync/wire"
)

// RequestID correlates an issued request with its response.
type RequestID uint64

// DesiredRequest is a request the engine wants the caller to perform against
// a source.
type DesiredRequest struct {
	Source  SourceID
	Request wire.Request
}

// pendingRequest is the resume context for an in-flight request. It is
// removed on response, error injection, or source disconnection.
type pendingRequest struct {
	id     RequestID
	source SourceID
	req    wire.Request
	mode   Mode
	issued time.Time
}

// strategy is the capability interface shared by the three sync strategies.
// The engine owns exactly one active strategy at a time.
type strategy interface {
	// desiredRequests enumerates the requests the strategy wants issued,
	// bounded by per-source capacity. It has no side effects and may be
	// called repeatedly.
	desiredRequests(now time.Time) []DesiredRequest

	// requestSent records that the caller committed to one of the desired
	// requests.
	requestSent(id RequestID, src SourceID, req wire.Request)

	// injectResponse feeds a response payload back into the strategy.
	injectResponse(pr pendingRequest, payload []byte, now time.Time) []Event

	// injectError reports that a request failed: transport error, timeout,
	// caller-side cancellation, or source disconnection.
	injectError(pr pendingRequest, cause error, now time.Time) []Event

	sourceAdded(id SourceID)
	sourceRemoved(id SourceID) []Event

	// done reports strategy completion, triggering the engine's forward
	// transition.
	done() bool
}

// strategyBase carries the collaborators every strategy needs.
type strategyBase struct {
	cfg      Config
	logger   log.Logger
	metrics  *Metrics
	verifier Verifier
	sources  *sourceSet
}

func (b *strategyBase) sourceAdded(SourceID)           {}
func (b *strategyBase) sourceRemoved(SourceID) []Event { return nil }

// penalizeSource puts a source in cooldown and reports it.
func (b *strategyBase) penalizeSource(id SourceID, reason error, now time.Time) []Event {
	b.metrics.InvalidResponses.Add(1)
	if err := b.sources.penalize(id, b.cfg.PenaltyDuration, now); err != nil {
		// already disconnected
		return nil
	}
	b.metrics.SourcesPenalized.Add(1)
	b.logger.Info("penalizing source", "source", id, "reason", reason)
	return []Event{EventSourcePenalized{Source: id, Reason: reason}}
}

// spareSnapshot returns the per-source spare request slots for usable
// sources, for desiredRequests to consume without mutating the registry.
func (b *strategyBase) spareSnapshot(now time.Time) map[SourceID]int {
	spare := make(map[SourceID]int, b.sources.len())
	for _, s := range b.sources.ordered(now) {
		if free := b.cfg.MaxRequestsPerSource - s.inflight; free > 0 {
			spare[s.id] = free
		}
	}
	return spare
}
