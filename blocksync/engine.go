package blocksync

import (
	"fmt"
	"time"

	"github.com/forgenet/chainsync/forktree"
	"github.com/forgenet/chainsync/libs/log"
	"github.com/forgenet/chainsync/types"
	"github.com/forgenet/chainsync/wire"
)

// Mode identifies the active sync strategy.
type Mode int

const (
	ModeWarpSync Mode = iota
	ModeOptimistic
	ModeAllForks
)

func (m Mode) String() string {
	switch m {
	case ModeWarpSync:
		return "warp-sync"
	case ModeOptimistic:
		return "optimistic"
	case ModeAllForks:
		return "all-forks"
	default:
		return fmt.Sprintf("unknown mode %d", int(m))
	}
}

// Engine drives block synchronization against a set of remote sources. It
// owns no sockets and starts no goroutines: the caller polls
// DesiredRequests, performs the network I/O itself, and feeds results back
// through InjectResponse and InjectError. Every method must be called from
// a single goroutine; Driver provides that serialization when the caller
// wants an actor-style interface.
//
// The engine moves through the strategies in one direction only:
// warp sync (when enabled), then optimistic, then all-forks.
type Engine struct {
	cfg      Config
	logger   log.Logger
	metrics  *Metrics
	verifier Verifier
	now      func() time.Time

	tree     *forktree.Tree
	treeOpts []forktree.Option
	sources  *sourceSet

	mode  Mode
	warp  *warpSyncStrategy
	opt   *optimisticStrategy
	forks *allForksStrategy

	pending map[RequestID]*pendingRequest
	nextID  RequestID
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source. Tests use this to control request
// cooldowns deterministically.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTreeOptions forwards options to the internal fork tree, such as a
// custom fork-choice weight or tie-break.
func WithTreeOptions(opts ...forktree.Option) Option {
	return func(e *Engine) { e.treeOpts = opts }
}

// NewEngine creates an engine rooted at the given finalized header.
func NewEngine(cfg Config, finalized types.Header, verifier Verifier, opts ...Option) (*Engine, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	if verifier == nil {
		return nil, fmt.Errorf("nil verifier")
	}
	e := &Engine{
		cfg:     cfg,
		logger:  log.NewNopLogger(),
		metrics: NopMetrics(),
		now:     time.Now,
		pending: make(map[RequestID]*pendingRequest),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.verifier = verifier
	e.tree = forktree.New(finalized, e.treeOpts...)
	e.sources = newSourceSet(cfg.MaxRequestsPerSource)

	if cfg.EnableWarpSync {
		e.mode = ModeWarpSync
		e.warp = newWarpSyncStrategy(e.strategyBase(), finalized)
	} else {
		e.mode = ModeOptimistic
		e.opt = newOptimisticStrategy(e.strategyBase(), e.tree)
	}
	e.metrics.FinalizedHeight.Set(float64(finalized.Number))
	e.metrics.BestHeight.Set(float64(finalized.Number))
	return e, nil
}

func (e *Engine) strategyBase() strategyBase {
	return strategyBase{
		cfg:      e.cfg,
		logger:   e.logger.With("mode", e.mode.String()),
		metrics:  e.metrics,
		verifier: e.verifier,
		sources:  e.sources,
	}
}

func (e *Engine) current() strategy {
	switch e.mode {
	case ModeWarpSync:
		return e.warp
	case ModeOptimistic:
		return e.opt
	default:
		return e.forks
	}
}

// Mode reports the active strategy.
func (e *Engine) Mode() Mode { return e.mode }

// AddSource registers a source with its claimed best block.
func (e *Engine) AddSource(id SourceID, role SourceRole, bestNumber int64, bestHash types.Hash) error {
	if err := e.sources.add(id, role, bestNumber, bestHash); err != nil {
		return err
	}
	e.metrics.NumSources.Set(float64(e.sources.len()))
	e.logger.Debug("source added", "source", id, "role", role, "best", bestNumber)
	e.current().sourceAdded(id)
	e.maybeEnterAllForks()
	return nil
}

// RemoveSource unregisters a source. Its in-flight requests are failed and
// redistributed on the next poll.
func (e *Engine) RemoveSource(id SourceID) []Event {
	if _, ok := e.sources.get(id); !ok {
		return nil
	}
	var events []Event
	now := e.now()
	for reqID, pr := range e.pending {
		if pr.source != id {
			continue
		}
		delete(e.pending, reqID)
		if pr.mode == e.mode {
			events = append(events, e.current().injectError(*pr, ErrUnknownSource, now)...)
		}
	}
	e.sources.remove(id)
	e.metrics.NumSources.Set(float64(e.sources.len()))
	e.logger.Debug("source removed", "source", id)
	events = append(events, e.current().sourceRemoved(id)...)
	return events
}

// NotifyBlockAnnounce records that a source announced a new best block. In
// all-forks mode the announced header also becomes a download candidate.
func (e *Engine) NotifyBlockAnnounce(id SourceID, header types.Header) []Event {
	if err := e.sources.setClaimedBest(id, header.Number, header.Hash()); err != nil {
		e.logger.Debug("block announce from unknown source", "source", id)
		return nil
	}
	e.maybeEnterAllForks()
	if e.mode != ModeAllForks {
		return nil
	}
	return e.forks.onAnnounce(id, header, e.now())
}

// NotifyFinalityAnnounce records that a source claims the given block is
// finalized. Only all-forks mode acts on it.
func (e *Engine) NotifyFinalityAnnounce(id SourceID, number int64, hash types.Hash) []Event {
	if e.mode != ModeAllForks {
		return nil
	}
	return e.forks.onFinalityAnnounce(id, number, hash)
}

// DesiredRequests reports the requests the engine wants issued right now.
// The engine does not remember them; the caller confirms each one it
// actually starts via SendRequest.
func (e *Engine) DesiredRequests() []DesiredRequest {
	e.maybeEnterAllForks()
	return e.current().desiredRequests(e.now())
}

// SendRequest records that the caller has started the given request and
// returns the ID to pair with the eventual response or error.
func (e *Engine) SendRequest(src SourceID, req wire.Request) (RequestID, error) {
	if err := req.ValidateBasic(); err != nil {
		return 0, err
	}
	s, ok := e.sources.get(src)
	if !ok {
		return 0, ErrUnknownSource
	}
	if !s.role.supports(req.Kind) {
		return 0, fmt.Errorf("source %v does not serve %v requests", src, req.Kind)
	}
	if err := e.sources.acquire(src); err != nil {
		return 0, err
	}
	e.nextID++
	id := e.nextID
	e.pending[id] = &pendingRequest{
		id:     id,
		source: src,
		req:    req,
		mode:   e.mode,
		issued: e.now(),
	}
	e.current().requestSent(id, src, req)
	e.metrics.RequestsSent.With("kind", req.Kind.String()).Add(1)
	e.logger.Debug("request sent", "id", id, "source", src, "kind", req.Kind)
	return id, nil
}

// InjectResponse feeds a raw response payload back into the engine.
// Responses to requests issued under a previous strategy are dropped.
func (e *Engine) InjectResponse(id RequestID, payload []byte) ([]Event, error) {
	pr, ok := e.pending[id]
	if !ok {
		return nil, ErrUnknownRequest
	}
	delete(e.pending, id)
	e.sources.release(pr.source)
	if pr.mode != e.mode {
		e.logger.Debug("dropping stale response", "id", id, "issued", pr.mode, "current", e.mode)
		return nil, nil
	}
	events := e.current().injectResponse(*pr, payload, e.now())
	return e.withTransitions(events), nil
}

// InjectError reports that a request failed without a usable response.
func (e *Engine) InjectError(id RequestID, cause error) ([]Event, error) {
	pr, ok := e.pending[id]
	if !ok {
		return nil, ErrUnknownRequest
	}
	delete(e.pending, id)
	e.sources.release(pr.source)
	if pr.mode != e.mode {
		return nil, nil
	}
	events := e.current().injectError(*pr, cause, e.now())
	return e.withTransitions(events), nil
}

// maybeEnterAllForks performs the optimistic to all-forks hand-off. Unlike
// the warp transition it produces no events, so any entry point may advance
// it, including source registration and polls.
func (e *Engine) maybeEnterAllForks() {
	if e.mode != ModeOptimistic || !e.opt.done() {
		return
	}
	tip := e.tree.BestHeader()
	e.logger.Info("switching to all-forks sync", "height", tip.Number, "hash", tip.Hash())
	e.mode = ModeAllForks
	e.opt = nil
	e.forks = newAllForksStrategy(e.strategyBase(), e.tree)
}

// withTransitions advances the strategy chain after the active strategy
// reports completion, appending any transition events.
func (e *Engine) withTransitions(events []Event) []Event {
	for {
		switch {
		case e.mode == ModeWarpSync && e.warp.done():
			target := e.warp.Target()
			e.logger.Info("warp sync finished", "height", target.Number, "hash", target.Hash())
			events = append(events, EventWarpSyncFinished{Target: target})
			// Restart the tree at the warped-to finalized block.
			e.tree = forktree.New(target, e.treeOpts...)
			e.metrics.FinalizedHeight.Set(float64(target.Number))
			e.metrics.BestHeight.Set(float64(target.Number))
			e.mode = ModeOptimistic
			e.warp = nil
			e.opt = newOptimisticStrategy(e.strategyBase(), e.tree)

		case e.mode == ModeOptimistic && e.opt.done():
			e.maybeEnterAllForks()

		default:
			return events
		}
	}
}

// BestChain returns the headers of the current best chain, finalized root
// first.
func (e *Engine) BestChain() []types.Header {
	return e.tree.BestChain()
}

// BestHeader returns the tip of the current best chain.
func (e *Engine) BestHeader() types.Header { return e.tree.BestHeader() }

// FinalizedRoot returns the latest finalized header the engine knows.
func (e *Engine) FinalizedRoot() types.Header { return e.tree.Root() }

// NumPending reports the number of in-flight requests.
func (e *Engine) NumPending() int { return len(e.pending) }
