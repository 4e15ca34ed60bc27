package blocksync

import (
	"errors"
	"time"

	"github.com/forgenet/chainsync/types"
	"github.com/forgenet/chainsync/wire"
)

// testVerifier accepts everything unless a specific check is configured to
// fail.
type testVerifier struct {
	badHeaders   map[types.Hash]bool
	badProofs    map[types.Hash]bool
	badFragments map[types.Hash]bool // keyed by fragment header hash
	failChunks   bool
}

func newTestVerifier() *testVerifier {
	return &testVerifier{
		badHeaders:   make(map[types.Hash]bool),
		badProofs:    make(map[types.Hash]bool),
		badFragments: make(map[types.Hash]bool),
	}
}

func (v *testVerifier) VerifyHeader(h types.Header) error {
	if v.badHeaders[h.Hash()] {
		return errors.New("bad seal")
	}
	return nil
}

func (v *testVerifier) VerifyJustification(j types.Justification) error {
	if v.badProofs[j.TargetHash] {
		return errors.New("bad signatures")
	}
	return nil
}

func (v *testVerifier) VerifyFragment(checkpoint types.Header, f wire.Fragment) error {
	if v.badFragments[f.Header.Hash()] {
		return errors.New("bad authority handoff")
	}
	return nil
}

func (v *testVerifier) VerifyProofChunk(stateRoot types.Hash, chunk wire.ProofChunk) error {
	if v.failChunks {
		return errors.New("bad storage proof")
	}
	return nil
}

func testHeader(number int64, parent types.Hash, seed byte) types.Header {
	return types.Header{
		Number:     number,
		ParentHash: parent,
		StateRoot:  types.HashBytes([]byte{seed}),
	}
}

// testChain returns n headers extending parent, one per height.
func testChain(parent types.Header, n int, seed byte) []types.Header {
	out := make([]types.Header, 0, n)
	for i := 0; i < n; i++ {
		h := testHeader(parent.Number+1, parent.Hash(), seed)
		out = append(out, h)
		parent = h
	}
	return out
}

func emptyBodies(n int) [][][]byte {
	return make([][][]byte, n)
}

// testClock is a manually advanced time source.
type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PipelineWindow = 2
	cfg.HeadersPerRequest = 4
	cfg.AncestrySearchBatch = 4
	cfg.RetryBudget = 2
	return cfg
}

// sendAll issues every desired request and returns the assigned IDs in
// order.
func sendAll(e *Engine) ([]RequestID, []DesiredRequest, error) {
	wants := e.DesiredRequests()
	ids := make([]RequestID, 0, len(wants))
	for _, want := range wants {
		id, err := e.SendRequest(want.Source, want.Request)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
	}
	return ids, wants, nil
}

func eventsOfType(events []Event, proto Event) []Event {
	var out []Event
	for _, ev := range events {
		switch proto.(type) {
		case EventBestBlock:
			if _, ok := ev.(EventBestBlock); ok {
				out = append(out, ev)
			}
		case EventFinalized:
			if _, ok := ev.(EventFinalized); ok {
				out = append(out, ev)
			}
		case EventWarpSyncFinished:
			if _, ok := ev.(EventWarpSyncFinished); ok {
				out = append(out, ev)
			}
		case EventStateChunk:
			if _, ok := ev.(EventStateChunk); ok {
				out = append(out, ev)
			}
		case EventSourcePenalized:
			if _, ok := ev.(EventSourcePenalized); ok {
				out = append(out, ev)
			}
		case EventFatal:
			if _, ok := ev.(EventFatal); ok {
				out = append(out, ev)
			}
		}
	}
	return out
}
