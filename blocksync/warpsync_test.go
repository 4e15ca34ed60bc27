package blocksync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgenet/chainsync/types"
	"github.com/forgenet/chainsync/wire"
)

func newWarpEngine(t *testing.T, finalized types.Header, v Verifier) (*Engine, *testClock) {
	t.Helper()
	cfg := testConfig()
	cfg.EnableWarpSync = true
	clock := newTestClock()
	e, err := NewEngine(cfg, finalized, v, WithClock(clock.Now))
	require.NoError(t, err)
	require.Equal(t, ModeWarpSync, e.Mode())
	return e, clock
}

func warpFragment(number int64, seed byte) wire.Fragment {
	return wire.Fragment{
		Header:        testHeader(number, types.HashBytes([]byte{seed}), seed),
		Justification: []byte("authority handoff"),
	}
}

func TestWarpSyncHappyPath(t *testing.T) {
	finalized := testHeader(0, types.Hash{}, 0)
	e, _ := newWarpEngine(t, finalized, newTestVerifier())
	require.NoError(t, e.AddSource("a", RoleFull, 1000, types.HashBytes([]byte("best"))))

	// Fragment download starts at the finalized root.
	ids, wants, err := sendAll(e)
	require.NoError(t, err)
	require.Len(t, wants, 1)
	assert.Equal(t, wire.KindWarpSyncFragments, wants[0].Request.Kind)
	assert.Equal(t, finalized.Hash(), wants[0].Request.StartHash)

	// One in-flight request at a time.
	assert.Empty(t, e.DesiredRequests())

	target := warpFragment(900, 2)
	resp := wire.FragmentsResponse{
		Fragments: []wire.Fragment{warpFragment(500, 1), target},
		Final:     true,
	}
	evs, err := e.InjectResponse(ids[0], wire.EncodeFragments(resp))
	require.NoError(t, err)
	assert.Empty(t, evs)

	// Fragment chain proven: the state download begins.
	ids, wants, err = sendAll(e)
	require.NoError(t, err)
	require.Len(t, wants, 1)
	req := wants[0].Request
	assert.Equal(t, wire.KindStorageProof, req.Kind)
	assert.Equal(t, target.Header.Hash(), req.Block)
	assert.Empty(t, req.StartKey)

	chunk := wire.ProofChunk{
		Keys:   [][]byte{[]byte("aa"), []byte("bb")},
		Values: [][]byte{[]byte("1"), []byte("2")},
		Proof:  []byte("merkle"),
	}
	evs, err = e.InjectResponse(ids[0], wire.EncodeProofChunk(chunk))
	require.NoError(t, err)
	chunks := eventsOfType(evs, EventStateChunk{})
	require.Len(t, chunks, 1)
	assert.Equal(t, target.Header.Hash(), chunks[0].(EventStateChunk).Block)

	// The next chunk resumes just past the last delivered key.
	ids, wants, err = sendAll(e)
	require.NoError(t, err)
	require.Len(t, wants, 1)
	assert.Equal(t, []byte("bb\x00"), wants[0].Request.StartKey)

	last := wire.ProofChunk{
		Keys:     [][]byte{[]byte("cc")},
		Values:   [][]byte{[]byte("3")},
		Proof:    []byte("merkle"),
		Complete: true,
	}
	evs, err = e.InjectResponse(ids[0], wire.EncodeProofChunk(last))
	require.NoError(t, err)

	// Completion fires exactly once and hands over to optimistic sync.
	require.Len(t, eventsOfType(evs, EventStateChunk{}), 1)
	finished := eventsOfType(evs, EventWarpSyncFinished{})
	require.Len(t, finished, 1)
	assert.Equal(t, target.Header, finished[0].(EventWarpSyncFinished).Target)
	assert.Equal(t, ModeOptimistic, e.Mode())
	assert.Equal(t, target.Header, e.FinalizedRoot())
	assert.Equal(t, target.Header, e.BestHeader())
}

func TestWarpSyncInvalidFragmentKeepsPrefix(t *testing.T) {
	finalized := testHeader(0, types.Hash{}, 0)
	v := newTestVerifier()
	good := warpFragment(500, 1)
	bad := warpFragment(900, 2)
	v.badFragments[bad.Header.Hash()] = true

	e, _ := newWarpEngine(t, finalized, v)
	require.NoError(t, e.AddSource("a", RoleFull, 1000, types.Hash{}))
	require.NoError(t, e.AddSource("b", RoleFull, 1000, types.Hash{}))

	ids, wants, err := sendAll(e)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	offender := wants[0].Source

	resp := wire.FragmentsResponse{Fragments: []wire.Fragment{good, bad}, Final: true}
	evs, err := e.InjectResponse(ids[0], wire.EncodeFragments(resp))
	require.NoError(t, err)
	require.Len(t, eventsOfType(evs, EventSourcePenalized{}), 1)
	assert.Empty(t, eventsOfType(evs, EventFatal{}))

	// The next download resumes from the verified prefix, not the root,
	// and goes to the other source. The ban outlives any cooldown.
	ids, wants, err = sendAll(e)
	require.NoError(t, err)
	require.Len(t, wants, 1)
	assert.NotEqual(t, offender, wants[0].Source)
	assert.Equal(t, good.Header.Hash(), wants[0].Request.StartHash)

	// The surviving source finishes the fragment phase.
	resp = wire.FragmentsResponse{Fragments: []wire.Fragment{warpFragment(900, 3)}, Final: true}
	evs, err = e.InjectResponse(ids[0], wire.EncodeFragments(resp))
	require.NoError(t, err)
	assert.Empty(t, evs)
	_, wants, err = sendAll(e)
	require.NoError(t, err)
	require.Len(t, wants, 1)
	assert.Equal(t, wire.KindStorageProof, wants[0].Request.Kind)
}

func TestWarpSyncSourceExhaustion(t *testing.T) {
	finalized := testHeader(0, types.Hash{}, 0)
	e, _ := newWarpEngine(t, finalized, newTestVerifier())
	require.NoError(t, e.AddSource("a", RoleFull, 1000, types.Hash{}))

	ids, _, err := sendAll(e)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// Banning the only source is fatal.
	evs, err := e.InjectResponse(ids[0], []byte{0xff})
	require.NoError(t, err)
	fatal := eventsOfType(evs, EventFatal{})
	require.Len(t, fatal, 1)
	assert.ErrorIs(t, fatal[0].(EventFatal).Err, ErrSourceExhausted)
	assert.Empty(t, e.DesiredRequests())

	// A fresh source revives the download from the same checkpoint.
	require.NoError(t, e.AddSource("b", RoleFull, 1000, types.Hash{}))
	_, wants, err := sendAll(e)
	require.NoError(t, err)
	require.Len(t, wants, 1)
	assert.Equal(t, SourceID("b"), wants[0].Source)
	assert.Equal(t, finalized.Hash(), wants[0].Request.StartHash)
}

func TestWarpSyncAllSourcesDisconnected(t *testing.T) {
	finalized := testHeader(0, types.Hash{}, 0)
	e, _ := newWarpEngine(t, finalized, newTestVerifier())
	require.NoError(t, e.AddSource("a", RoleFull, 1000, types.Hash{}))
	require.NoError(t, e.AddSource("b", RoleFull, 1000, types.Hash{}))

	_, _, err := sendAll(e)
	require.NoError(t, err)

	// Losing one source of two is not fatal.
	evs := e.RemoveSource("a")
	assert.Empty(t, eventsOfType(evs, EventFatal{}))

	// Losing the last one is.
	evs = e.RemoveSource("b")
	fatal := eventsOfType(evs, EventFatal{})
	require.Len(t, fatal, 1)
	assert.ErrorIs(t, fatal[0].(EventFatal).Err, ErrSourceExhausted)

	// A reconnecting source revives the download.
	require.NoError(t, e.AddSource("a", RoleFull, 1000, types.Hash{}))
	_, wants, err := sendAll(e)
	require.NoError(t, err)
	require.Len(t, wants, 1)
	assert.Equal(t, finalized.Hash(), wants[0].Request.StartHash)
}

func TestWarpSyncTransportErrorRetries(t *testing.T) {
	finalized := testHeader(0, types.Hash{}, 0)
	e, _ := newWarpEngine(t, finalized, newTestVerifier())
	require.NoError(t, e.AddSource("a", RoleFull, 1000, types.Hash{}))

	ids, _, err := sendAll(e)
	require.NoError(t, err)
	evs, err := e.InjectError(ids[0], errors.New("timeout"))
	require.NoError(t, err)
	assert.Empty(t, eventsOfType(evs, EventSourcePenalized{}))
	assert.Empty(t, eventsOfType(evs, EventFatal{}))

	// The same source is asked again; a timeout is not a ban.
	_, wants, err := sendAll(e)
	require.NoError(t, err)
	require.Len(t, wants, 1)
	assert.Equal(t, SourceID("a"), wants[0].Source)
}

func TestWarpSyncOutOfOrderChunkBansSource(t *testing.T) {
	finalized := testHeader(0, types.Hash{}, 0)
	e, _ := newWarpEngine(t, finalized, newTestVerifier())
	require.NoError(t, e.AddSource("a", RoleFull, 1000, types.Hash{}))
	require.NoError(t, e.AddSource("b", RoleFull, 1000, types.Hash{}))

	ids, _, err := sendAll(e)
	require.NoError(t, err)
	resp := wire.FragmentsResponse{Fragments: []wire.Fragment{warpFragment(900, 1)}, Final: true}
	_, err = e.InjectResponse(ids[0], wire.EncodeFragments(resp))
	require.NoError(t, err)

	ids, wants, err := sendAll(e)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	offender := wants[0].Source

	chunk := wire.ProofChunk{
		Keys:   [][]byte{[]byte("bb"), []byte("aa")},
		Values: [][]byte{[]byte("1"), []byte("2")},
		Proof:  []byte("merkle"),
	}
	evs, err := e.InjectResponse(ids[0], wire.EncodeProofChunk(chunk))
	require.NoError(t, err)
	require.Len(t, eventsOfType(evs, EventSourcePenalized{}), 1)
	assert.Empty(t, eventsOfType(evs, EventStateChunk{}))

	_, wants, err = sendAll(e)
	require.NoError(t, err)
	require.Len(t, wants, 1)
	assert.NotEqual(t, offender, wants[0].Source)
}

func TestWarpSyncLightSourcesCannotServe(t *testing.T) {
	finalized := testHeader(0, types.Hash{}, 0)
	e, _ := newWarpEngine(t, finalized, newTestVerifier())
	require.NoError(t, e.AddSource("light", RoleLight, 1000, types.Hash{}))
	assert.Empty(t, e.DesiredRequests())
}
