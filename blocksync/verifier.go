package blocksync

import (
	"github.com/forgenet/chainsync/types"
	"github.com/forgenet/chainsync/wire"
)

// Verifier bundles the consensus-specific cryptographic checks the engine
// depends on. Implementations are trusted building blocks; the engine treats
// any returned error as a verification failure attributable to the source
// that supplied the data.
type Verifier interface {
	// VerifyHeader checks the header's consensus digest (seal, slot claim,
	// and so on).
	VerifyHeader(header types.Header) error

	// VerifyJustification checks a finality proof against the authority
	// set current at its target.
	VerifyJustification(j types.Justification) error

	// VerifyFragment checks one warp sync fragment against the latest
	// proven checkpoint. A valid fragment makes fragment.Header the new
	// checkpoint.
	VerifyFragment(checkpoint types.Header, fragment wire.Fragment) error

	// VerifyProofChunk checks a storage proof chunk against the state root
	// of the warp sync target.
	VerifyProofChunk(stateRoot types.Hash, chunk wire.ProofChunk) error
}
