package blocksync

import (
	"errors"
	"fmt"

	"github.com/forgenet/chainsync/types"
)

var (
	// ErrSourceExhausted is returned when no viable source remains for data
	// the active strategy requires. It is surfaced through EventFatal; the
	// caller may retry with fresh sources or downgrade the strategy.
	ErrSourceExhausted = errors.New("no viable source for required data")

	// ErrUnknownRequest is returned when a response is injected for a
	// request ID the engine is not tracking.
	ErrUnknownRequest = errors.New("unknown request id")

	// ErrUnknownSource is returned for operations on a source that was
	// never added or was already removed.
	ErrUnknownSource = errors.New("unknown source")

	// ErrDuplicateSource is returned when adding a source twice.
	ErrDuplicateSource = errors.New("duplicate source")

	// ErrNoSpareCapacity is returned when a source has no free request
	// slots left.
	ErrNoSpareCapacity = errors.New("source has no spare request slots")
)

// ErrProtocolViolation reports a malformed or inconsistent response. The
// offending source is penalized and the request is retried elsewhere.
type ErrProtocolViolation struct {
	Source SourceID
	Reason string
}

func (e ErrProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation by %s: %s", e.Source, e.Reason)
}

// ErrVerificationFailure reports a response that failed a cryptographic or
// structural check. Handled like a protocol violation, with lowered trust in
// the source.
type ErrVerificationFailure struct {
	Source SourceID
	Err    error
}

func (e ErrVerificationFailure) Error() string {
	return fmt.Sprintf("verification failure from %s: %v", e.Source, e.Err)
}

func (e ErrVerificationFailure) Unwrap() error { return e.Err }

// ErrFinalityConflict reports an accepted finality proof that contradicts
// already-finalized state. This is fatal: sync must halt and surface it
// loudly, never resolve it silently.
type ErrFinalityConflict struct {
	Finalized   types.Hash
	Conflicting types.Hash
}

func (e ErrFinalityConflict) Error() string {
	return fmt.Sprintf("finality proof for %v conflicts with finalized block %v", e.Conflicting, e.Finalized)
}
