package wire

import (
	"errors"
	"fmt"

	"github.com/forgenet/chainsync/types"
)

// Kind identifies a request kind on the wire.
type Kind byte

const (
	KindBlockHeaders Kind = iota + 1
	KindBlockBodies
	KindWarpSyncFragments
	KindStorageProof
	KindJustification
)

func (k Kind) String() string {
	switch k {
	case KindBlockHeaders:
		return "BlockHeaders"
	case KindBlockBodies:
		return "BlockBodies"
	case KindWarpSyncFragments:
		return "WarpSyncFragments"
	case KindStorageProof:
		return "StorageProof"
	case KindJustification:
		return "Justification"
	default:
		return fmt.Sprintf("unknown kind: %d", byte(k))
	}
}

// Request is a block-data request. Which fields are meaningful depends on the
// kind.
type Request struct {
	Kind Kind

	// BlockHeaders: either an ascending range starting at FromNumber, or a
	// descending ancestry walk starting at FromHash.
	FromNumber int64
	FromHash   types.Hash
	Count      uint32
	Descending bool

	// BlockBodies.
	Hashes []types.Hash

	// WarpSyncFragments: hash of the latest proven finalized block.
	StartHash types.Hash

	// StorageProof: target block and the first key of the requested chunk.
	Block    types.Hash
	StartKey []byte

	// Justification: block whose finality proof is requested.
	Target types.Hash
}

// ValidateBasic performs stateless validity checks on the request.
func (req Request) ValidateBasic() error {
	switch req.Kind {
	case KindBlockHeaders:
		if req.Count == 0 {
			return errors.New("zero header count")
		}
		if req.Descending && req.FromHash.IsZero() {
			return errors.New("descending header request without start hash")
		}
		if !req.Descending && req.FromNumber < 0 {
			return fmt.Errorf("negative start number %d", req.FromNumber)
		}
	case KindBlockBodies:
		if len(req.Hashes) == 0 {
			return errors.New("empty body request")
		}
	case KindWarpSyncFragments:
		if req.StartHash.IsZero() {
			return errors.New("warp request with zero start hash")
		}
	case KindStorageProof:
		if req.Block.IsZero() {
			return errors.New("storage proof request with zero block hash")
		}
	case KindJustification:
		if req.Target.IsZero() {
			return errors.New("justification request with zero target hash")
		}
	default:
		return fmt.Errorf("unknown request kind %d", byte(req.Kind))
	}
	return nil
}

// Fragment is one link of a warp sync proof chain: a header plus the
// justification proving its finality under the authority set established by
// the previous fragment.
type Fragment struct {
	Header        types.Header
	Justification []byte
}

// FragmentsResponse is the payload of a WarpSyncFragments response. Final
// reports that the last fragment covers the current chain head.
type FragmentsResponse struct {
	Fragments []Fragment
	Final     bool
}

// ProofChunk is the payload of a StorageProof response: a contiguous run of
// key/value pairs plus a proof tying them to the block's state root.
// Complete reports that the chunk reaches the end of the key space.
type ProofChunk struct {
	Keys     [][]byte
	Values   [][]byte
	Proof    []byte
	Complete bool
}

func encodeHeader(w *writer, h types.Header) {
	w.uvarint(uint64(h.Number))
	w.hash(h.ParentHash)
	w.hash(h.StateRoot)
	w.bytes(h.Digest)
}

func decodeHeader(r *reader) (types.Header, error) {
	var h types.Header
	num, err := r.uvarint(1<<62 - 1)
	if err != nil {
		return h, err
	}
	h.Number = int64(num)
	if h.ParentHash, err = r.hash(); err != nil {
		return h, err
	}
	if h.StateRoot, err = r.hash(); err != nil {
		return h, err
	}
	if h.Digest, err = r.bytes(maxDigest); err != nil {
		return h, err
	}
	return h, nil
}

// EncodeHeaders encodes a BlockHeaders response payload.
func EncodeHeaders(headers []types.Header) []byte {
	w := &writer{}
	w.uvarint(uint64(len(headers)))
	for _, h := range headers {
		encodeHeader(w, h)
	}
	return w.buf
}

// DecodeHeaders decodes a BlockHeaders response payload.
func DecodeHeaders(bz []byte) ([]types.Header, error) {
	r := &reader{buf: bz}
	n, err := r.uvarint(MaxItems)
	if err != nil {
		return nil, err
	}
	headers := make([]types.Header, 0, n)
	for i := uint64(0); i < n; i++ {
		h, err := decodeHeader(r)
		if err != nil {
			return nil, fmt.Errorf("header %d: %w", i, err)
		}
		headers = append(headers, h)
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return headers, nil
}

// EncodeBodies encodes a BlockBodies response payload. Bodies are positional:
// they answer the request's hashes in order.
func EncodeBodies(bodies [][][]byte) []byte {
	w := &writer{}
	w.uvarint(uint64(len(bodies)))
	for _, body := range bodies {
		w.uvarint(uint64(len(body)))
		for _, ext := range body {
			w.bytes(ext)
		}
	}
	return w.buf
}

// DecodeBodies decodes a BlockBodies response payload.
func DecodeBodies(bz []byte) ([][][]byte, error) {
	r := &reader{buf: bz}
	n, err := r.uvarint(MaxItems)
	if err != nil {
		return nil, err
	}
	bodies := make([][][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		m, err := r.uvarint(maxExtrinis)
		if err != nil {
			return nil, fmt.Errorf("body %d: %w", i, err)
		}
		body := make([][]byte, 0, m)
		for j := uint64(0); j < m; j++ {
			ext, err := r.bytes(MaxByteLen)
			if err != nil {
				return nil, fmt.Errorf("body %d extrinsic %d: %w", i, j, err)
			}
			body = append(body, ext)
		}
		bodies = append(bodies, body)
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return bodies, nil
}

// EncodeFragments encodes a WarpSyncFragments response payload.
func EncodeFragments(resp FragmentsResponse) []byte {
	w := &writer{}
	w.uvarint(uint64(len(resp.Fragments)))
	for _, f := range resp.Fragments {
		encodeHeader(w, f.Header)
		w.bytes(f.Justification)
	}
	w.bool(resp.Final)
	return w.buf
}

// DecodeFragments decodes a WarpSyncFragments response payload.
func DecodeFragments(bz []byte) (FragmentsResponse, error) {
	var resp FragmentsResponse
	r := &reader{buf: bz}
	n, err := r.uvarint(MaxItems)
	if err != nil {
		return resp, err
	}
	resp.Fragments = make([]Fragment, 0, n)
	for i := uint64(0); i < n; i++ {
		var f Fragment
		if f.Header, err = decodeHeader(r); err != nil {
			return resp, fmt.Errorf("fragment %d: %w", i, err)
		}
		if f.Justification, err = r.bytes(MaxByteLen); err != nil {
			return resp, fmt.Errorf("fragment %d: %w", i, err)
		}
		resp.Fragments = append(resp.Fragments, f)
	}
	if resp.Final, err = r.bool(); err != nil {
		return resp, err
	}
	if err := r.finish(); err != nil {
		return resp, err
	}
	return resp, nil
}

// EncodeProofChunk encodes a StorageProof response payload.
func EncodeProofChunk(chunk ProofChunk) []byte {
	w := &writer{}
	w.uvarint(uint64(len(chunk.Keys)))
	for i := range chunk.Keys {
		w.bytes(chunk.Keys[i])
		w.bytes(chunk.Values[i])
	}
	w.bytes(chunk.Proof)
	w.bool(chunk.Complete)
	return w.buf
}

// DecodeProofChunk decodes a StorageProof response payload.
func DecodeProofChunk(bz []byte) (ProofChunk, error) {
	var chunk ProofChunk
	r := &reader{buf: bz}
	n, err := r.uvarint(MaxItems)
	if err != nil {
		return chunk, err
	}
	chunk.Keys = make([][]byte, 0, n)
	chunk.Values = make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		key, err := r.bytes(MaxByteLen)
		if err != nil {
			return chunk, fmt.Errorf("entry %d key: %w", i, err)
		}
		value, err := r.bytes(MaxByteLen)
		if err != nil {
			return chunk, fmt.Errorf("entry %d value: %w", i, err)
		}
		chunk.Keys = append(chunk.Keys, key)
		chunk.Values = append(chunk.Values, value)
	}
	if chunk.Proof, err = r.bytes(MaxByteLen); err != nil {
		return chunk, err
	}
	if chunk.Complete, err = r.bool(); err != nil {
		return chunk, err
	}
	if err := r.finish(); err != nil {
		return chunk, err
	}
	return chunk, nil
}

// EncodeJustification encodes a Justification response payload.
func EncodeJustification(j types.Justification) []byte {
	w := &writer{}
	w.uvarint(uint64(j.TargetNumber))
	w.hash(j.TargetHash)
	w.bytes(j.Proof)
	return w.buf
}

// DecodeJustification decodes a Justification response payload.
func DecodeJustification(bz []byte) (types.Justification, error) {
	var j types.Justification
	r := &reader{buf: bz}
	num, err := r.uvarint(1<<62 - 1)
	if err != nil {
		return j, err
	}
	j.TargetNumber = int64(num)
	if j.TargetHash, err = r.hash(); err != nil {
		return j, err
	}
	if j.Proof, err = r.bytes(MaxByteLen); err != nil {
		return j, err
	}
	if err := r.finish(); err != nil {
		return j, err
	}
	return j, nil
}
