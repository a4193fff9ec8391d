package store

import (
	"bytes"

	"github.com/anchornet/anchord/src/merkle"
	"github.com/ugorji/go/codec"
)

// IncomingHash is a client-submitted hash awaiting aggregation. It is
// deleted from the queue once it has been included in an anchored batch.
type IncomingHash struct {
	ID   string `json:"id"`
	Hash []byte `json:"hash"`
}

// Marshal - canonical json encoding of IncomingHash
func (i *IncomingHash) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(i); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (i *IncomingHash) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(i)
}

// CoreReceipt identifies the proof minted by one upstream Core for a
// submitted root.
type CoreReceipt struct {
	IP      string `json:"ip"`
	ProofID string `json:"proof_id"`
}

// Submission groups the Core receipts obtained for one batch. All leaves of
// the batch share the same SubmitID so that proof lookups can correlate
// receipts across Cores for the same root.
type Submission struct {
	SubmitID string        `json:"submit_id"`
	Cores    []CoreReceipt `json:"cores"`
}

// ProofStateItem is the per-leaf record linking a submitted hash to its
// Merkle inclusion path and the Core receipts of its batch. It is written
// exactly once and never updated; pruning hard-deletes it.
type ProofStateItem struct {
	ProofID    string             `json:"proof_id"`
	Hash       []byte             `json:"hash"`
	ProofState []merkle.ProofStep `json:"proof_state"`
	Submission Submission         `json:"submission"`
}

// Marshal - canonical json encoding of ProofStateItem
func (p *ProofStateItem) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(p); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (p *ProofStateItem) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(p)
}

// DeleteOp designates a key to delete in a later atomic batch.
type DeleteOp struct {
	Key []byte
}
