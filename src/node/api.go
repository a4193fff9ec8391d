package node

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	cm "github.com/anchornet/anchord/src/common"
	"github.com/anchornet/anchord/src/crypto"
	"github.com/anchornet/anchord/src/proofcache"
	"github.com/anchornet/anchord/src/store"
	"github.com/anchornet/anchord/src/version"
)

const (
	// maxBatchItems bounds the number of hashes or proof ids accepted in a
	// single API request.
	maxBatchItems = 250

	// accepted hash sizes, in bytes
	minHashLen = 20
	maxHashLen = 64
)

// SubmittedHash pairs a client hash with its newly minted proof id.
type SubmittedHash struct {
	ProofID string `json:"proof_id"`
	Hash    string `json:"hash"`
}

// BatchMeta carries the reception time and the earliest times at which the
// intermediate and final anchors are expected to be retrievable.
type BatchMeta struct {
	SubmittedAt     time.Time            `json:"submitted_at"`
	ProcessingHints map[string]time.Time `json:"processing_hints"`
}

// SubmittedBatch is the response to a hash submission.
type SubmittedBatch struct {
	Meta   BatchMeta       `json:"meta"`
	Hashes []SubmittedHash `json:"hashes"`
}

// ProofResult pairs a proof id with its assembled proof document. A nil
// Proof means the proof does not exist or is not yet available.
type ProofResult struct {
	ProofID         string      `json:"proof_id"`
	Proof           interface{} `json:"proof"`
	AnchorsComplete bool        `json:"anchors_complete"`
}

// SubmitHashes validates the hex-encoded hashes, mints a proof id for each,
// and appends them to the durable queue for the next aggregation cycle.
func (n *Node) SubmitHashes(hexHashes []string) (*SubmittedBatch, error) {
	if len(hexHashes) == 0 {
		return nil, fmt.Errorf("no hashes submitted")
	}
	if len(hexHashes) > maxBatchItems {
		return nil, fmt.Errorf("too many hashes: %d, max is %d", len(hexHashes), maxBatchItems)
	}

	now := time.Now()

	items := make([]store.IncomingHash, len(hexHashes))
	submitted := make([]SubmittedHash, len(hexHashes))

	for i, h := range hexHashes {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("hash %d is not valid hex: %v", i, err)
		}
		if len(raw) < minHashLen || len(raw) > maxHashLen {
			return nil, fmt.Errorf("hash %d has unsupported length %d bytes", i, len(raw))
		}

		id, err := crypto.NewProofID(raw)
		if err != nil {
			return nil, err
		}

		items[i] = store.IncomingHash{ID: id.String(), Hash: raw}
		submitted[i] = SubmittedHash{ProofID: id.String(), Hash: h}
	}

	if err := n.store.AddIncomingHashes(items); err != nil {
		return nil, err
	}

	n.recorder.IncHashCount(len(items))
	for _, sh := range submitted {
		n.recorder.AddReceived(sh.ProofID, sh.Hash)
	}

	n.logger.WithField("hashes", len(items)).Debug("Queued incoming hashes")

	return &SubmittedBatch{
		Meta: BatchMeta{
			SubmittedAt: now,
			ProcessingHints: map[string]time.Time{
				"cal": now.Add(n.conf.AggregationInterval + 10*time.Second),
				"btc": now.Add(91 * time.Minute),
			},
		},
		Hashes: submitted,
	}, nil
}

// GetProofs resolves the proof ids into full proof documents. Unknown or
// malformed ids yield a nil proof rather than an error, so one bad id does
// not fail the batch. Results are returned in input order.
func (n *Node) GetProofs(proofIDs []string) ([]ProofResult, error) {
	if len(proofIDs) == 0 {
		return nil, fmt.Errorf("no proof ids requested")
	}
	if len(proofIDs) > maxBatchItems {
		return nil, fmt.Errorf("too many proof ids: %d, max is %d", len(proofIDs), maxBatchItems)
	}

	results := make([]ProofResult, len(proofIDs))
	stateItems := make([]*store.ProofStateItem, len(proofIDs))

	submissions := []proofcache.Submission{}
	queried := map[string]bool{}

	for i, id := range proofIDs {
		results[i] = ProofResult{ProofID: id}

		if _, err := uuid.Parse(id); err != nil {
			continue
		}

		item, err := n.store.GetProofState(id)
		if err != nil {
			if cm.IsStore(err, cm.KeyNotFound) {
				continue
			}
			return nil, err
		}
		stateItems[i] = item

		// leaves of one batch share a submission; query it once
		if !queried[item.Submission.SubmitID] {
			queried[item.Submission.SubmitID] = true

			cores := make([]proofcache.Core, len(item.Submission.Cores))
			for j, c := range item.Submission.Cores {
				cores[j] = proofcache.Core{IP: c.IP, ProofID: c.ProofID}
			}

			submissions = append(submissions, proofcache.Submission{
				SubmitID: item.Submission.SubmitID,
				Cores:    cores,
			})
		}
	}

	coreProofs := map[string]proofcache.Result{}
	if len(submissions) > 0 {
		for _, res := range n.proofCache.GetProofs(submissions) {
			coreProofs[res.SubmitID] = res
		}
	}

	for i := range results {
		item := stateItems[i]
		if item == nil {
			continue
		}

		res := coreProofs[item.Submission.SubmitID]
		if res.Proof == nil {
			// the batch root is not anchored upstream yet
			continue
		}

		results[i].Proof = assembleProof(item, res.Proof)
		results[i].AnchorsComplete = res.AnchorsComplete
	}

	return results, nil
}

// assembleProof joins the leaf's local Merkle path with the upstream proof
// of the batch root.
func assembleProof(item *store.ProofStateItem, coreProof interface{}) map[string]interface{} {
	path := make([]map[string]string, 0, 2*len(item.ProofState))
	for _, step := range item.ProofState {
		branch := map[string]string{}
		if step.Left {
			branch["l"] = hex.EncodeToString(step.Sibling)
		} else {
			branch["r"] = hex.EncodeToString(step.Sibling)
		}
		path = append(path, branch, map[string]string{"op": "sha-256"})
	}

	return map[string]interface{}{
		"proof_id":    item.ProofID,
		"hash":        hex.EncodeToString(item.Hash),
		"submit_id":   item.Submission.SubmitID,
		"merkle_path": path,
		"core_proof":  coreProof,
	}
}

// GetStats returns a snapshot of the node for the stats endpoint.
func (n *Node) GetStats() map[string]interface{} {
	stats := n.recorder.Snapshot()

	return map[string]interface{}{
		"state":            n.getState().String(),
		"aggregator_state": n.aggregator.State().String(),
		"moniker":          n.conf.Moniker,
		"version":          version.Version,
		"cores":            n.conf.Cores,
		"uptime":           time.Since(n.start).String(),
		"counters":         stats.Counters,
		"recent":           stats.Recent,
	}
}

// GetState returns the node's current state.
func (n *Node) GetState() State {
	return n.getState()
}
