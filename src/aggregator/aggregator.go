package aggregator

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/anchornet/anchord/src/merkle"
	"github.com/anchornet/anchord/src/store"
	"github.com/anchornet/anchord/src/upstream"
)

// Submitter abstracts the upstream client for the aggregator: submit a root
// hash, get back integrity-validated receipts.
type Submitter interface {
	SubmitHash(root []byte) ([]upstream.Receipt, error)
}

// Aggregator drains the incoming-hash queue on a schedule, builds a Merkle
// tree over the batch, submits the root upstream, and persists per-leaf
// proof state. A single instance never runs two cycles concurrently.
type Aggregator struct {
	state

	store     *store.Store
	submitter Submitter
	logger    *logrus.Entry
}

// NewAggregator ...
func NewAggregator(s *store.Store, submitter Submitter, logger *logrus.Entry) *Aggregator {
	return &Aggregator{
		store:     s,
		submitter: submitter,
		logger:    logger,
	}
}

// State returns the phase of the cycle currently in flight, or Idle.
func (a *Aggregator) State() State {
	return a.getState()
}

// Run executes one aggregation cycle and returns the batch's Merkle root,
// or nil if nothing was processed. If a cycle is already in flight the call
// is a no-op. Failures at or after submission do not re-queue the drained
// hashes; failures before submission leave the queue untouched, so the
// hashes are retried on the next interval.
func (a *Aggregator) Run() ([]byte, error) {
	if !a.acquire() {
		a.logger.Debug("Aggregation cycle already in flight")
		return nil, nil
	}
	defer a.release()

	a.setState(Draining)

	items, deleteOps, err := a.store.GetDueIncomingHashes(time.Now())
	if err != nil {
		return nil, err
	}

	if len(items) == 0 {
		a.logger.Debug("Nothing to aggregate")
		return nil, nil
	}

	a.setState(Building)

	leaves := make([][]byte, len(items))
	for i := range items {
		leaves[i] = items[i].Hash
	}

	tree, err := merkle.NewTree(leaves)
	if err != nil {
		return nil, err
	}

	root := tree.Root()

	a.logger.WithFields(logrus.Fields{
		"leaves": len(leaves),
		"root":   hex.EncodeToString(root),
	}).Debug("Built batch tree")

	a.setState(Submitting)

	receipts, err := a.submitter.SubmitHash(root)
	if err != nil {
		// queue entries were not deleted; the batch is retried next cycle
		a.logger.WithError(err).Error("Submitting root; leaving hashes queued")
		return nil, err
	}

	a.setState(Persisting)

	submitID, err := uuid.NewUUID()
	if err != nil {
		return nil, err
	}

	cores := make([]store.CoreReceipt, len(receipts))
	for i, r := range receipts {
		cores[i] = store.CoreReceipt{IP: r.IP, ProofID: r.ProofID.String()}
	}

	submission := store.Submission{
		SubmitID: submitID.String(),
		Cores:    cores,
	}

	stateItems := make([]store.ProofStateItem, len(items))
	for i := range items {
		proof, err := tree.Proof(i)
		if err != nil {
			return nil, err
		}

		stateItems[i] = store.ProofStateItem{
			ProofID:    items[i].ID,
			Hash:       items[i].Hash,
			ProofState: proof,
			Submission: submission,
		}
	}

	if err := a.store.SaveProofStateBatch(stateItems); err != nil {
		// the Cores already minted receipts for this root, so re-queuing
		// would double-submit; the drained batch is lost
		a.logger.WithError(err).WithField("submit_id", submission.SubmitID).
			Error("Persisting proof state after successful submission; batch lost")
		return nil, err
	}

	a.setState(Purging)

	if err := a.store.DeleteBatch(deleteOps); err != nil {
		// retained hashes are re-aggregated next cycle, which only yields
		// an additional, still-valid proof
		a.logger.WithError(err).Warning("Purging consumed queue entries")
	}

	a.logger.WithFields(logrus.Fields{
		"submit_id": submission.SubmitID,
		"leaves":    len(items),
		"cores":     len(cores),
	}).Info("Aggregated batch")

	return root, nil
}
