package store

import (
	"time"

	"github.com/dgraph-io/badger"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	cm "github.com/anchornet/anchord/src/common"
	"github.com/anchornet/anchord/src/crypto"
)

// Store is the durable queue store. It wraps a single long-lived badger
// handle holding the incoming-hash queue, per-hash proof state, and generic
// counters. All multi-key writes that must be consistent within one
// aggregation cycle go through a single transaction.
type Store struct {
	db     *badger.DB
	path   string
	logger *logrus.Entry
}

// NewStore opens (or creates) the badger database at path. Failure to open
// is fatal to the caller: a node cannot run without its queue store.
func NewStore(path string, logger *logrus.Entry) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts = opts.WithSyncWrites(false)
	opts = opts.WithLogger(nil)

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &Store{
		db:     handle,
		path:   path,
		logger: logger,
	}

	return store, nil
}

// Path returns the database directory.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

//==============================================================================
// Incoming-hash queue

// AddIncomingHashes appends the items to the queue in one transaction. Keys
// are derived from the current wall clock.
func (s *Store) AddIncomingHashes(items []IncomingHash) error {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	return s.addIncomingHashesAt(now, items)
}

func (s *Store) addIncomingHashesAt(tsMillis int64, items []IncomingHash) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	for i := range items {
		val, err := items[i].Marshal()
		if err != nil {
			return err
		}
		if err := tx.Set(queueKey(tsMillis, randomSuffix()), val); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// AddIncomingHash appends a single item to the queue.
func (s *Store) AddIncomingHash(item IncomingHash) error {
	return s.AddIncomingHashes([]IncomingHash{item})
}

// GetDueIncomingHashes returns every queued hash whose key timestamp is at
// or before maxTs, together with the delete operations for the matched keys.
// The caller decides whether to apply the deletes, so a failed submission
// leaves the queue untouched for the next cycle.
func (s *Store) GetDueIncomingHashes(maxTs time.Time) ([]IncomingHash, []DeleteOp, error) {
	maxMillis := maxTs.UnixNano() / int64(time.Millisecond)

	items := []IncomingHash{}
	deleteOps := []DeleteOp{}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(queuePrefix + "_")

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)

			ts, err := queueKeyTime(key)
			if err != nil {
				return err
			}
			// keys are time-ordered, so the first key past maxTs ends
			// the due set
			if ts > maxMillis {
				break
			}

			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			incoming := IncomingHash{}
			if err := incoming.Unmarshal(val); err != nil {
				return err
			}

			items = append(items, incoming)
			deleteOps = append(deleteOps, DeleteOp{Key: key})
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return items, deleteOps, nil
}

// DeleteBatch deletes the designated keys in one transaction.
func (s *Store) DeleteBatch(ops []DeleteOp) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	for _, op := range ops {
		if err := tx.Delete(op.Key); err != nil {
			return err
		}
	}

	return tx.Commit()
}

//==============================================================================
// Proof state

// SaveProofStateBatch persists the items, and their time-index entries for
// pruning, in one transaction.
func (s *Store) SaveProofStateBatch(items []ProofStateItem) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	for i := range items {
		val, err := items[i].Marshal()
		if err != nil {
			return err
		}

		if err := tx.Set(proofKey(items[i].ProofID), val); err != nil {
			return err
		}

		ts := proofStateTime(items[i].ProofID)
		if err := tx.Set(proofTimeKey(ts, items[i].ProofID), []byte(items[i].ProofID)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// proofStateTime derives the insertion-time index timestamp from the proof
// id's UUIDv1 time component, falling back to the wall clock for ids that
// do not parse.
func proofStateTime(proofID string) int64 {
	id, err := uuid.Parse(proofID)
	if err != nil || id.Version() != 1 {
		return time.Now().UnixNano() / int64(time.Millisecond)
	}
	return crypto.UUIDTimeMillis(id)
}

// GetProofState retrieves one proof state item by proof id.
func (s *Store) GetProofState(proofID string) (*ProofStateItem, error) {
	key := proofKey(proofID)

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, mapError(err, "ProofState", string(key))
	}

	res := new(ProofStateItem)
	if err := res.Unmarshal(data); err != nil {
		return nil, err
	}

	return res, nil
}

// GetProofStates retrieves multiple proof state items; missing ids are
// simply absent from the result.
func (s *Store) GetProofStates(proofIDs []string) ([]*ProofStateItem, error) {
	res := []*ProofStateItem{}

	for _, id := range proofIDs {
		item, err := s.GetProofState(id)
		if err != nil {
			if cm.IsStore(err, cm.KeyNotFound) {
				continue
			}
			return nil, err
		}
		res = append(res, item)
	}

	return res, nil
}

// PruneProofStateBefore hard-deletes every proof state item whose insertion
// time is strictly before cutoff, along with its time-index entry. It
// returns the number of items deleted.
func (s *Store) PruneProofStateBefore(cutoff time.Time) (int, error) {
	cutoffMillis := cutoff.UnixNano() / int64(time.Millisecond)

	expired := []DeleteOp{}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(proofTimePrefix + "_")

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, proofID, err := proofTimeKeyParts(key)
			if err != nil {
				return err
			}
			if ts >= cutoffMillis {
				break
			}

			expired = append(expired, DeleteOp{Key: key})
			expired = append(expired, DeleteOp{Key: proofKey(proofID)})
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(expired) == 0 {
		return 0, nil
	}

	if err := s.DeleteBatch(expired); err != nil {
		return 0, err
	}

	return len(expired) / 2, nil
}

//==============================================================================
// Generic key-value access, used for counters and cache persistence

// Set stores a raw value under the generic namespace.
func (s *Store) Set(key string, value []byte) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	if err := tx.Set(genericKey(key), value); err != nil {
		return err
	}

	return tx.Commit()
}

// Get retrieves a raw value from the generic namespace.
func (s *Store) Get(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(genericKey(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, mapError(err, "Generic", key)
	}
	return data, nil
}

func isDBKeyNotFound(err error) bool {
	return err == badger.ErrKeyNotFound
}

func mapError(err error, name, key string) error {
	if err != nil && isDBKeyNotFound(err) {
		return cm.NewStoreErr(name, cm.KeyNotFound, key)
	}
	return err
}
