package metrics

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	cm "github.com/anchornet/anchord/src/common"
	"github.com/anchornet/anchord/src/store"
)

// recentCap is the number of most-recent submissions retained in the ring.
const recentCap = 25

// ReceivedItem is one entry of the recent-submission ring.
type ReceivedItem struct {
	ProofID    string    `json:"proof_id"`
	Hash       string    `json:"hash"`
	ReceivedAt time.Time `json:"received_at"`
}

// Stats is a point-in-time view of the recorder.
type Stats struct {
	Counters map[string]int64 `json:"counters"`
	Recent   []ReceivedItem   `json:"recent"`
}

// Recorder counts received hashes bucketed by time granularity and keeps a
// capped ring of the most recent submissions. Counters are flushed to the
// queue store periodically so they survive restarts.
type Recorder struct {
	sync.Mutex

	counters map[string]int64
	recent   []ReceivedItem

	store  *store.Store
	logger *logrus.Entry
}

// NewRecorder ...
func NewRecorder(s *store.Store, logger *logrus.Entry) *Recorder {
	return &Recorder{
		counters: map[string]int64{},
		store:    s,
		logger:   logger,
	}
}

// bucketKeys returns the counter keys touched by an event at t, from
// coarsest to finest granularity.
func bucketKeys(t time.Time) []string {
	t = t.UTC()
	return []string{
		fmt.Sprintf("hash_count:%d", t.Year()),
		fmt.Sprintf("hash_count:%d-%02d", t.Year(), t.Month()),
		fmt.Sprintf("hash_count:%d-%02d-%02d", t.Year(), t.Month(), t.Day()),
		fmt.Sprintf("hash_count:%d-%02d-%02d:%02d", t.Year(), t.Month(), t.Day(), t.Hour()),
		fmt.Sprintf("hash_count:%d-%02d-%02d:%02d:%02d", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()),
	}
}

// IncHashCount records n received hashes at the current time.
func (r *Recorder) IncHashCount(n int) {
	r.Lock()
	defer r.Unlock()

	for _, key := range bucketKeys(time.Now()) {
		r.counters[key] += int64(n)
	}
}

// AddReceived appends an item to the recent ring, evicting the oldest entry
// when the ring is full.
func (r *Recorder) AddReceived(proofID string, hash string) {
	r.Lock()
	defer r.Unlock()

	r.recent = append(r.recent, ReceivedItem{
		ProofID:    proofID,
		Hash:       hash,
		ReceivedAt: time.Now(),
	})

	if len(r.recent) > recentCap {
		r.recent = r.recent[len(r.recent)-recentCap:]
	}
}

// Snapshot returns a copy of the current counters and ring.
func (r *Recorder) Snapshot() Stats {
	r.Lock()
	defer r.Unlock()

	counters := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}

	recent := make([]ReceivedItem, len(r.recent))
	copy(recent, r.recent)

	return Stats{Counters: counters, Recent: recent}
}

// Flush persists every counter through the store's generic namespace.
func (r *Recorder) Flush() error {
	for key, value := range r.Snapshot().Counters {
		if err := r.store.Set(key, []byte(strconv.FormatInt(value, 10))); err != nil {
			return err
		}
	}
	return nil
}

// Load restores previously flushed counters for the buckets active at the
// current time. Missing buckets start at zero.
func (r *Recorder) Load() error {
	r.Lock()
	defer r.Unlock()

	for _, key := range bucketKeys(time.Now()) {
		raw, err := r.store.Get(key)
		if err != nil {
			if cm.IsStore(err, cm.KeyNotFound) {
				continue
			}
			return err
		}

		value, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			r.logger.WithField("key", key).Warning("Discarding unparseable counter")
			continue
		}

		r.counters[key] = value
	}

	return nil
}
