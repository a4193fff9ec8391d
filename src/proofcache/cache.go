package proofcache

import (
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/anchornet/anchord/src/upstream"
)

// Fetcher is the upstream query dependency: one batched proof query against
// one Core.
type Fetcher interface {
	GetProofs(ip string, proofIDs []string) ([]upstream.ProofResponse, error)
}

// Core is one upstream target of a submission, in priority order.
type Core struct {
	IP      string
	ProofID string
}

// Submission identifies one batch submission to resolve: the shared submit
// id and the per-Core receipts, index 0 being the highest priority target.
type Submission struct {
	SubmitID string
	Cores    []Core
}

// Result is the outcome of resolving one submission. A nil Proof means the
// proof is still pending, or no Core could be reached.
type Result struct {
	SubmitID        string
	Proof           interface{}
	AnchorsComplete bool
}

type completeness uint32

const (
	classNil completeness = iota
	classPartial
	classFinal
)

type entry struct {
	proof          interface{}
	class          completeness
	firstPartialAt time.Time
}

// Config groups the cache expiry knobs. TTLs differ by proof completeness: a
// nil result is cached briefly to avoid hot-looping on a failing Core, a
// partial proof until its final anchor is expected, and a final proof for a
// long time since it never changes again.
type Config struct {
	NilTTL     time.Duration
	PartialTTL time.Duration
	FinalTTL   time.Duration

	// CompletionDeadline is how long after the first partial anchor a
	// cached partial result is re-queried even though it has not expired;
	// by then the final anchor should have landed.
	CompletionDeadline time.Duration

	// SweepInterval is the period of the lazy eviction sweep.
	SweepInterval time.Duration
}

// DefaultConfig ...
func DefaultConfig() *Config {
	return &Config{
		NilTTL:             time.Minute,
		PartialTTL:         15 * time.Minute,
		FinalTTL:           25 * time.Hour,
		CompletionDeadline: 2 * time.Hour,
		SweepInterval:      10 * time.Minute,
	}
}

// Cache is the in-memory proof cache with a multi-source fallback fetch
// strategy. It is safe for concurrent use.
type Cache struct {
	putLock sync.Mutex

	conf    *Config
	entries *gocache.Cache
	fetcher Fetcher
	logger  *logrus.Entry
}

// NewCache ...
func NewCache(conf *Config, fetcher Fetcher, logger *logrus.Entry) *Cache {
	return &Cache{
		conf:    conf,
		entries: gocache.New(conf.NilTTL, conf.SweepInterval),
		fetcher: fetcher,
		logger:  logger,
	}
}

// GetProofs resolves the submissions, consulting the cache first and falling
// back through each submission's Core list in priority order. Unresolved
// submissions at the same priority level are grouped by Core IP so that each
// Core receives a single batched query. Results are returned in input order.
func (c *Cache) GetProofs(submissions []Submission) []Result {
	resolved := map[string]Result{}
	pending := []Submission{}

	for _, sub := range submissions {
		if v, ok := c.entries.Get(sub.SubmitID); ok {
			e := v.(*entry)

			// a stale partial is re-queried: its final anchor should have
			// landed by now
			if e.class == classPartial && time.Since(e.firstPartialAt) > c.conf.CompletionDeadline {
				pending = append(pending, sub)
				continue
			}

			resolved[sub.SubmitID] = Result{
				SubmitID:        sub.SubmitID,
				Proof:           e.proof,
				AnchorsComplete: e.class == classFinal,
			}
			continue
		}
		pending = append(pending, sub)
	}

	for priority := 0; len(pending) > 0; priority++ {
		groups := map[string][]Submission{}
		order := []string{}

		for _, sub := range pending {
			if priority >= len(sub.Cores) {
				// every target tried and failed
				c.put(sub.SubmitID, nil, classNil)
				resolved[sub.SubmitID] = Result{SubmitID: sub.SubmitID}
				continue
			}

			ip := sub.Cores[priority].IP
			if _, ok := groups[ip]; !ok {
				order = append(order, ip)
			}
			groups[ip] = append(groups[ip], sub)
		}

		if len(groups) == 0 {
			break
		}

		next := []Submission{}

		for _, ip := range order {
			subs := groups[ip]

			proofIDs := make([]string, len(subs))
			for i, sub := range subs {
				proofIDs[i] = sub.Cores[priority].ProofID
			}

			responses, err := c.fetcher.GetProofs(ip, proofIDs)
			if err != nil {
				c.logger.WithError(err).WithField("core", ip).Warning("Querying proofs")

				for _, sub := range subs {
					if priority+1 < len(sub.Cores) {
						// an alternate target remains; retry at the next
						// priority level
						next = append(next, sub)
					} else {
						c.put(sub.SubmitID, nil, classNil)
						resolved[sub.SubmitID] = Result{SubmitID: sub.SubmitID}
					}
				}
				continue
			}

			byID := map[string]interface{}{}
			for _, r := range responses {
				byID[r.ProofID] = r.Proof
			}

			for _, sub := range subs {
				proof := byID[sub.Cores[priority].ProofID]
				if proof == nil {
					// the Core is reachable but the proof is not ready;
					// confirmed-pending is cached briefly
					c.put(sub.SubmitID, nil, classNil)
					resolved[sub.SubmitID] = Result{SubmitID: sub.SubmitID}
					continue
				}

				class := classify(proof)
				c.put(sub.SubmitID, proof, class)
				resolved[sub.SubmitID] = Result{
					SubmitID:        sub.SubmitID,
					Proof:           proof,
					AnchorsComplete: class == classFinal,
				}
			}
		}

		pending = next
	}

	results := make([]Result, len(submissions))
	for i, sub := range submissions {
		results[i] = resolved[sub.SubmitID]
	}

	return results
}

// put writes an entry with a completeness-dependent TTL. Entries are
// monotonic: once a final proof is cached it is never overwritten by a less
// complete result, even if a stale fetch races in.
func (c *Cache) put(submitID string, proof interface{}, class completeness) {
	c.putLock.Lock()
	defer c.putLock.Unlock()

	firstPartialAt := time.Time{}

	if v, ok := c.entries.Get(submitID); ok {
		prev := v.(*entry)
		if prev.class == classFinal && class != classFinal {
			return
		}
		if prev.class == classPartial && class == classPartial {
			firstPartialAt = prev.firstPartialAt
		}
	}

	if class == classPartial && firstPartialAt.IsZero() {
		firstPartialAt = time.Now()
	}

	ttl := c.conf.NilTTL
	switch class {
	case classPartial:
		ttl = c.conf.PartialTTL
	case classFinal:
		ttl = c.conf.FinalTTL
	}

	c.entries.Set(submitID, &entry{
		proof:          proof,
		class:          class,
		firstPartialAt: firstPartialAt,
	}, ttl)
}

// classify decides the completeness class of a core proof: proofs carrying a
// btc anchor are final, anything else is an intermediate calendar anchor.
func classify(proof interface{}) completeness {
	if hasBtcAnchor(proof) {
		return classFinal
	}
	return classPartial
}

func hasBtcAnchor(v interface{}) bool {
	switch val := v.(type) {
	case map[string]interface{}:
		if t, ok := val["type"].(string); ok && strings.HasPrefix(t, "btc") {
			return true
		}
		if label, ok := val["label"].(string); ok && strings.Contains(label, "btc") {
			return true
		}
		for _, child := range val {
			if hasBtcAnchor(child) {
				return true
			}
		}
	case []interface{}:
		for _, child := range val {
			if hasBtcAnchor(child) {
				return true
			}
		}
	}
	return false
}
