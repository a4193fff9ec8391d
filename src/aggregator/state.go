package aggregator

import (
	"sync/atomic"
)

// State captures the phase of an aggregation cycle: Idle, Draining,
// Building, Submitting, Persisting, or Purging.
type State uint32

const (
	//Idle means no cycle is running.
	Idle State = iota
	//Draining is reading the due set from the queue store.
	Draining
	//Building is building the Merkle tree.
	Building
	//Submitting is submitting the root to the upstream Cores.
	Submitting
	//Persisting is writing the per-leaf proof state.
	Persisting
	//Purging is deleting the consumed queue entries.
	Purging
)

// String ...
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Draining:
		return "Draining"
	case Building:
		return "Building"
	case Submitting:
		return "Submitting"
	case Persisting:
		return "Persisting"
	case Purging:
		return "Purging"
	default:
		return "Unknown"
	}
}

type state struct {
	state State
	busy  uint32
}

func (s *state) getState() State {
	stateAddr := (*uint32)(&s.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (s *state) setState(st State) {
	stateAddr := (*uint32)(&s.state)
	atomic.StoreUint32(stateAddr, uint32(st))
}

// acquire attempts to claim the busy flag. It returns false if a cycle is
// already in flight.
func (s *state) acquire() bool {
	return atomic.CompareAndSwapUint32(&s.busy, 0, 1)
}

func (s *state) release() {
	s.setState(Idle)
	atomic.StoreUint32(&s.busy, 0)
}
