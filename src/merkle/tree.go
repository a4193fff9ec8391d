package merkle

import (
	"bytes"
	"fmt"

	"github.com/anchornet/anchord/src/crypto"
)

/*
The tree is a standard bottom-up binary Merkle tree over SHA256. When a level
contains an odd number of nodes, the last node is promoted unchanged to the
next level; it is never duplicated. Proof verification depends on this
policy, so it must not change without re-anchoring everything.
*/

// ProofStep is one operation in an inclusion proof: hash the current value
// with Sibling, which sits on the left or on the right of the concatenation.
type ProofStep struct {
	Left    bool   `json:"l"`
	Sibling []byte `json:"sibling"`
}

// Tree is an immutable Merkle tree. Level 0 holds the leaves in submission
// order; the last level holds the single root.
type Tree struct {
	levels [][][]byte
}

// NewTree builds a Merkle tree over the given leaves. The leaf order is part
// of the public contract: proof indices correspond to submission order. It
// is an error to build a tree over zero leaves; callers must special-case
// empty batches.
func NewTree(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("cannot build a merkle tree over zero leaves")
	}

	level := make([][]byte, len(leaves))
	copy(level, leaves)

	levels := [][][]byte{level}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)

		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, crypto.SimpleHashFromTwoHashes(level[i], level[i+1]))
		}

		if len(level)%2 == 1 {
			// odd node carries up unchanged
			next = append(next, level[len(level)-1])
		}

		levels = append(levels, next)
		level = next
	}

	return &Tree{levels: levels}, nil
}

// NumLeaves returns the number of leaves the tree was built over.
func (t *Tree) NumLeaves() int {
	return len(t.levels[0])
}

// Root returns the Merkle root.
func (t *Tree) Root() []byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Proof returns the sibling chain from leaf i to the root. A level where the
// node is a promoted odd node contributes no step.
func (t *Tree) Proof(i int) ([]ProofStep, error) {
	if i < 0 || i >= t.NumLeaves() {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", i, t.NumLeaves())
	}

	proof := []ProofStep{}
	idx := i

	for l := 0; l < len(t.levels)-1; l++ {
		level := t.levels[l]

		if idx%2 == 0 {
			if idx+1 < len(level) {
				proof = append(proof, ProofStep{Left: false, Sibling: level[idx+1]})
			}
			// no sibling: the node carried up unchanged
		} else {
			proof = append(proof, ProofStep{Left: true, Sibling: level[idx-1]})
		}

		idx /= 2
	}

	return proof, nil
}

// Verify folds leaf through the proof steps and compares the result to root.
func Verify(leaf []byte, proof []ProofStep, root []byte) bool {
	current := leaf

	for _, step := range proof {
		if step.Left {
			current = crypto.SimpleHashFromTwoHashes(step.Sibling, current)
		} else {
			current = crypto.SimpleHashFromTwoHashes(current, step.Sibling)
		}
	}

	return bytes.Equal(current, root)
}
