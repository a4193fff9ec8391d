package merkle

import (
	"bytes"
	"fmt"
	"reflect"
	"testing"

	"github.com/anchornet/anchord/src/crypto"
)

func testLeaves(n int) [][]byte {
	leaves := make([][]byte, n)
	for i := 0; i < n; i++ {
		leaves[i] = crypto.SHA256([]byte(fmt.Sprintf("leaf %d", i)))
	}
	return leaves
}

func TestNewTreeNoLeaves(t *testing.T) {
	if _, err := NewTree(nil); err == nil {
		t.Fatal("expected error building tree over zero leaves")
	}
}

func TestSingleLeafTree(t *testing.T) {
	leaves := testLeaves(1)

	tree, err := NewTree(leaves)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(tree.Root(), leaves[0]) {
		t.Fatalf("single-leaf root should be the leaf itself")
	}

	proof, err := tree.Proof(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(proof) != 0 {
		t.Fatalf("single-leaf proof should be empty, got %d steps", len(proof))
	}
	if !Verify(leaves[0], proof, tree.Root()) {
		t.Fatal("single-leaf proof did not verify")
	}
}

func TestTreeOddLeafPromotion(t *testing.T) {
	leaves := testLeaves(3)

	tree, err := NewTree(leaves)
	if err != nil {
		t.Fatal(err)
	}

	// With the carry-up policy, root = H(H(l0,l1), l2)
	expected := crypto.SimpleHashFromTwoHashes(
		crypto.SimpleHashFromTwoHashes(leaves[0], leaves[1]),
		leaves[2],
	)

	if !bytes.Equal(tree.Root(), expected) {
		t.Fatalf("odd node was not promoted unchanged.\nroot     = %X\nexpected = %X",
			tree.Root(), expected)
	}

	// leaf 2 carries up once, so its proof has a single step
	proof, err := tree.Proof(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(proof) != 1 {
		t.Fatalf("expected 1 proof step for promoted leaf, got %d", len(proof))
	}
	if !proof[0].Left {
		t.Fatal("promoted leaf's only sibling should be on the left")
	}
}

func TestProofRoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 9, 100} {
		leaves := testLeaves(n)

		tree, err := NewTree(leaves)
		if err != nil {
			t.Fatal(err)
		}

		for i := 0; i < n; i++ {
			proof, err := tree.Proof(i)
			if err != nil {
				t.Fatal(err)
			}
			if !Verify(leaves[i], proof, tree.Root()) {
				t.Fatalf("n=%d: proof for leaf %d did not fold back to the root", n, i)
			}
		}
	}
}

func TestProofRejectsWrongLeaf(t *testing.T) {
	leaves := testLeaves(8)

	tree, _ := NewTree(leaves)

	proof, _ := tree.Proof(3)

	if Verify(leaves[4], proof, tree.Root()) {
		t.Fatal("proof for leaf 3 verified against leaf 4")
	}
}

func TestTreeIdempotence(t *testing.T) {
	leaves := testLeaves(13)

	t1, err := NewTree(leaves)
	if err != nil {
		t.Fatal(err)
	}
	t2, err := NewTree(leaves)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(t1.Root(), t2.Root()) {
		t.Fatal("same leaves produced different roots")
	}

	for i := 0; i < len(leaves); i++ {
		p1, _ := t1.Proof(i)
		p2, _ := t2.Proof(i)
		if !reflect.DeepEqual(p1, p2) {
			t.Fatalf("same leaves produced different proofs for leaf %d", i)
		}
	}
}

func TestProofIndexOutOfRange(t *testing.T) {
	tree, _ := NewTree(testLeaves(4))

	if _, err := tree.Proof(-1); err == nil {
		t.Fatal("expected error for negative index")
	}
	if _, err := tree.Proof(4); err == nil {
		t.Fatal("expected error for index past last leaf")
	}
}
