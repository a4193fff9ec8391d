package store

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"testing"
	"time"

	cm "github.com/anchornet/anchord/src/common"
	"github.com/anchornet/anchord/src/crypto"
	"github.com/anchornet/anchord/src/merkle"
)

func initStore(t *testing.T) *Store {
	os.RemoveAll("test_data")
	os.Mkdir("test_data", os.ModeDir|0777)

	dir, err := ioutil.TempDir("test_data", "badger")
	if err != nil {
		log.Fatal(err)
	}

	store, err := NewStore(dir, cm.NewTestEntry(t, "store"))
	if err != nil {
		t.Fatal(err)
	}

	return store
}

func removeStore(store *Store, t *testing.T) {
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(store.path); err != nil {
		t.Fatal(err)
	}
}

func testIncomingHash(i int, t *testing.T) IncomingHash {
	hash := crypto.SHA256([]byte(fmt.Sprintf("incoming %d", i)))

	id, err := crypto.NewProofID(hash)
	if err != nil {
		t.Fatal(err)
	}

	return IncomingHash{ID: id.String(), Hash: hash}
}

func TestQueueDrainBoundary(t *testing.T) {
	store := initStore(t)
	defer removeStore(store, t)

	base := time.Now().UnixNano() / int64(time.Millisecond)

	due := []IncomingHash{}
	for i := 0; i < 5; i++ {
		item := testIncomingHash(i, t)
		due = append(due, item)
		if err := store.addIncomingHashesAt(base+int64(i), []IncomingHash{item}); err != nil {
			t.Fatal(err)
		}
	}

	// these sit past the drain boundary
	for i := 5; i < 8; i++ {
		item := testIncomingHash(i, t)
		if err := store.addIncomingHashesAt(base+int64(1000+i), []IncomingHash{item}); err != nil {
			t.Fatal(err)
		}
	}

	maxTs := time.Unix(0, (base+4)*int64(time.Millisecond))

	items, deleteOps, err := store.GetDueIncomingHashes(maxTs)
	if err != nil {
		t.Fatal(err)
	}

	if len(items) != 5 {
		t.Fatalf("expected 5 due hashes, got %d", len(items))
	}
	if len(deleteOps) != 5 {
		t.Fatalf("expected 5 delete ops, got %d", len(deleteOps))
	}

	for i, item := range items {
		if item.ID != due[i].ID {
			t.Fatalf("due item %d: got id %s, want %s", i, item.ID, due[i].ID)
		}
		if !bytes.Equal(item.Hash, due[i].Hash) {
			t.Fatalf("due item %d: hash mismatch", i)
		}
	}
}

func TestQueuePurge(t *testing.T) {
	store := initStore(t)
	defer removeStore(store, t)

	for i := 0; i < 3; i++ {
		if err := store.AddIncomingHash(testIncomingHash(i, t)); err != nil {
			t.Fatal(err)
		}
	}

	items, deleteOps, err := store.GetDueIncomingHashes(time.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 due hashes, got %d", len(items))
	}

	if err := store.DeleteBatch(deleteOps); err != nil {
		t.Fatal(err)
	}

	items, _, err = store.GetDueIncomingHashes(time.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty queue after purge, got %d items", len(items))
	}
}

func testProofStateItem(i int, submitID string, t *testing.T) ProofStateItem {
	hash := crypto.SHA256([]byte(fmt.Sprintf("proof state %d", i)))

	id, err := crypto.NewProofID(hash)
	if err != nil {
		t.Fatal(err)
	}

	return ProofStateItem{
		ProofID: id.String(),
		Hash:    hash,
		ProofState: []merkle.ProofStep{
			{Left: true, Sibling: crypto.SHA256([]byte("sibling"))},
		},
		Submission: Submission{
			SubmitID: submitID,
			Cores: []CoreReceipt{
				{IP: "10.0.0.1", ProofID: id.String()},
			},
		},
	}
}

func TestProofStateRoundTrip(t *testing.T) {
	store := initStore(t)
	defer removeStore(store, t)

	submitID, _ := crypto.NewProofID([]byte("submit"))

	items := []ProofStateItem{}
	for i := 0; i < 10; i++ {
		items = append(items, testProofStateItem(i, submitID.String(), t))
	}

	if err := store.SaveProofStateBatch(items); err != nil {
		t.Fatal(err)
	}

	for _, want := range items {
		got, err := store.GetProofState(want.ProofID)
		if err != nil {
			t.Fatal(err)
		}
		if got.ProofID != want.ProofID {
			t.Fatalf("proof id mismatch: got %s, want %s", got.ProofID, want.ProofID)
		}
		if !bytes.Equal(got.Hash, want.Hash) {
			t.Fatal("hash mismatch after round trip")
		}
		if len(got.ProofState) != 1 || !got.ProofState[0].Left {
			t.Fatal("proof state mismatch after round trip")
		}
		if got.Submission.SubmitID != submitID.String() {
			t.Fatal("submit id mismatch after round trip")
		}
	}
}

func TestGetProofStateNotFound(t *testing.T) {
	store := initStore(t)
	defer removeStore(store, t)

	_, err := store.GetProofState("00000000-0000-1000-8000-000000000000")
	if !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound store error, got %v", err)
	}
}

func TestPruneProofState(t *testing.T) {
	store := initStore(t)
	defer removeStore(store, t)

	submitID, _ := crypto.NewProofID([]byte("submit"))

	old := []ProofStateItem{}
	for i := 0; i < 4; i++ {
		old = append(old, testProofStateItem(i, submitID.String(), t))
	}
	if err := store.SaveProofStateBatch(old); err != nil {
		t.Fatal(err)
	}

	// everything written so far is older than the cutoff
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(10 * time.Millisecond)

	fresh := testProofStateItem(99, submitID.String(), t)
	if err := store.SaveProofStateBatch([]ProofStateItem{fresh}); err != nil {
		t.Fatal(err)
	}

	n, err := store.PruneProofStateBefore(cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("expected 4 pruned items, got %d", n)
	}

	for _, item := range old {
		if _, err := store.GetProofState(item.ProofID); !cm.IsStore(err, cm.KeyNotFound) {
			t.Fatalf("expected pruned item %s to be gone, got %v", item.ProofID, err)
		}
	}

	if _, err := store.GetProofState(fresh.ProofID); err != nil {
		t.Fatalf("fresh item should survive pruning: %v", err)
	}
}

func TestGenericGetSet(t *testing.T) {
	store := initStore(t)
	defer removeStore(store, t)

	if err := store.Set("hash_count", []byte("42")); err != nil {
		t.Fatal(err)
	}

	val, err := store.Get("hash_count")
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "42" {
		t.Fatalf("got %q, want %q", string(val), "42")
	}

	if _, err := store.Get("missing"); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound store error, got %v", err)
	}
}
