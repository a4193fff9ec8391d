package crypto

import (
	"testing"
	"time"
)

func TestProofIDRoundTrip(t *testing.T) {
	hash := SHA256([]byte("a submitted hash"))

	id, err := NewProofID(hash)
	if err != nil {
		t.Fatal(err)
	}

	if id.Version() != 1 {
		t.Fatalf("expected version-1 UUID, got version %d", id.Version())
	}

	if !VerifyProofID(id, hash) {
		t.Fatal("freshly generated proof id failed verification")
	}
}

func TestProofIDTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second).UnixNano() / int64(time.Millisecond)

	id, err := NewProofID(SHA256([]byte("x")))
	if err != nil {
		t.Fatal(err)
	}

	after := time.Now().Add(time.Second).UnixNano() / int64(time.Millisecond)

	ts := UUIDTimeMillis(id)
	if ts < before || ts > after {
		t.Fatalf("proof id timestamp %d outside [%d,%d]", ts, before, after)
	}
}

func TestVerifyProofIDRejectsWrongHash(t *testing.T) {
	id, err := NewProofID(SHA256([]byte("hash A")))
	if err != nil {
		t.Fatal(err)
	}

	if VerifyProofID(id, SHA256([]byte("hash B"))) {
		t.Fatal("proof id for hash A verified against hash B")
	}
}

func TestVerifyProofIDRejectsTamperedDigest(t *testing.T) {
	hash := SHA256([]byte("a submitted hash"))

	id, err := NewProofID(hash)
	if err != nil {
		t.Fatal(err)
	}

	tampered := id
	tampered[12] ^= 0xff

	if VerifyProofID(tampered, hash) {
		t.Fatal("tampered proof id passed verification")
	}
}

func TestVerifyProofIDRejectsWrongMarker(t *testing.T) {
	hash := SHA256([]byte("a submitted hash"))

	id, err := NewProofID(hash)
	if err != nil {
		t.Fatal(err)
	}

	tampered := id
	tampered[10] = 0x00

	if VerifyProofID(tampered, hash) {
		t.Fatal("proof id without the marker byte passed verification")
	}
}
