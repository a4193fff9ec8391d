package crypto

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2s"
)

// proofIDTag is the 8-byte personalization tag keyed into the BLAKE2s digest
// that is embedded in the node field of every proof id. Both this node and
// the upstream Cores derive proof ids with the same scheme, so a receipt
// whose embedded digest does not match the submitted hash can be rejected
// without a round-trip.
const proofIDTag = "AnchorPf"

// embeddedDigestLen is the number of digest bytes that fit in the UUID node
// field after the 0x01 marker byte.
const embeddedDigestLen = 5

// EmbeddedDigest computes the truncated keyed BLAKE2s digest over the
// timestamp and hash that a well-formed proof id must carry in its node
// field. The input layout is tsMillis (8 bytes big-endian), the length of
// that timestamp encoding, the hash, and the hash length.
func EmbeddedDigest(tsMillis int64, hash []byte) []byte {
	h, err := blake2s.New256([]byte(proofIDTag))
	if err != nil {
		// only fails for oversized keys; the tag is a constant
		panic(err)
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(tsMillis))

	h.Write(ts[:])
	h.Write([]byte{byte(len(ts))})
	h.Write(hash)
	h.Write([]byte{byte(len(hash))})

	return h.Sum(nil)[:embeddedDigestLen]
}

// NewProofID generates a UUIDv1 proof id for the given hash. The node field
// of the UUID is replaced with 0x01 followed by the truncated embedded digest
// so that the id is self-authenticating with respect to the hash.
func NewProofID(hash []byte) (uuid.UUID, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.Nil, err
	}

	digest := EmbeddedDigest(UUIDTimeMillis(id), hash)

	id[10] = 0x01
	copy(id[11:], digest)

	return id, nil
}

// UUIDTimeMillis extracts the UUIDv1 time component as milliseconds since
// the Unix epoch.
func UUIDTimeMillis(id uuid.UUID) int64 {
	sec, nsec := id.Time().UnixTime()
	return sec*1000 + nsec/int64(1000000)
}

// VerifyProofID checks that id is a version-1 UUID whose node field embeds
// the expected digest for hash at the id's own timestamp.
func VerifyProofID(id uuid.UUID, hash []byte) bool {
	if id.Version() != 1 {
		return false
	}

	if id[10] != 0x01 {
		return false
	}

	digest := EmbeddedDigest(UUIDTimeMillis(id), hash)

	return bytes.Equal(id[11:11+embeddedDigestLen], digest)
}
