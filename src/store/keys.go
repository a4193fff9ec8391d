package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	queuePrefix     = "queue"
	proofPrefix     = "proof"
	proofTimePrefix = "prooftime"
	genericPrefix   = "kv"
)

/*
Queue keys are time-prefixed so that a lexicographic range scan up to "now"
yields exactly the due set. The millisecond timestamp is zero-padded to 13
digits, which keeps lexicographic order aligned with numeric order; the
random suffix disambiguates same-millisecond insertions.
*/

func queueKey(tsMillis int64, suffix string) []byte {
	return []byte(fmt.Sprintf("%s_%013d_%s", queuePrefix, tsMillis, suffix))
}

func queueKeyTime(key []byte) (int64, error) {
	parts := strings.SplitN(string(key), "_", 3)
	if len(parts) != 3 || parts[0] != queuePrefix {
		return 0, fmt.Errorf("malformed queue key %q", string(key))
	}
	return strconv.ParseInt(parts[1], 10, 64)
}

func proofKey(proofID string) []byte {
	return []byte(fmt.Sprintf("%s_%s", proofPrefix, proofID))
}

func proofTimeKey(tsMillis int64, proofID string) []byte {
	return []byte(fmt.Sprintf("%s_%013d_%s", proofTimePrefix, tsMillis, proofID))
}

func proofTimeKeyParts(key []byte) (int64, string, error) {
	parts := strings.SplitN(string(key), "_", 3)
	if len(parts) != 3 || parts[0] != proofTimePrefix {
		return 0, "", fmt.Errorf("malformed proof time key %q", string(key))
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	return ts, parts[2], err
}

func genericKey(key string) []byte {
	return []byte(fmt.Sprintf("%s_%s", genericPrefix, key))
}

func randomSuffix() string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
