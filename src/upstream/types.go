package upstream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Receipt is the validated result of submitting a root hash to one Core.
type Receipt struct {
	IP      string
	ProofID uuid.UUID
	Hash    []byte
}

// Challenge is a parsed payment-required challenge, as carried by the
// WWW-Authenticate header of a 402 response.
type Challenge struct {
	// PaymentRequest is the encoded invoice to settle.
	PaymentRequest string

	// PaymentHash identifies the invoice; it is presented back to the Core
	// as proof of payment.
	PaymentHash string

	// Amount is the invoice amount in satoshis.
	Amount int64
}

// challengeScheme is the auth scheme used by Cores for hold-invoice
// challenges.
const challengeScheme = "HODL"

// ParseChallenge parses a WWW-Authenticate header of the form
//
//	HODL invoice="<payreq>", payment_hash="<hex>", amount="<satoshis>"
//
// The key="value" pairs are order-insensitive.
func ParseChallenge(header string) (*Challenge, error) {
	if header == "" {
		return nil, fmt.Errorf("empty payment challenge header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != challengeScheme {
		return nil, fmt.Errorf("unsupported payment challenge scheme in %q", header)
	}

	challenge := &Challenge{}

	for _, pair := range strings.Split(parts[1], ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed challenge pair %q", pair)
		}

		val := strings.Trim(kv[1], `"`)

		switch kv[0] {
		case "invoice":
			challenge.PaymentRequest = val
		case "payment_hash":
			challenge.PaymentHash = val
		case "amount":
			amount, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed challenge amount %q", val)
			}
			challenge.Amount = amount
		}
	}

	if challenge.PaymentRequest == "" || challenge.PaymentHash == "" {
		return nil, fmt.Errorf("incomplete payment challenge %q", header)
	}

	return challenge, nil
}

// hashRequest is the JSON body of a hash submission.
type hashRequest struct {
	Hash      string `json:"hash"`
	Signature string `json:"signature,omitempty"`
}

// hashResponse is the JSON body of a successful hash submission.
type hashResponse struct {
	ProofID         string            `json:"proof_id"`
	Hash            string            `json:"hash"`
	ProcessingHints map[string]string `json:"processing_hints,omitempty"`
}

// ProofResponse is one element of a Core's reply to a proof query. A nil
// Proof means the Core knows the id but has not completed the proof yet.
type ProofResponse struct {
	ProofID string      `json:"proof_id"`
	Proof   interface{} `json:"proof"`
}

// StatusResponse is a Core's reply to a status query.
type StatusResponse struct {
	Network  string `json:"network"`
	SyncInfo struct {
		CatchingUp bool `json:"catching_up"`
	} `json:"sync_info"`
	URIs []string `json:"uris"`
}
