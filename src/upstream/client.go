package upstream

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/anchornet/anchord/src/crypto"
)

// Config groups the upstream client settings.
type Config struct {
	// Targets is the list of Core addresses, in priority order.
	Targets []string

	// SubmitTimeout bounds each attempt of the initial, uncredentialed
	// submission.
	SubmitTimeout time.Duration

	// ResubmitTimeout bounds each attempt of the credentialed resubmission,
	// which may legitimately stall until payment clears.
	ResubmitTimeout time.Duration

	// QueryTimeout bounds proof, status and calendar queries.
	QueryTimeout time.Duration

	// SubmitRetry is the retry budget for initial submissions and queries.
	SubmitRetry RetryPolicy

	// ResubmitRetry is the larger retry budget for credentialed
	// resubmissions.
	ResubmitRetry RetryPolicy

	// InvoiceCeiling is the maximum invoice amount, in satoshis, the client
	// will pay. Challenges above it cause the target to be skipped.
	InvoiceCeiling int64

	// TxCacheTTL is the expiry of the calendar-transaction cache.
	TxCacheTTL time.Duration
}

// DefaultConfig ...
func DefaultConfig() *Config {
	return &Config{
		SubmitTimeout:   5 * time.Second,
		ResubmitTimeout: 30 * time.Second,
		QueryTimeout:    10 * time.Second,
		SubmitRetry:     RetryPolicy{Attempts: 3, Interval: 500 * time.Millisecond, Factor: 1, Jitter: 0.5},
		ResubmitRetry:   RetryPolicy{Attempts: 10, Interval: 5 * time.Second, Factor: 1, Jitter: 0.5},
		InvoiceCeiling:  50,
		TxCacheTTL:      2 * time.Hour,
	}
}

// Client manages outbound communication with the configured Cores: hash
// submission with payment-challenge handling, proof queries, and cached
// calendar-transaction lookups.
type Client struct {
	conf       *Config
	payer      Payer
	key        *ecdsa.PrivateKey
	httpClient *http.Client
	txCache    *gocache.Cache
	logger     *logrus.Entry
}

// NewClient returns a Client. The key signs submitted roots and may be nil,
// in which case submissions are unsigned.
func NewClient(conf *Config, payer Payer, key *ecdsa.PrivateKey, logger *logrus.Entry) *Client {
	return &Client{
		conf:       conf,
		payer:      payer,
		key:        key,
		httpClient: &http.Client{},
		txCache:    gocache.New(conf.TxCacheTTL, 10*time.Minute),
		logger:     logger,
	}
}

func baseURL(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return "http://" + target
}

//==============================================================================
// Hash submission

// SubmitHash submits the root hash to every configured Core and returns the
// integrity-validated receipts. Per-target failures are logged and skipped;
// an error is returned only when no Core produced a valid receipt.
func (c *Client) SubmitHash(root []byte) ([]Receipt, error) {
	receipts := []Receipt{}

	for _, target := range c.conf.Targets {
		receipt, err := c.submitToTarget(target, root)
		if err != nil {
			c.logger.WithError(err).WithField("core", target).Warning("Submitting hash to core")
			continue
		}
		receipts = append(receipts, *receipt)
	}

	if len(receipts) == 0 {
		return nil, fmt.Errorf("no core accepted the hash submission")
	}

	return receipts, nil
}

func (c *Client) submitToTarget(target string, root []byte) (*Receipt, error) {
	// a Core that is still catching up on its calendar would accept the
	// hash but lag anchoring it; an unavailable status endpoint is left
	// for the submission itself to handle
	if status, err := c.GetStatus(target); err != nil {
		c.logger.WithError(err).WithField("core", target).Debug("Core status unavailable")
	} else if status.SyncInfo.CatchingUp {
		return nil, fmt.Errorf("core is catching up")
	}

	outcome, err := c.postHash(target, root, "", c.conf.SubmitRetry, c.conf.SubmitTimeout)
	if err != nil {
		return nil, err
	}

	if outcome.challenge != nil {
		challenge := outcome.challenge

		if challenge.Amount > c.conf.InvoiceCeiling {
			return nil, fmt.Errorf("invoice amount %d exceeds ceiling %d",
				challenge.Amount, c.conf.InvoiceCeiling)
		}

		c.payAsync(target, challenge)

		outcome, err = c.postHash(target, root, challenge.PaymentHash,
			c.conf.ResubmitRetry, c.conf.ResubmitTimeout)
		if err != nil {
			return nil, err
		}
		if outcome.challenge != nil {
			return nil, fmt.Errorf("core demanded payment twice")
		}
	}

	proofID, err := uuid.Parse(outcome.receipt.ProofID)
	if err != nil {
		return nil, fmt.Errorf("unparseable proof id %q: %v", outcome.receipt.ProofID, err)
	}

	if !crypto.VerifyProofID(proofID, root) {
		return nil, fmt.Errorf("receipt %s failed the embedded-digest check", proofID)
	}

	return &Receipt{IP: target, ProofID: proofID, Hash: root}, nil
}

// payAsync settles the invoice on a detached goroutine. The submission
// result never waits on it; a payment failure is captured here and logged.
func (c *Client) payAsync(target string, challenge *Challenge) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.conf.ResubmitTimeout)
		defer cancel()

		if err := c.payer.PayInvoice(ctx, challenge.PaymentRequest); err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"core":         target,
				"payment_hash": challenge.PaymentHash,
			}).Error("Paying core invoice")
		}
	}()
}

type submitOutcome struct {
	receipt   *hashResponse
	challenge *Challenge
}

// postHash POSTs the hash to the target's /hash endpoint with the given
// retry budget. An auth token, when set, is presented as proof of payment;
// a 402 in that mode means payment is still pending upstream and is
// retried. Responses with other 4xx statuses are permanent errors.
func (c *Client) postHash(target string, root []byte, auth string, policy RetryPolicy, timeout time.Duration) (*submitOutcome, error) {
	reqBody := hashRequest{Hash: hex.EncodeToString(root)}

	if c.key != nil {
		r, s, err := crypto.Sign(c.key, root)
		if err != nil {
			return nil, err
		}
		reqBody.Signature = crypto.EncodeSignature(r, s)
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	op := func() (*submitOutcome, error) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			baseURL(target)+"/hash", bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if auth != "" {
			req.Header.Set("Authorization", challengeScheme+" "+auth)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			receipt := new(hashResponse)
			if err := json.NewDecoder(resp.Body).Decode(receipt); err != nil {
				return nil, backoff.Permanent(err)
			}
			return &submitOutcome{receipt: receipt}, nil

		case resp.StatusCode == http.StatusPaymentRequired:
			if auth != "" {
				// payment has not cleared upstream yet
				return nil, fmt.Errorf("core still waiting for payment")
			}
			challenge, err := ParseChallenge(resp.Header.Get("WWW-Authenticate"))
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			return &submitOutcome{challenge: challenge}, nil

		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("core returned status %d", resp.StatusCode)

		default:
			return nil, backoff.Permanent(fmt.Errorf("core returned status %d", resp.StatusCode))
		}
	}

	return backoff.RetryWithData(op, policy.backOff())
}

//==============================================================================
// Queries

// getJSON GETs path from the target and decodes the response into out, with
// the standard query retry budget.
func (c *Client) getJSON(target string, path string, out interface{}) error {
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), c.conf.QueryTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(target)+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(err)
			}
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("core returned status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("core returned status %d", resp.StatusCode))
		}
	}

	return backoff.Retry(op, c.conf.SubmitRetry.backOff())
}

// GetProofs queries one Core for the given proof ids in a single batched
// request.
func (c *Client) GetProofs(ip string, proofIDs []string) ([]ProofResponse, error) {
	res := []ProofResponse{}

	path := "/proofs?proofids=" + url.QueryEscape(strings.Join(proofIDs, ","))
	if err := c.getJSON(ip, path, &res); err != nil {
		return nil, err
	}

	return res, nil
}

// GetStatus queries one Core's status endpoint.
func (c *Client) GetStatus(ip string) (*StatusResponse, error) {
	status := new(StatusResponse)
	if err := c.getJSON(ip, "/status", status); err != nil {
		return nil, err
	}
	return status, nil
}

// GetTransaction returns the calendar transaction with the given id. Results
// are served from a TTL cache; on a miss, each Core is tried in priority
// order and the first non-empty result wins. If every Core fails, the last
// error is returned.
func (c *Client) GetTransaction(txID string) (map[string]interface{}, error) {
	if cached, ok := c.txCache.Get(txID); ok {
		return cached.(map[string]interface{}), nil
	}

	var lastErr error

	for _, target := range c.conf.Targets {
		tx := map[string]interface{}{}
		if err := c.getJSON(target, "/calendar/"+txID, &tx); err != nil {
			lastErr = err
			continue
		}
		if len(tx) == 0 {
			lastErr = fmt.Errorf("core %s returned an empty transaction", target)
			continue
		}

		c.txCache.SetDefault(txID, tx)
		return tx, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no cores configured")
	}

	return nil, lastErr
}
