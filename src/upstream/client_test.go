package upstream

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	cm "github.com/anchornet/anchord/src/common"
	"github.com/anchornet/anchord/src/crypto"
)

func testConfig(targets ...string) *Config {
	conf := DefaultConfig()
	conf.Targets = targets
	conf.SubmitTimeout = time.Second
	conf.ResubmitTimeout = time.Second
	conf.QueryTimeout = time.Second
	conf.SubmitRetry = RetryPolicy{Attempts: 3, Interval: 10 * time.Millisecond, Factor: 1, Jitter: 0}
	conf.ResubmitRetry = RetryPolicy{Attempts: 3, Interval: 10 * time.Millisecond, Factor: 1, Jitter: 0}
	return conf
}

func testClient(t *testing.T, conf *Config) *Client {
	return NewClient(conf, NewLogPayer(cm.NewTestEntry(t, "payer")), nil, cm.NewTestEntry(t, "upstream"))
}

// writeReceipt responds with a well-formed receipt whose proof id embeds the
// digest of the submitted hash.
func writeReceipt(w http.ResponseWriter, r *http.Request, t *testing.T) {
	req := hashRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("decoding hash request: %v", err)
		return
	}

	hash, err := hex.DecodeString(req.Hash)
	if err != nil {
		t.Errorf("decoding submitted hash: %v", err)
		return
	}

	id, err := crypto.NewProofID(hash)
	if err != nil {
		t.Errorf("generating proof id: %v", err)
		return
	}

	json.NewEncoder(w).Encode(hashResponse{ProofID: id.String(), Hash: req.Hash})
}

// writeHealthyStatus responds as a Core that is fully caught up.
func writeHealthyStatus(w http.ResponseWriter) {
	json.NewEncoder(w).Encode(StatusResponse{})
}

func newFakeCore(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			writeHealthyStatus(w)
			return
		}
		writeReceipt(w, r, t)
	}))
}

func TestSubmitHashAllCores(t *testing.T) {
	core1 := newFakeCore(t)
	defer core1.Close()
	core2 := newFakeCore(t)
	defer core2.Close()

	client := testClient(t, testConfig(core1.URL, core2.URL))

	root := crypto.SHA256([]byte("root"))

	receipts, err := client.SubmitHash(root)
	if err != nil {
		t.Fatal(err)
	}

	if len(receipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(receipts))
	}
	if receipts[0].IP != core1.URL || receipts[1].IP != core2.URL {
		t.Fatal("receipts not attributed to their cores")
	}
}

func TestSubmitHashPartialOutage(t *testing.T) {
	core1 := newFakeCore(t)
	defer core1.Close()
	core2 := newFakeCore(t)
	defer core2.Close()

	dead := httptest.NewServer(nil)
	dead.Close() // network error for this target

	client := testClient(t, testConfig(core1.URL, dead.URL, core2.URL))

	receipts, err := client.SubmitHash(crypto.SHA256([]byte("root")))
	if err != nil {
		t.Fatal(err)
	}

	if len(receipts) != 2 {
		t.Fatalf("expected 2 receipts with one core down, got %d", len(receipts))
	}
}

func TestSubmitHashIntegrityRejection(t *testing.T) {
	// this core mints receipts bound to a different hash
	rogue := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := crypto.NewProofID(crypto.SHA256([]byte("some other hash")))
		json.NewEncoder(w).Encode(hashResponse{ProofID: id.String()})
	}))
	defer rogue.Close()

	client := testClient(t, testConfig(rogue.URL))

	if _, err := client.SubmitHash(crypto.SHA256([]byte("root"))); err == nil {
		t.Fatal("expected submit to fail when the only receipt is fabricated")
	}
}

type recordingPayer struct {
	paid chan string
}

func (p *recordingPayer) PayInvoice(ctx context.Context, paymentRequest string) error {
	p.paid <- paymentRequest
	return nil
}

func TestSubmitHashPaymentChallenge(t *testing.T) {
	core := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.Header().Set("WWW-Authenticate",
				`HODL invoice="lnbc200n1test", payment_hash="ab12cd", amount="20"`)
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		if r.Header.Get("Authorization") != "HODL ab12cd" {
			t.Errorf("unexpected Authorization header %q", r.Header.Get("Authorization"))
		}
		writeReceipt(w, r, t)
	}))
	defer core.Close()

	payer := &recordingPayer{paid: make(chan string, 1)}
	client := NewClient(testConfig(core.URL), payer, nil, cm.NewTestEntry(t, "upstream"))

	receipts, err := client.SubmitHash(crypto.SHA256([]byte("root")))
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(receipts))
	}

	select {
	case payreq := <-payer.paid:
		if payreq != "lnbc200n1test" {
			t.Fatalf("paid wrong invoice %q", payreq)
		}
	case <-time.After(time.Second):
		t.Fatal("invoice was never paid")
	}
}

func TestSubmitHashInvoiceCeiling(t *testing.T) {
	core := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate",
			`HODL invoice="lnbc9000n1test", payment_hash="ab12cd", amount="9000"`)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer core.Close()

	payer := &recordingPayer{paid: make(chan string, 1)}
	client := NewClient(testConfig(core.URL), payer, nil, cm.NewTestEntry(t, "upstream"))

	if _, err := client.SubmitHash(crypto.SHA256([]byte("root"))); err == nil {
		t.Fatal("expected submit to fail when the invoice exceeds the ceiling")
	}

	if len(payer.paid) != 0 {
		t.Fatal("over-ceiling invoice must not be paid")
	}
}

func TestSubmitHashRetriesServerErrors(t *testing.T) {
	var calls int32

	core := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			writeHealthyStatus(w)
			return
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeReceipt(w, r, t)
	}))
	defer core.Close()

	client := testClient(t, testConfig(core.URL))

	receipts, err := client.SubmitHash(crypto.SHA256([]byte("root")))
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 {
		t.Fatalf("expected 1 receipt after retries, got %d", len(receipts))
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestSubmitHashNoRetryOnClientError(t *testing.T) {
	var calls int32

	core := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			writeHealthyStatus(w)
			return
		}
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer core.Close()

	client := testClient(t, testConfig(core.URL))

	if _, err := client.SubmitHash(crypto.SHA256([]byte("root"))); err == nil {
		t.Fatal("expected submit to fail on 400")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("4xx must not be retried; got %d attempts", got)
	}
}

func TestSubmitHashSkipsCatchingUpCore(t *testing.T) {
	var hashCalls int32

	lagging := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			status := StatusResponse{}
			status.SyncInfo.CatchingUp = true
			json.NewEncoder(w).Encode(status)
			return
		}
		atomic.AddInt32(&hashCalls, 1)
		writeReceipt(w, r, t)
	}))
	defer lagging.Close()

	healthy := newFakeCore(t)
	defer healthy.Close()

	client := testClient(t, testConfig(lagging.URL, healthy.URL))

	receipts, err := client.SubmitHash(crypto.SHA256([]byte("root")))
	if err != nil {
		t.Fatal(err)
	}

	if len(receipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(receipts))
	}
	if receipts[0].IP != healthy.URL {
		t.Fatal("receipt not attributed to the healthy core")
	}
	if got := atomic.LoadInt32(&hashCalls); got != 0 {
		t.Fatalf("a catching-up core must not receive the hash; got %d submissions", got)
	}
}

func TestGetStatus(t *testing.T) {
	core := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprintf(w, `{"network":"mainnet","sync_info":{"catching_up":true},"uris":["http://10.0.0.1"]}`)
	}))
	defer core.Close()

	client := testClient(t, testConfig(core.URL))

	status, err := client.GetStatus(core.URL)
	if err != nil {
		t.Fatal(err)
	}
	if status.Network != "mainnet" {
		t.Fatalf("unexpected network %q", status.Network)
	}
	if !status.SyncInfo.CatchingUp {
		t.Fatal("catching_up not decoded")
	}
	if len(status.URIs) != 1 {
		t.Fatalf("expected 1 uri, got %d", len(status.URIs))
	}
}

func TestParseChallenge(t *testing.T) {
	challenge, err := ParseChallenge(
		`HODL invoice="lnbc200n1test", payment_hash="ab12cd", amount="20"`)
	if err != nil {
		t.Fatal(err)
	}
	if challenge.PaymentRequest != "lnbc200n1test" {
		t.Fatalf("bad payment request %q", challenge.PaymentRequest)
	}
	if challenge.PaymentHash != "ab12cd" {
		t.Fatalf("bad payment hash %q", challenge.PaymentHash)
	}
	if challenge.Amount != 20 {
		t.Fatalf("bad amount %d", challenge.Amount)
	}

	bad := []string{
		"",
		`Basic dXNlcjpwYXNz`,
		`HODL amount="20"`,
		`HODL invoice="x", payment_hash="y", amount="many"`,
	}
	for _, header := range bad {
		if _, err := ParseChallenge(header); err == nil {
			t.Fatalf("expected error parsing %q", header)
		}
	}
}

func TestGetProofs(t *testing.T) {
	core := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proofs" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]ProofResponse{
			{ProofID: "id-1", Proof: map[string]interface{}{"type": "Chainpoint"}},
			{ProofID: "id-2", Proof: nil},
		})
	}))
	defer core.Close()

	client := testClient(t, testConfig(core.URL))

	proofs, err := client.GetProofs(core.URL, []string{"id-1", "id-2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(proofs) != 2 {
		t.Fatalf("expected 2 proof responses, got %d", len(proofs))
	}
	if proofs[0].Proof == nil || proofs[1].Proof != nil {
		t.Fatal("proof payloads not decoded as expected")
	}
}

func TestGetTransactionFallbackAndCache(t *testing.T) {
	var goodCalls int32

	badCore := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer badCore.Close()

	goodCore := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&goodCalls, 1)
		fmt.Fprintf(w, `{"hash":"deadbeef","height":42}`)
	}))
	defer goodCore.Close()

	client := testClient(t, testConfig(badCore.URL, goodCore.URL))

	tx, err := client.GetTransaction("tx1")
	if err != nil {
		t.Fatal(err)
	}
	if tx["hash"] != "deadbeef" {
		t.Fatalf("unexpected transaction %v", tx)
	}

	// second lookup is served from the cache
	if _, err := client.GetTransaction("tx1"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&goodCalls); got != 1 {
		t.Fatalf("expected 1 upstream call, got %d", got)
	}
}

func TestGetTransactionAllCoresFail(t *testing.T) {
	badCore := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer badCore.Close()

	client := testClient(t, testConfig(badCore.URL))

	if _, err := client.GetTransaction("tx1"); err == nil {
		t.Fatal("expected error when every core fails")
	}
}
