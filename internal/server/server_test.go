package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"offramp/internal/catalog"
	"offramp/internal/config"
	"offramp/internal/deadletter"
	"offramp/internal/domain"
	"offramp/internal/escrow"
	"offramp/internal/idempotency"
	"offramp/internal/keylock"
	"offramp/internal/metrics"
	"offramp/internal/quote"
	"offramp/internal/settlement"
	"offramp/internal/store"
)

const (
	apiSecret    = "api-secret"
	payoutSecret = "payout-secret"
)

type testServer struct {
	srv     *Server
	gateway *escrow.MemoryGateway
	dlqDir  string
}

func newTestServer(t *testing.T, opts ...func(*config.AppConfig)) *testServer {
	t.Helper()
	cfg := &config.AppConfig{
		Seed: config.SeedConfig{
			Secrets: config.Secrets{
				APIHMACSecret:       apiSecret,
				PayoutWebhookSecret: payoutSecret,
			},
		},
		Service: config.ServiceConfig{
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	cat, err := catalog.NewStatic(catalog.DefaultProviders(), catalog.DefaultRates())
	require.NoError(t, err)
	repo := store.NewMemory()
	gateway := escrow.NewMemoryGateway()
	dlqDir := t.TempDir()
	dlq := deadletter.NewQueue(dlqDir)
	m := metrics.NewRegistry()
	locks := keylock.NewLocal()
	engine := quote.NewEngine(cat)

	srv := NewServer(cfg, Deps{
		Catalog:     cat,
		Quotes:      engine,
		Initiator:   settlement.NewInitiator(engine, cat, repo, settlement.InitiatorConfig{Metrics: m}, nil),
		Saga:        settlement.NewSaga(repo, gateway, locks, settlement.SagaConfig{DLQ: dlq, Metrics: m}, nil),
		Query:       settlement.NewQuery(repo),
		Idempotency: idempotency.NewMemoryStore(),
		Locker:      locks,
		DLQ:         dlq,
		Metrics:     m,
	}, nil)
	return &testServer{srv: srv, gateway: gateway, dlqDir: dlqDir}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func signed(secret, sigHeader, tsHeader string, body []byte) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return map[string]string{
		sigHeader: computeSignatureForTest(secret, ts, body),
		tsHeader:  ts,
	}
}

func apiHeaders(body []byte, idemKey string) map[string]string {
	h := signed(apiSecret, "X-Request-Signature", "X-Request-Timestamp", body)
	if idemKey != "" {
		h["X-Idempotency-Key"] = idemKey
	}
	return h
}

func initiateBody(amount string) []byte {
	b, _ := json.Marshal(map[string]any{
		"providerId":     "flutterwave_mock",
		"amountUsdc":     amount,
		"targetCurrency": "NGN",
		"payoutMethod":   "Bank Transfer",
		"payoutDetails":  map[string]string{"account_number": "0123456789", "bank_code": "058"},
		"walletRef":      "wallet-1",
	})
	return b
}

func (ts *testServer) initiate(t *testing.T, key string) domain.Transaction {
	t.Helper()
	body := initiateBody("100")
	rec := ts.do(t, http.MethodPost, "/api/v1/settlements", body, apiHeaders(body, key))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var tx domain.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
	return tx
}

func (ts *testServer) lock(t *testing.T, id string) *httptest.ResponseRecorder {
	t.Helper()
	body := []byte(`{"walletRef":"wallet-1","amountUsdc":"100"}`)
	return ts.do(t, http.MethodPost, "/api/v1/settlements/"+id+"/lock", body, apiHeaders(body, ""))
}

func (ts *testServer) webhook(t *testing.T, id, status string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"transactionId":     id,
		"status":            status,
		"providerReference": "FLW-123",
		"amountPaid":        "150024.00",
		"currency":          "ngn",
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"extra":             "ignored",
	})
	return ts.do(t, http.MethodPost, "/api/v1/webhooks/payout", body,
		signed(payoutSecret, "X-Payout-Signature", "X-Payout-Timestamp", body))
}

func (ts *testServer) status(t *testing.T, id string) domain.Status {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/v1/settlements/"+id, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var tx domain.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
	return tx.Status
}

func TestQuoteEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/quotes",
		[]byte(`{"providerId":"flutterwave_mock","amountUsdc":"100","targetCurrency":"NGN"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var q quote.Quote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	require.Equal(t, "1.3", q.FeeUSDC.String())
	require.Equal(t, "150024.00", q.EstimatedFiat.StringFixed(quote.FiatPlaces))

	cases := []struct {
		body string
		code int
	}{
		{`{"providerId":"nope","amountUsdc":"100","targetCurrency":"NGN"}`, http.StatusNotFound},
		{`{"providerId":"flutterwave_mock","amountUsdc":"100","targetCurrency":"EUR"}`, http.StatusUnprocessableEntity},
		{`{"providerId":"flutterwave_mock","amountUsdc":"5000.01","targetCurrency":"NGN"}`, http.StatusUnprocessableEntity},
		{`{"providerId":"flutterwave_mock","amountUsdc":"9.9999996","targetCurrency":"NGN"}`, http.StatusBadRequest},
		{`{not json`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := ts.do(t, http.MethodPost, "/api/v1/quotes", []byte(tc.body), nil)
		if rec.Code != tc.code {
			t.Fatalf("%s: expected %d got %d", tc.body, tc.code, rec.Code)
		}
	}
}

func TestProviderEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/providers?country=KE&currency=KES", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var providers []catalog.Provider
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &providers))
	require.Len(t, providers, 2)

	rec = ts.do(t, http.MethodGet, "/api/v1/providers?currency=ZAR", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &providers))
	require.Len(t, providers, 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/providers/stellar_anchor_mock", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/v1/providers/unknown", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInitiateIdempotency(t *testing.T) {
	ts := newTestServer(t)
	body := initiateBody("100")

	rec := ts.do(t, http.MethodPost, "/api/v1/settlements", body, apiHeaders(body, "key-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	first := rec.Body.Bytes()

	rec2 := ts.do(t, http.MethodPost, "/api/v1/settlements", body, apiHeaders(body, "key-1"))
	if rec2.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec2.Code)
	}
	if !bytes.Equal(first, rec2.Body.Bytes()) {
		t.Fatalf("expected same response body on idempotent request")
	}
	require.Equal(t, "true", rec2.Header().Get("Idempotent-Replayed"))

	other := initiateBody("200")
	rec3 := ts.do(t, http.MethodPost, "/api/v1/settlements", other, apiHeaders(other, "key-1"))
	require.Equal(t, http.StatusUnprocessableEntity, rec3.Code)

	rec4 := ts.do(t, http.MethodPost, "/api/v1/settlements", body, apiHeaders(body, ""))
	require.Equal(t, http.StatusBadRequest, rec4.Code)
}

func TestInitiateRequiresSignature(t *testing.T) {
	ts := newTestServer(t)
	body := initiateBody("100")

	rec := ts.do(t, http.MethodPost, "/api/v1/settlements", body, map[string]string{"X-Idempotency-Key": "k"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	h := apiHeaders(body, "k")
	h["X-Request-Signature"] = "deadbeef"
	rec = ts.do(t, http.MethodPost, "/api/v1/settlements", body, h)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSettlementHappyPath(t *testing.T) {
	ts := newTestServer(t)
	tx := ts.initiate(t, "happy")
	require.Equal(t, domain.StatusAwaitingDeposit, tx.Status)

	rec := ts.lock(t, tx.ID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.lock(t, tx.ID)
	require.Equal(t, http.StatusOK, rec.Code, "repeated lock must be idempotent")

	rec = ts.webhook(t, tx.ID, "SUCCESSFUL")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res settlement.WebhookResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, domain.StatusSettled, res.Status)

	lock, err := ts.gateway.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.LockDebited, lock.Status)

	rec = ts.webhook(t, tx.ID, "successful")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, res.Duplicate)

	rec = ts.webhook(t, tx.ID, "failed")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, domain.StatusSettled, ts.status(t, tx.ID))

	rec = ts.do(t, http.MethodGet, "/api/v1/settlements/"+tx.ID+"/audit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var audit []domain.AuditEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	require.Len(t, audit, 4)
}

func TestFailedPayoutRefunds(t *testing.T) {
	ts := newTestServer(t)
	tx := ts.initiate(t, "refund")
	require.Equal(t, http.StatusOK, ts.lock(t, tx.ID).Code)

	rec := ts.webhook(t, tx.ID, "failed")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, domain.StatusRefunded, ts.status(t, tx.ID))

	lock, err := ts.gateway.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.LockReleased, lock.Status)
}

func TestDebitFailureIsQuarantined(t *testing.T) {
	ts := newTestServer(t)
	tx := ts.initiate(t, "quarantine")
	require.Equal(t, http.StatusOK, ts.lock(t, tx.ID).Code)

	ts.gateway.FailNext(escrow.OpDebit, errors.New("execution reverted"))
	rec := ts.webhook(t, tx.ID, "successful")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, domain.StatusDebitFailed, ts.status(t, tx.ID))

	rec = ts.webhook(t, tx.ID, "successful")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, domain.StatusDebitFailed, ts.status(t, tx.ID))

	rec = ts.do(t, http.MethodGet, "/api/v1/settlements/quarantined", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var quarantined []domain.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quarantined))
	require.Len(t, quarantined, 1)
	require.Equal(t, tx.ID, quarantined[0].ID)
}

func TestWebhookTransientFailureWritesDLQ(t *testing.T) {
	ts := newTestServer(t)
	tx := ts.initiate(t, "dlq")
	require.Equal(t, http.StatusOK, ts.lock(t, tx.ID).Code)

	ts.gateway.FailNext(escrow.OpDebit, escrow.Transient(errors.New("network error")))
	rec := ts.webhook(t, tx.ID, "successful")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	require.Equal(t, domain.StatusDebitConfirming, ts.status(t, tx.ID))

	entries, err := os.ReadDir(ts.dlqDir)
	if err != nil {
		t.Fatalf("dlq dir read: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected dlq entry")
	}

	rec = ts.webhook(t, tx.ID, "successful")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, domain.StatusSettled, ts.status(t, tx.ID))
}

func TestWebhookErrors(t *testing.T) {
	ts := newTestServer(t)
	tx := ts.initiate(t, "errors")

	require.Equal(t, http.StatusNotFound, ts.webhook(t, "off_missing", "successful").Code)
	require.Equal(t, http.StatusConflict, ts.webhook(t, tx.ID, "successful").Code)
	require.Equal(t, http.StatusBadRequest, ts.webhook(t, tx.ID, "pending").Code)

	body := []byte(`{"transactionId":"x","status":"successful"}`)
	rec := ts.do(t, http.MethodPost, "/api/v1/webhooks/payout", body,
		signed("wrong-secret", "X-Payout-Signature", "X-Payout-Timestamp", body))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusAndHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/settlements/off_missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"healthy"`)

	ts.srv.deps.EscrowHealth = func(context.Context) error { return errors.New("dial tcp: refused") }
	rec = ts.do(t, http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func computeSignatureForTest(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func TestPayoutWebhookWithoutSecretIsRejected(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.AppConfig) {
		cfg.Seed.Secrets.PayoutWebhookSecret = ""
	})
	tx := ts.initiate(t, "no-secret")
	body := []byte(`{"transactionId":"` + tx.ID + `","status":"successful"}`)

	rec := ts.do(t, http.MethodPost, "/api/v1/webhooks/payout", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Zero(t, ts.gateway.Calls(escrow.OpDebit))
}
