package rpc

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"custodia/config"
	"custodia/core/events"
	"custodia/native/escrow"
	"custodia/native/fees"
	"custodia/native/operator"
	"custodia/storage"
	"custodia/storage/keeper"
)

type testServer struct {
	handler http.Handler
	factory *operator.Factory
	ledger  *escrow.Ledger
	now     *int64
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	k := keeper.New(storage.NewMemDB())
	now := int64(1_000_000)
	clock := func() int64 { return now }

	ledger := escrow.NewLedger(1)
	ledger.SetState(k)
	ledger.SetNowFunc(clock)

	feeCfg := fees.Config{
		MaxTotalFeeRate:       50,
		ProtocolFeePercentage: 25,
		ProtocolFeeRecipient:  hexAddr(0xEE),
	}
	factory, err := operator.NewFactory(hexAddr(0xF0), hexAddr(0x0F), feeCfg, 3_600)
	require.NoError(t, err)
	factory.SetState(k)
	factory.SetLedger(ledger)
	factory.SetNowFunc(clock)
	buffer := events.NewBuffer(64)
	factory.SetEmitter(buffer)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(factory, ledger, buffer, log, config.RateLimitConfig{RequestsPerMinute: 60_000, Burst: 1_000})
	return &testServer{handler: server.Router(), factory: factory, ledger: ledger, now: &now}
}

func hexAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.1:4000"
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (ts *testServer) deployOperator(t *testing.T) operatorView {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/operators/", deployRequest{
		Arbiter:             encodeAddress(hexAddr(0x0A)),
		EscrowDelay:         3_600,
		AuthorizationWindow: 86_400,
		RefundWindow:        604_800,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[operatorView](t, rec)
}

func (ts *testServer) fundPayer(t *testing.T, payer [20]byte, amount string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/ledger/deposits", depositRequest{
		Address: encodeAddress(payer),
		Token:   "USDC",
		Amount:  amount,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (ts *testServer) authorize(t *testing.T, op operatorView, payer, receiver [20]byte, amount string) paymentView {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/payments/authorize", authorizeRequest{
		Operator:          op.Address,
		Payer:             encodeAddress(payer),
		Receiver:          encodeAddress(receiver),
		Token:             "USDC",
		MaxAmount:         amount,
		Amount:            amount,
		PreApprovalExpiry: *ts.now + 600,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[paymentView](t, rec)
}

func TestAuthorizeReleaseOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	op := ts.deployOperator(t)
	payer := hexAddr(0x02)
	receiver := hexAddr(0x03)
	ts.fundPayer(t, payer, "2000")

	payment := ts.authorize(t, op, payer, receiver, "1000")
	require.Equal(t, "authorized", payment.Status)
	require.Equal(t, "1000", payment.Remaining)

	// Before the escrow delay the receiver cannot release.
	rec := ts.do(t, http.MethodPost, "/v1/payments/release", actionRequest{
		Operator: op.Address,
		Caller:   encodeAddress(receiver),
		Hash:     payment.Hash,
		Amount:   "1000",
	})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)

	*ts.now += 3_600
	rec = ts.do(t, http.MethodPost, "/v1/payments/release", actionRequest{
		Operator: op.Address,
		Caller:   encodeAddress(receiver),
		Hash:     payment.Hash,
		Amount:   "1000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	settled := decodeBody[paymentView](t, rec)
	require.Equal(t, "settled", settled.Status)
	require.Equal(t, "1000", settled.Captured)

	// 50 bps fee is withheld from the payout.
	balance := ts.do(t, http.MethodGet, "/v1/accounts/"+encodeAddress(receiver)+"/balance?token=USDC", nil)
	require.Equal(t, http.StatusOK, balance.Code)
	require.Equal(t, "995", decodeBody[balanceView](t, balance).Balance)
}

func TestEarlyReleaseIsPayerOnly(t *testing.T) {
	ts := newTestServer(t)
	op := ts.deployOperator(t)
	payer := hexAddr(0x02)
	receiver := hexAddr(0x03)
	ts.fundPayer(t, payer, "1000")
	payment := ts.authorize(t, op, payer, receiver, "1000")

	rec := ts.do(t, http.MethodPost, "/v1/payments/early-release", actionRequest{
		Operator: op.Address,
		Caller:   encodeAddress(receiver),
		Hash:     payment.Hash,
		Amount:   "1000",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/payments/early-release", actionRequest{
		Operator: op.Address,
		Caller:   encodeAddress(payer),
		Hash:     payment.Hash,
		Amount:   "1000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	op := ts.deployOperator(t)

	// Unknown operator address.
	rec := ts.do(t, http.MethodPost, "/v1/payments/release", actionRequest{
		Operator: encodeAddress(hexAddr(0x77)),
		Caller:   encodeAddress(hexAddr(0x03)),
		Hash:     encodeHash([32]byte{0x01}),
		Amount:   "1",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Unknown payment hash.
	rec = ts.do(t, http.MethodPost, "/v1/payments/release", actionRequest{
		Operator: op.Address,
		Caller:   encodeAddress(hexAddr(0x03)),
		Hash:     encodeHash([32]byte{0x01}),
		Amount:   "1",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Malformed address.
	rec = ts.do(t, http.MethodPost, "/v1/payments/release", actionRequest{
		Operator: "nonsense",
		Caller:   encodeAddress(hexAddr(0x03)),
		Hash:     encodeHash([32]byte{0x01}),
		Amount:   "1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Lookup of a payment that does not exist.
	rec = ts.do(t, http.MethodGet, "/v1/payments/"+encodeHash([32]byte{0xFF}), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentQueriesAndEvents(t *testing.T) {
	ts := newTestServer(t)
	op := ts.deployOperator(t)
	payer := hexAddr(0x02)
	receiver := hexAddr(0x03)
	ts.fundPayer(t, payer, "3000")
	first := ts.authorize(t, op, payer, receiver, "1000")

	rec := ts.do(t, http.MethodGet, "/v1/payments/?payer="+encodeAddress(payer), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[[]paymentView](t, rec)
	require.Len(t, listed, 1)
	require.Equal(t, first.Hash, listed[0].Hash)

	rec = ts.do(t, http.MethodGet, "/v1/payments/"+first.Hash, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/events?type=payment.", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]events.Entry](t, rec)
	require.NotEmpty(t, entries)
	require.Equal(t, "payment.authorized", entries[0].Type)
	require.NotEmpty(t, entries[0].ID)

	rec = ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDistributeAndToggleRoutes(t *testing.T) {
	ts := newTestServer(t)
	op := ts.deployOperator(t)
	payer := hexAddr(0x02)
	receiver := hexAddr(0x03)
	ts.fundPayer(t, payer, "1000")
	payment := ts.authorize(t, op, payer, receiver, "1000")

	rec := ts.do(t, http.MethodPost, "/v1/payments/early-release", actionRequest{
		Operator: op.Address,
		Caller:   encodeAddress(payer),
		Hash:     payment.Hash,
		Amount:   "1000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/v1/fees/distribute", distributeRequest{Operator: op.Address, Token: "USDC"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dist := decodeBody[distributionView](t, rec)
	// Fees disabled: the whole accrued pool goes to the arbiter.
	require.Equal(t, "0", dist.Protocol)
	require.Equal(t, "5", dist.Arbiter)

	owner := encodeAddress(hexAddr(0x0F))
	rec = ts.do(t, http.MethodPost, "/v1/fees/toggle/queue", toggleRequest{Operator: op.Address, Caller: owner, Enabled: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/v1/fees/toggle/execute", toggleRequest{Operator: op.Address, Caller: owner})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)

	*ts.now += 3_600
	rec = ts.do(t, http.MethodPost, "/v1/fees/toggle/execute", toggleRequest{Operator: op.Address, Caller: owner})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, decodeBody[operatorView](t, rec).FeesEnabled)

	// Non-owner cannot queue.
	rec = ts.do(t, http.MethodPost, "/v1/fees/toggle/queue", toggleRequest{
		Operator: op.Address,
		Caller:   encodeAddress(hexAddr(0x03)),
		Enabled:  false,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t)
	limited := NewServer(ts.factory, ts.ledger, events.NewBuffer(8),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		config.RateLimitConfig{RequestsPerMinute: 60, Burst: 1}).Router()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.9:1234"
	rec := httptest.NewRecorder()
	limited.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	limited.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
