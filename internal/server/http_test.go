package server_test

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/errs"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/query"
	"CDPLedger/internal/server"
	"CDPLedger/internal/testutil"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueries struct {
	err       error
	lastAsOf  *int64
	lastLimit int
	lastState string
}

func (f *fakeQueries) GetBalance(_ context.Context, account string, asOf *int64) (*query.BalanceResponse, error) {
	f.lastAsOf = asOf
	if f.err != nil {
		return nil, f.err
	}
	return &query.BalanceResponse{Account: account, Asset: "WETH", AsOfSequence: 9}, nil
}

func (f *fakeQueries) GetUserBalances(context.Context, uuid.UUID) ([]query.BalanceResponse, error) {
	return nil, f.err
}

func (f *fakeQueries) GetPosition(_ context.Context, user uuid.UUID) (*query.PositionResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &query.PositionResponse{UserID: user}, nil
}

func (f *fakeQueries) GetGlobalState(context.Context) (*query.GlobalStateResponse, error) {
	return &query.GlobalStateResponse{CurrentFeeBps: 50}, f.err
}

func (f *fakeQueries) GetAuction(_ context.Context, id uint64) (*query.AuctionResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &query.AuctionResponse{AuctionID: id, State: "Open"}, nil
}

func (f *fakeQueries) ListAuctions(_ context.Context, _ *uuid.UUID, state string, limit int) ([]query.AuctionResponse, error) {
	f.lastState, f.lastLimit = state, limit
	return []query.AuctionResponse{}, f.err
}

func (f *fakeQueries) GetFeeHistory(_ context.Context, limit int, _ *int64) ([]query.FeeHistoryEntry, error) {
	f.lastLimit = limit
	return nil, f.err
}

func (f *fakeQueries) GetLiquidationHistory(context.Context, uuid.UUID, int) ([]query.LiquidationEntry, error) {
	return nil, f.err
}

func (f *fakeQueries) GetJournalHistory(context.Context, uuid.UUID, int, *int64) ([]query.JournalHistoryEntry, error) {
	return nil, f.err
}

func (f *fakeQueries) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: false, SequenceGaps: []int64{4}}, f.err
}

type fakeIngest struct {
	err      error
	lastType string
	lastBody string
}

func (f *fakeIngest) Submit(_ context.Context, requestType string, data []byte) error {
	f.lastType, f.lastBody = requestType, string(data)
	return f.err
}

// directViewer runs views inline on a core owned by the test.
type directViewer struct{ c *core.DeterministicCore }

func (d directViewer) View(_ context.Context, fn func(*core.DeterministicCore)) error {
	fn(d.c)
	return nil
}

type fakeSnapshotter struct{ seq int64 }

func (f fakeSnapshotter) TakeSnapshot(context.Context) (int64, error) { return f.seq, nil }

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var (
	one  = uint256.NewInt(1)
	zero = uint256.NewInt(0)
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{errs.Invalid("bad"), http.StatusBadRequest},
		{&errs.InsufficientBalanceError{Account: "a", Required: one, Available: zero}, http.StatusBadRequest},
		{errs.Unauthorized("no"), http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", errs.ErrPaused), http.StatusForbidden},
		{errs.AuctionState("closed"), http.StatusConflict},
		{&errs.BidTooLowError{AuctionID: 1, Minimum: one, Provided: zero}, http.StatusConflict},
		{&errs.HealthFactorError{Minimum: one, Provided: zero}, http.StatusUnprocessableEntity},
		{&errs.OracleError{Feed: "WETH/USD", Reason: "stale"}, http.StatusServiceUnavailable},
		{core.ErrRunnerStopped, http.StatusServiceUnavailable},
		{fmt.Errorf("auction 3: %w", query.ErrNotFound), http.StatusNotFound},
		{errs.ErrInvariant, http.StatusInternalServerError},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, server.StatusFor(tt.err), "%v", tt.err)
	}
}

func TestQueryRoutes(t *testing.T) {
	q := &fakeQueries{}
	h := server.NewRouter(server.HTTPDeps{Queries: q, Logger: zerolog.Nop()})

	rec := do(t, h, http.MethodGet, "/v1/balances/user:abc:wallet:WETH?as_of_sequence=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decode[query.BalanceResponse](t, rec)
	assert.Equal(t, "user:abc:wallet:WETH", bal.Account)
	require.NotNil(t, q.lastAsOf)
	assert.Equal(t, int64(5), *q.lastAsOf)

	rec = do(t, h, http.MethodGet, "/v1/auctions?state=Open&limit=20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Open", q.lastState)
	assert.Equal(t, 20, q.lastLimit)

	rec = do(t, h, http.MethodGet, "/v1/auctions/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(7), decode[query.AuctionResponse](t, rec).AuctionID)

	rec = do(t, h, http.MethodGet, "/v1/users/"+testutil.Alice.String()+"/position", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testutil.Alice, decode[query.PositionResponse](t, rec).UserID)

	rec = do(t, h, http.MethodGet, "/v1/admin/integrity", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQueryRouteErrors(t *testing.T) {
	h := server.NewRouter(server.HTTPDeps{Queries: &fakeQueries{}, Logger: zerolog.Nop()})

	for _, target := range []string{
		"/v1/users/not-a-uuid/position",
		"/v1/auctions/abc",
		"/v1/balances/x?as_of_sequence=soon",
		"/v1/fees?limit=-1",
	} {
		rec := do(t, h, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Equal(t, "invalid_input", decode[map[string]string](t, rec)["category"], target)
	}

	missing := server.NewRouter(server.HTTPDeps{
		Queries: &fakeQueries{err: fmt.Errorf("auction 9: %w", query.ErrNotFound)},
		Logger:  zerolog.Nop(),
	})
	rec := do(t, missing, http.MethodGet, "/v1/auctions/9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[map[string]string](t, rec)["category"])
}

func TestIngestRoute(t *testing.T) {
	ing := &fakeIngest{}
	h := server.NewRouter(server.HTTPDeps{Ingest: ing, Logger: zerolog.Nop()})

	rec := do(t, h, http.MethodPost, "/v1/requests/MintDebt", `{"amount":"1.0"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "MintDebt", ing.lastType)
	assert.JSONEq(t, `{"amount":"1.0"}`, ing.lastBody)

	ing.err = &errs.HealthFactorError{Minimum: one, Provided: zero}
	rec = do(t, h, http.MethodPost, "/v1/requests/MintDebt", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "solvency", decode[map[string]string](t, rec)["category"])

	rec = do(t, h, http.MethodPost, "/v1/requests/MintDebt", strings.Repeat("x", 1<<20+1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestRouteWithRealParser(t *testing.T) {
	h := server.NewRouter(server.HTTPDeps{
		Ingest: ingestion.NewIngestService(recordingSubmitter{}),
		Logger: zerolog.Nop(),
	})
	rec := do(t, h, http.MethodPost, "/v1/requests/NotAType", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLiveViews(t *testing.T) {
	c, err := core.NewDeterministicCore(testutil.Genesis(), nil, nil, nil, nil)
	require.NoError(t, err)
	d := testutil.NewDriver(t, c)
	d.Price("cUSD/USD", testutil.Units(1))
	d.Price("WETH/USD", testutil.Units(2000))
	d.Borrow(testutil.Alice, 1, 900)

	h := server.NewRouter(server.HTTPDeps{
		Core:   directViewer{c},
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return time.Unix(d.Now, 0) },
	})

	rec := do(t, h, http.MethodGet, "/v1/live/users/"+testutil.Alice.String()+"/position", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pos := decode[map[string]any](t, rec)
	assert.Equal(t, "900", pos["absolute_debt"])
	assert.Equal(t, map[string]any{"WETH": "1"}, pos["collateral"])

	rec = do(t, h, http.MethodGet, "/v1/live/users/"+testutil.Alice.String()+"/health", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	health := decode[map[string]any](t, rec)
	assert.Equal(t, "900", health["absolute_debt"])
	assert.Equal(t, "2000", health["collateral_value_usd"])

	rec = do(t, h, http.MethodGet, "/v1/live/users/"+testutil.Bob.String()+"/health", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "unbounded", decode[map[string]any](t, rec)["health_factor"])
}

func TestAdminSnapshotAndHealth(t *testing.T) {
	checker := observability.NewHealthChecker()
	h := server.NewRouter(server.HTTPDeps{
		Snapshotter: fakeSnapshotter{seq: 42},
		Health:      checker,
		Logger:      zerolog.Nop(),
	})

	rec := do(t, h, http.MethodPost, "/v1/admin/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), decode[map[string]int64](t, rec)["sequence"])

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "").Code)
	checker.SetReady(true)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)
}

func TestEndpointMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	h := server.NewRouter(server.HTTPDeps{
		Queries:  &fakeQueries{},
		Metrics:  metrics,
		Gatherer: reg,
		Logger:   zerolog.Nop(),
	})

	do(t, h, http.MethodGet, "/v1/global", "")
	do(t, h, http.MethodGet, "/v1/auctions/nope", "")

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.QueryRequests.WithLabelValues("global")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.QueryErrors.WithLabelValues("auction", "400")))

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cdp_query_requests_total")
}

type recordingSubmitter struct{}

func (recordingSubmitter) Submit(context.Context, event.Request) error { return nil }
