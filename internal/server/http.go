package server

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/errs"
	"CDPLedger/internal/ingestion"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/query"
	"CDPLedger/internal/recovery"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Queries is the projection-backed read API. *query.QueryService
// implements it.
type Queries interface {
	GetBalance(ctx context.Context, account string, asOf *int64) (*query.BalanceResponse, error)
	GetUserBalances(ctx context.Context, userID uuid.UUID) ([]query.BalanceResponse, error)
	GetPosition(ctx context.Context, userID uuid.UUID) (*query.PositionResponse, error)
	GetGlobalState(ctx context.Context) (*query.GlobalStateResponse, error)
	GetAuction(ctx context.Context, auctionID uint64) (*query.AuctionResponse, error)
	ListAuctions(ctx context.Context, userID *uuid.UUID, state string, limit int) ([]query.AuctionResponse, error)
	GetFeeHistory(ctx context.Context, limit int, beforeSequence *int64) ([]query.FeeHistoryEntry, error)
	GetLiquidationHistory(ctx context.Context, userID uuid.UUID, limit int) ([]query.LiquidationEntry, error)
	GetJournalHistory(ctx context.Context, userID uuid.UUID, limit int, beforeSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Ingester applies one wire-format request. *ingestion.IngestService
// implements it.
type Ingester interface {
	Submit(ctx context.Context, requestType string, data []byte) error
}

// CoreViewer runs read-only functions on the core goroutine. *core.Runner
// implements it.
type CoreViewer interface {
	View(ctx context.Context, fn func(*core.DeterministicCore)) error
}

// Snapshotter takes a snapshot on demand and returns its sequence.
type Snapshotter interface {
	TakeSnapshot(ctx context.Context) (int64, error)
}

// HTTPDeps holds everything the HTTP API serves from. Nil members disable
// their routes.
type HTTPDeps struct {
	Queries     Queries
	Ingest      Ingester
	Core        CoreViewer
	Snapshotter Snapshotter
	Health      *observability.HealthChecker
	Metrics     *observability.Metrics
	Gatherer    prometheus.Gatherer
	Logger      zerolog.Logger
	// Now stamps live health previews. Defaults to the wall clock.
	Now func() time.Time
}

type api struct {
	HTTPDeps
}

// NewRouter builds the chi router for the query, ingest and admin API.
func NewRouter(deps HTTPDeps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	a := &api{deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if a.Health != nil {
		r.Get("/healthz", a.Health.LivenessHandler)
		r.Get("/readyz", a.Health.ReadinessHandler)
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if a.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if a.Queries != nil {
			r.Get("/balances/{account}", a.endpoint("balance", a.getBalance))
			r.Get("/users/{user}/balances", a.endpoint("user_balances", a.getUserBalances))
			r.Get("/users/{user}/position", a.endpoint("position", a.getPosition))
			r.Get("/users/{user}/journal", a.endpoint("journal", a.getJournal))
			r.Get("/users/{user}/liquidations", a.endpoint("liquidations", a.getLiquidations))
			r.Get("/auctions", a.endpoint("auctions", a.listAuctions))
			r.Get("/auctions/{id}", a.endpoint("auction", a.getAuction))
			r.Get("/global", a.endpoint("global", a.getGlobal))
			r.Get("/fees", a.endpoint("fees", a.getFees))
			r.Get("/admin/integrity", a.endpoint("integrity", a.verifyIntegrity))
		}
		if a.Core != nil {
			r.Get("/live/users/{user}/position", a.endpoint("live_position", a.livePosition))
			r.Get("/live/users/{user}/health", a.endpoint("live_health", a.liveHealth))
		}
		if a.Ingest != nil {
			r.Post("/requests/{type}", a.endpoint("ingest", a.submit))
		}
		if a.Snapshotter != nil {
			r.Post("/admin/snapshot", a.endpoint("snapshot", a.snapshot))
		}
	})
	return r
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// endpoint adds query metrics and error rendering to a handler.
func (a *api) endpoint(name string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		err := h(w, r)
		if a.Metrics != nil {
			a.Metrics.QueryRequests.WithLabelValues(name).Inc()
			a.Metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
		if err == nil {
			return
		}
		code := StatusFor(err)
		if a.Metrics != nil {
			a.Metrics.QueryErrors.WithLabelValues(name, strconv.Itoa(code)).Inc()
		}
		if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
			a.Logger.Error().Err(err).Str("endpoint", name).Msg("request failed")
		}
		writeError(w, code, err)
	}
}

// StatusFor maps an error category to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, query.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized), errors.Is(err, errs.ErrPaused):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrAuctionState):
		return http.StatusConflict
	case errors.Is(err, errs.ErrSolvency):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrOracle), ingestion.Retryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	category := errs.Category(err)
	if errors.Is(err, query.ErrNotFound) {
		category = "not_found"
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Category: category})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// --- query routes ---

func (a *api) getBalance(w http.ResponseWriter, r *http.Request) error {
	asOf, err := optionalInt(r, "as_of_sequence")
	if err != nil {
		return err
	}
	resp, err := a.Queries.GetBalance(r.Context(), chi.URLParam(r, "account"), asOf)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (a *api) getUserBalances(w http.ResponseWriter, r *http.Request) error {
	user, err := userParam(r)
	if err != nil {
		return err
	}
	resp, err := a.Queries.GetUserBalances(r.Context(), user)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (a *api) getPosition(w http.ResponseWriter, r *http.Request) error {
	user, err := userParam(r)
	if err != nil {
		return err
	}
	resp, err := a.Queries.GetPosition(r.Context(), user)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (a *api) getJournal(w http.ResponseWriter, r *http.Request) error {
	user, err := userParam(r)
	if err != nil {
		return err
	}
	limit, before, err := paging(r)
	if err != nil {
		return err
	}
	resp, err := a.Queries.GetJournalHistory(r.Context(), user, limit, before)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (a *api) getLiquidations(w http.ResponseWriter, r *http.Request) error {
	user, err := userParam(r)
	if err != nil {
		return err
	}
	limit, _, err := paging(r)
	if err != nil {
		return err
	}
	resp, err := a.Queries.GetLiquidationHistory(r.Context(), user, limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (a *api) listAuctions(w http.ResponseWriter, r *http.Request) error {
	var user *uuid.UUID
	if s := r.URL.Query().Get("user"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return errs.Invalid("user: %v", err)
		}
		user = &id
	}
	limit, _, err := paging(r)
	if err != nil {
		return err
	}
	resp, err := a.Queries.ListAuctions(r.Context(), user, r.URL.Query().Get("state"), limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (a *api) getAuction(w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return errs.Invalid("auction id: %v", err)
	}
	resp, err := a.Queries.GetAuction(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (a *api) getGlobal(w http.ResponseWriter, r *http.Request) error {
	resp, err := a.Queries.GetGlobalState(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (a *api) getFees(w http.ResponseWriter, r *http.Request) error {
	limit, before, err := paging(r)
	if err != nil {
		return err
	}
	resp, err := a.Queries.GetFeeHistory(r.Context(), limit, before)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (a *api) verifyIntegrity(w http.ResponseWriter, r *http.Request) error {
	report, err := a.Queries.VerifyIntegrity(r.Context())
	if err != nil {
		return err
	}
	code := http.StatusOK
	if !report.IsHealthy {
		code = http.StatusConflict
	}
	writeJSON(w, code, report)
	return nil
}

// --- live views ---

type livePositionResponse struct {
	UserID                 uuid.UUID         `json:"user_id"`
	NormalizedDebt         string            `json:"normalized_debt"`
	AbsoluteDebt           string            `json:"absolute_debt"`
	DebtReservedForAuction string            `json:"debt_reserved_for_auction"`
	Collateral             map[string]string `json:"collateral"`
	Wallet                 map[string]string `json:"wallet"`
	Version                int64             `json:"version"`
	Sequence               int64             `json:"sequence"`
}

func (a *api) livePosition(w http.ResponseWriter, r *http.Request) error {
	user, err := userParam(r)
	if err != nil {
		return err
	}
	var (
		view *core.PositionView
		seq  int64
	)
	viewErr := a.Core.View(r.Context(), func(c *core.DeterministicCore) {
		view, err = c.Position(user)
		seq = c.GetSequence() - 1
	})
	if viewErr != nil {
		return viewErr
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, livePositionResponse{
		UserID:                 view.UserID,
		NormalizedDebt:         units(view.NormalizedDebt),
		AbsoluteDebt:           units(view.AbsoluteDebt),
		DebtReservedForAuction: units(view.DebtReservedForAuction),
		Collateral:             unitsMap(view.Collateral),
		Wallet:                 unitsMap(view.Wallet),
		Version:                view.Version,
		Sequence:               seq,
	})
	return nil
}

type liveHealthResponse struct {
	UserID             uuid.UUID `json:"user_id"`
	At                 int64     `json:"at"`
	FeeBps             uint64    `json:"fee_bps"`
	Rate               string    `json:"rate"`
	AbsoluteDebt       string    `json:"absolute_debt"`
	CollateralValueUSD string    `json:"collateral_value_usd"`
	HealthFactor       string    `json:"health_factor"`
}

func (a *api) liveHealth(w http.ResponseWriter, r *http.Request) error {
	user, err := userParam(r)
	if err != nil {
		return err
	}
	at, err := optionalInt(r, "at")
	if err != nil {
		return err
	}
	now := a.Now().Unix()
	if at != nil {
		now = *at
	}

	var preview *core.HealthPreview
	viewErr := a.Core.View(r.Context(), func(c *core.DeterministicCore) {
		preview, err = c.PreviewHealth(user, now)
	})
	if viewErr != nil {
		return viewErr
	}
	if err != nil {
		return err
	}

	hf := "unbounded"
	if !preview.HealthFactor.Eq(fpmath.MaxUint256()) {
		hf = units(preview.HealthFactor)
	}
	writeJSON(w, http.StatusOK, liveHealthResponse{
		UserID:             preview.UserID,
		At:                 preview.At,
		FeeBps:             preview.FeeBps,
		Rate:               fpmath.FormatAmount(preview.Rate, fpmath.RayDecimals),
		AbsoluteDebt:       units(preview.AbsoluteDebt),
		CollateralValueUSD: units(preview.CollateralValueUSD),
		HealthFactor:       hf,
	})
	return nil
}

// --- ingest & admin ---

func (a *api) submit(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return errs.Invalid("read body: %v", err)
	}
	if len(body) > maxRequestBody {
		return errs.Invalid("request body exceeds %d bytes", maxRequestBody)
	}
	if err := a.Ingest.Submit(r.Context(), chi.URLParam(r, "type"), body); err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
	return nil
}

func (a *api) snapshot(w http.ResponseWriter, r *http.Request) error {
	seq, err := a.Snapshotter.TakeSnapshot(r.Context())
	if errors.Is(err, recovery.ErrNothingToSnapshot) {
		writeJSON(w, http.StatusOK, map[string]any{"skipped": true})
		return nil
	}
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sequence": seq})
	return nil
}

// --- helpers ---

func userParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "user"))
	if err != nil {
		return uuid.Nil, errs.Invalid("user: %v", err)
	}
	return id, nil
}

func optionalInt(r *http.Request, name string) (*int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, errs.Invalid("%s: %v", name, err)
	}
	return &v, nil
}

func paging(r *http.Request) (int, *int64, error) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return 0, nil, errs.Invalid("limit: %q", s)
		}
		limit = v
	}
	before, err := optionalInt(r, "before")
	return limit, before, err
}

func units(x *uint256.Int) string {
	return fpmath.FormatAmount(x, fpmath.PrecisionDecimals)
}

func unitsMap(in map[string]*uint256.Int) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = units(v)
	}
	return out
}

// HTTPServer serves the router until its context is cancelled.
type HTTPServer struct {
	srv    *http.Server
	logger zerolog.Logger
}

func NewHTTPServer(addr string, handler http.Handler, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start blocks until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}
