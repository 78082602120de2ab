package core

import (
	"CDPLedger/internal/auction"
	"CDPLedger/internal/errs"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/state"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const (
	DefaultIdempotencyCapacity    = 1_000_000
	DefaultInvariantCheckInterval = 1000
)

// Genesis fixes the identities and parameters the core starts from.
type Genesis struct {
	Admin            uuid.UUID
	StableSymbol     string
	PegFeed          string
	CollateralTokens []string
	CollateralFeeds  []string
	// Reporters may publish PriceReport rounds. Empty means admin only.
	Reporters []uuid.UUID
	Params    state.Params
	Oracle    oracle.Config
	// Auction installs the auction house at genesis. When nil the admin
	// must send ConfigureAuctionModule before anything can be liquidated.
	Auction     *auction.Config
	GenesisTime int64

	IdempotencyCapacity    int
	InvariantCheckInterval int64
}

// DeterministicCore is the single-threaded request processor
type DeterministicCore struct {
	sequence          int64
	lastTimestamp     int64
	chain             *hashChain
	balanceTracker    *ledger.BalanceTracker
	validator         *ledger.InvariantValidator
	positionManager   *state.PositionManager
	liquidationMgr    *state.LiquidationManager
	params            *state.ParamsManager
	rateLedger        *state.RateLedger
	collateral        *state.CollateralSet
	health            *state.HealthCalculator
	gateway           *oracle.Gateway
	house             *auction.House
	guard             *state.ReentrancyGuard
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	admin        uuid.UUID
	reporters    map[uuid.UUID]bool
	stable       ledger.AssetID
	stableSymbol string
	pegFeed      string

	invariantInterval int64
	sinceFullCheck    int64

	// Request in flight; nil between requests.
	cur                *requestCtx
	houseCreatedThisTx bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// requestCtx is the scratch state of one request.
type requestCtx struct {
	req     event.Request
	now     int64
	tx      *ledger.BatchBuilder
	notices []event.Notice
	prices  map[string]*uint256.Int // feed -> validated price, read once per request
}

// CoreOutput is everything downstream workers need from one applied request.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	Positions  []*state.Position
	Auctions   []*auction.Auction
	Global     state.GlobalState
	StateDelta []byte
}

func NewDeterministicCore(
	g Genesis,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) (*DeterministicCore, error) {
	if g.Admin == uuid.Nil {
		return nil, errs.Invalid("genesis admin is required")
	}
	if g.StableSymbol == "" || g.PegFeed == "" {
		return nil, errs.Invalid("genesis stable symbol and peg feed are required")
	}
	for _, sym := range g.CollateralTokens {
		if sym == g.StableSymbol {
			return nil, errs.Invalid("stable %s cannot be collateral", sym)
		}
	}

	stable := ledger.RegisterAsset(g.StableSymbol)
	collateral, err := state.NewCollateralSet(g.CollateralTokens, g.CollateralFeeds)
	if err != nil {
		return nil, fmt.Errorf("collateral set: %w", err)
	}
	params, err := state.NewParamsManager(g.Params)
	if err != nil {
		return nil, err
	}
	gateway, err := oracle.NewGateway(g.Oracle)
	if err != nil {
		return nil, fmt.Errorf("oracle gateway: %w", err)
	}

	capacity := g.IdempotencyCapacity
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}
	idempotency, err := NewIdempotencyChecker(capacity, dbChecker)
	if err != nil {
		return nil, err
	}

	interval := g.InvariantCheckInterval
	if interval <= 0 {
		interval = DefaultInvariantCheckInterval
	}

	reporters := map[uuid.UUID]bool{g.Admin: true}
	for _, r := range g.Reporters {
		reporters[r] = true
	}

	balanceTracker := ledger.NewBalanceTracker()
	c := &DeterministicCore{
		sequence:          1,
		lastTimestamp:     g.GenesisTime,
		chain:             newHashChain(),
		balanceTracker:    balanceTracker,
		validator:         ledger.NewInvariantValidator(balanceTracker),
		positionManager:   state.NewPositionManager(),
		liquidationMgr:    state.NewLiquidationManager(),
		params:            params,
		rateLedger:        state.NewRateLedger(g.GenesisTime),
		collateral:        collateral,
		health:            state.NewHealthCalculator(collateral, params),
		gateway:           gateway,
		guard:             state.NewReentrancyGuard("engine"),
		idempotency:       idempotency,
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		logger:            zerolog.Nop(),
		admin:             g.Admin,
		reporters:         reporters,
		stable:            stable,
		stableSymbol:      g.StableSymbol,
		pegFeed:           g.PegFeed,
		invariantInterval: interval,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}

	if g.Auction != nil {
		house, err := auction.NewHouse(*g.Auction, stable, c)
		if err != nil {
			return nil, err
		}
		c.house = house
	}
	return c, nil
}

// ProcessRequest is the main processing pipeline. A rejected request
// returns its error and leaves no state behind; its nonce stays unused.
func (c *DeterministicCore) ProcessRequest(req event.Request) error {
	start := time.Now()
	reqType := req.RequestType().String()
	idempotencyKey := req.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	if c.idempotency.IsDuplicate(reqType, idempotencyKey) {
		if c.metrics != nil {
			c.metrics.IdempotencyDuplicates.WithLabelValues(reqType).Inc()
		}
		return nil
	}

	// Step 2: Sequence validation
	partition := req.Partition()
	sourceSequence := req.SourceSequence()

	if pr, ok := req.(*event.PriceReport); ok {
		// Oracle rounds tolerate gaps; an old round is dropped, not rejected.
		if c.sequenceValidator.ValidatePriceSequence(partition, pr.Round) {
			if c.metrics != nil {
				c.metrics.CoreRequestsRejected.WithLabelValues(reqType, "stale_round").Inc()
			}
			return nil
		}
	} else if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, false); err != nil {
		if c.metrics != nil {
			c.metrics.SequenceRejected.WithLabelValues(reqType).Inc()
		}
		return c.reject(reqType, fmt.Errorf("sequence validation failed: %w", err))
	}

	// Step 3: Request time. The core never reads the wall clock; time is
	// the request's own and never runs backwards.
	if req.Time() <= 0 {
		return c.reject(reqType, errs.Invalid("request timestamp must be positive"))
	}
	now := req.Time()
	if now < c.lastTimestamp {
		now = c.lastTimestamp
	}

	payload, err := event.EncodeRequest(req)
	if err != nil {
		return c.reject(reqType, errs.Invalid("encode request: %v", err))
	}

	// Step 4: Dispatch inside a transaction
	c.begin(req, now)
	if err := c.dispatch(req); err != nil {
		c.rollback()
		return c.reject(reqType, fmt.Errorf("%s: %w", reqType, err))
	}

	// Step 5: Validate and apply the staged batch
	batch := c.cur.tx.Build()
	if !batch.IsEmpty() {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch failed: %v", err))
		}
		if err := c.validator.ValidateTouchedNonNegative(batch); err != nil {
			panic(fmt.Sprintf("FATAL: %v", err))
		}
	}

	// Step 6: Post-checks
	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: State digest over everything the request touched
	stateDigest := c.computeStateDigest(batch)
	positions := clonePositions(c.positionManager.TouchedPositions())
	var auctions []*auction.Auction
	if c.house != nil {
		auctions = c.house.Touched()
	}
	notices := c.cur.notices

	c.commit()
	c.sequenceValidator.Advance(partition, sourceSequence)
	c.lastTimestamp = now

	// Step 8: Hash chain and envelope
	prevHash, stateHash := c.chain.link(c.sequence, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		RequestType:    req.RequestType(),
		Sender:         req.SenderID(),
		Timestamp:      now,
		Partition:      partition,
		SourceSequence: sourceSequence,
		Payload:        payload,
		Notices:        notices,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		Positions:  positions,
		Auctions:   auctions,
		Global:     c.rateLedger.State(),
		StateDelta: stateDigest,
	}
	c.sequence++

	// Step 9: Emit outputs. Persistence blocks (backpressure); projections
	// drop on a full channel and rebuild from the event log.
	if c.persistChan != nil {
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
			}
		}
	}

	// Step 10: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(reqType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreRequestsApplied.WithLabelValues(reqType).Inc()
		c.metrics.CoreRequestDuration.WithLabelValues(reqType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.Size()))
		for _, j := range batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
		c.recordNoticeMetrics(notices)
		c.recordLedgerGauges()
	}
	c.logNotices(envelope.Sequence, notices)

	return nil
}

func (c *DeterministicCore) reject(reqType string, err error) error {
	if c.metrics != nil {
		c.metrics.CoreRequestsRejected.WithLabelValues(reqType, errs.Category(err)).Inc()
		if errs.Category(err) == "oracle" {
			c.metrics.OracleRejections.WithLabelValues(reqType).Inc()
		}
	}
	return err
}

func (c *DeterministicCore) begin(req event.Request, now int64) {
	c.cur = &requestCtx{
		req:    req,
		now:    now,
		tx:     ledger.NewBatchBuilder(c.balanceTracker, req.IdempotencyKey(), c.sequence, now),
		prices: make(map[string]*uint256.Int),
	}
	c.houseCreatedThisTx = false
	c.positionManager.Begin()
	c.liquidationMgr.Begin()
	c.params.Begin()
	c.rateLedger.Begin()
	if c.house != nil {
		c.house.Begin()
	}
}

func (c *DeterministicCore) commit() {
	c.positionManager.Commit()
	c.liquidationMgr.Commit()
	c.params.Commit()
	c.rateLedger.Commit()
	if c.house != nil {
		c.house.Commit()
	}
	c.houseCreatedThisTx = false
	c.cur = nil
}

func (c *DeterministicCore) rollback() {
	c.positionManager.Rollback()
	c.liquidationMgr.Rollback()
	c.params.Rollback()
	c.rateLedger.Rollback()
	if c.houseCreatedThisTx {
		c.house = nil
	} else if c.house != nil {
		c.house.Rollback()
	}
	c.houseCreatedThisTx = false
	c.cur = nil
}

func (c *DeterministicCore) emit(n event.Notice) {
	c.cur.notices = append(c.cur.notices, n)
}

// computeStateDigest creates canonical bytes for the state hash: touched
// accounts, touched positions, touched auctions and the global ledger.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	// Sort by AccountPath (deterministic string ordering)
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*80+256)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		bal := c.balanceTracker.GetBalance(key).Bytes32()
		digest = append(digest, bal[:]...)
	}

	for _, pos := range c.positionManager.TouchedPositions() {
		digest = append(digest, pos.CanonicalBytes()...)
	}
	if c.house != nil {
		for _, a := range c.house.Touched() {
			digest = append(digest, a.CanonicalBytes()...)
		}
	}
	digest = append(digest, c.rateLedger.State().CanonicalBytes()...)
	return digest
}

// postCheckInvariants validates invariants after batch application
func (c *DeterministicCore) postCheckInvariants() error {
	for _, pos := range c.positionManager.TouchedPositions() {
		debt, err := c.rateLedger.FromNormalized(pos.NormalizedDebt)
		if err != nil {
			return err
		}
		if pos.DebtReservedForAuction.Gt(debt) {
			return fmt.Errorf("user %s reserved %s above debt %s",
				pos.UserID, pos.DebtReservedForAuction.Dec(), debt.Dec())
		}
	}

	c.sinceFullCheck++
	if c.sinceFullCheck < c.invariantInterval {
		return nil
	}
	c.sinceFullCheck = 0
	return c.checkGlobalInvariants()
}

// checkGlobalInvariants runs the full-state checks: Σ normalizedDebt equals
// the ledger total and every asset sums to zero.
func (c *DeterministicCore) checkGlobalInvariants() error {
	sum := c.positionManager.SumNormalizedDebt()
	total := c.rateLedger.State().TotalNormalizedDebt
	if !sum.Eq(total) {
		return fmt.Errorf("sum of normalized debt %s != total %s", sum.Dec(), total.Dec())
	}
	return c.validator.ValidateGlobalBalance()
}

func (c *DeterministicCore) dispatch(req event.Request) error {
	switch r := req.(type) {
	case *event.FundWallet:
		return c.handleFundWallet(r)
	case *event.WithdrawWallet:
		return c.handleWithdrawWallet(r)
	case *event.DepositCollateral:
		return c.handleDepositCollateral(r)
	case *event.RedeemCollateral:
		return c.handleRedeemCollateral(r)
	case *event.MintDebt:
		return c.handleMintDebt(r)
	case *event.BurnDebt:
		return c.handleBurnDebt(r)
	case *event.AccrueFees:
		return c.handleAccrueFees(r)
	case *event.PriceReport:
		return c.handlePriceReport(r)
	case *event.Liquidate:
		return c.handleLiquidate(r)
	case *event.PlaceBid:
		return c.handlePlaceBid(r)
	case *event.FinalizeAuction:
		return c.handleFinalizeAuction(r)
	case *event.SetPaused:
		return c.handleSetPaused(r)
	case *event.SetLiquidationThreshold:
		return c.handleSetLiquidationThreshold(r)
	case *event.SetLiquidationBonus:
		return c.handleSetLiquidationBonus(r)
	case *event.SetFeeSensitivity:
		return c.handleSetFeeSensitivity(r)
	case *event.SetFeeCaps:
		return c.handleSetFeeCaps(r)
	case *event.SetBaseFee:
		return c.handleSetBaseFee(r)
	case *event.ConfigureAuctionModule:
		return c.handleConfigureAuctionModule(r)
	default:
		return errs.Invalid("unknown request type %T", req)
	}
}

// logNotices reports the rare operational events of an applied request.
func (c *DeterministicCore) logNotices(seq int64, notices []event.Notice) {
	for _, n := range notices {
		switch e := n.(type) {
		case *event.OracleCircuitTripped:
			c.logger.Warn().Int64("sequence", seq).Str("feed", e.FeedID).Int64("round", e.Round).
				Msg("oracle circuit breaker tripped")
		case *event.BadDebtSocialized:
			c.logger.Warn().Int64("sequence", seq).Uint64("auction_id", e.AuctionID).
				Str("amount", e.Amount.Dec()).Str("deficit_increase", e.DeficitIncrease.Dec()).
				Msg("bad debt socialized")
		case *event.AuctionModuleConfigured:
			c.logger.Info().Int64("sequence", seq).Int64("duration_secs", e.Config.DurationSecs).
				Uint64("min_bid_bps", e.Config.MinBidBps).Msg("auction module configured")
		case *event.PauseChanged:
			c.logger.Info().Int64("sequence", seq).Bool("paused", e.Paused).Msg("pause changed")
		}
	}
}

func (c *DeterministicCore) recordNoticeMetrics(notices []event.Notice) {
	for _, n := range notices {
		switch e := n.(type) {
		case *event.FeeAccrued:
			c.metrics.FeeRevenueTotal.Add(observability.Units(e.Revenue))
		case *event.OracleCircuitTripped:
			c.metrics.OracleTrips.WithLabelValues(e.FeedID).Inc()
		case *event.AuctionCreated:
			c.metrics.AuctionsCreated.WithLabelValues(e.Token).Inc()
		case *event.BidPlaced:
			c.metrics.BidsPlaced.Inc()
		case *event.AuctionSettled:
			c.metrics.AuctionsSettled.WithLabelValues(settlementOutcome(e)).Inc()
		case *event.BadDebtSocialized:
			c.metrics.BadDebtSocialized.Add(observability.Units(e.Amount))
		}
	}
}

func settlementOutcome(e *event.AuctionSettled) string {
	switch {
	case e.Winner == nil:
		return "no_bid"
	case e.CollateralReturned.IsZero():
		return "full"
	default:
		return "partial"
	}
}

func (c *DeterministicCore) recordLedgerGauges() {
	g := c.rateLedger.State()
	c.metrics.DebtRate.Set(observability.RayUnits(g.Rate))
	c.metrics.StabilityFeeBps.Set(float64(g.CurrentFeeBps))
	c.metrics.ProtocolReserve.Set(observability.Units(g.ProtocolReserve))
	c.metrics.ProtocolBadDebt.Set(observability.Units(g.ProtocolBadDebt))
	if debt, err := c.rateLedger.FromNormalized(g.TotalNormalizedDebt); err == nil {
		c.metrics.TotalDebt.Set(observability.Units(debt))
	}
}

func clonePositions(in []*state.Position) []*state.Position {
	out := make([]*state.Position, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}

// GetSequence returns the next sequence number to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.chain.head()
}

// CheckInvariants runs the full-state checks on demand.
func (c *DeterministicCore) CheckInvariants() error {
	return c.checkGlobalInvariants()
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.WarmFromKeys(keys)
}

// Attach connects the output channels and the Postgres dedup tier once
// recovery has replayed the log. Replayed requests are neither re-emitted nor
// checked against the log they came from.
func (c *DeterministicCore) Attach(persistChan, projectionChan chan<- CoreOutput, dbChecker DBIdempotencyChecker) {
	c.persistChan = persistChan
	c.projectionChan = projectionChan
	c.idempotency.SetDBChecker(dbChecker)
}

// SetLogger replaces the default no-op logger.
func (c *DeterministicCore) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

func (c *DeterministicCore) StableSymbol() string {
	return c.stableSymbol
}
