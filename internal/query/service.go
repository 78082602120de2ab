package query

import (
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/persistence"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

const maxPageSize = 500

// QueryService provides read-only access to the projection tables and the
// event log. Every projected response carries as_of_sequence, the last
// request the projections reflect.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPosition returns a borrower's debt together with their balances.
func (qs *QueryService) GetPosition(ctx context.Context, userID uuid.UUID) (*PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var normalized, reserved decimal.Decimal
	var version int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT normalized_debt, debt_reserved_for_auction, version
		FROM projections.positions WHERE user_id = $1
	`, userID).Scan(&normalized, &reserved, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	global, err := qs.GetGlobalState(ctx)
	if err != nil {
		return nil, err
	}
	absolute, err := absoluteDebt(normalized, global.Rate.Value)
	if err != nil {
		return nil, err
	}

	pos := &PositionResponse{
		UserID:                 userID,
		NormalizedDebt:         tokens(normalized),
		AbsoluteDebt:           tokens(absolute),
		DebtReservedForAuction: tokens(reserved),
		Collateral:             map[string]Amount{},
		Wallet:                 map[string]Amount{},
		Version:                version,
		AsOfSequence:           asOfSeq,
	}

	balances, err := qs.GetUserBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, b := range balances {
		switch {
		case strings.Contains(b.Account, ":collateral:"):
			pos.Collateral[b.Asset] = b.Balance
		case strings.Contains(b.Account, ":wallet:"):
			pos.Wallet[b.Asset] = b.Balance
		}
	}
	return pos, nil
}

func absoluteDebt(normalized decimal.Decimal, rate string) (decimal.Decimal, error) {
	n, err := persistence.Uint256(normalized)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := fpmath.ParseAmount(rate, 0)
	if err != nil {
		return decimal.Zero, err
	}
	abs, err := fpmath.FromNormalized(n, r)
	if err != nil {
		return decimal.Zero, err
	}
	return persistence.Decimal(abs), nil
}

// GetGlobalState returns the projected rate ledger.
func (qs *QueryService) GetGlobalState(ctx context.Context) (*GlobalStateResponse, error) {
	var g GlobalStateResponse
	var rate, total, reserve, badDebt decimal.Decimal
	err := qs.db.QueryRowContext(ctx, `
		SELECT rate, last_accrual_time, current_fee_bps, total_normalized_debt,
		       protocol_reserve, protocol_bad_debt, last_sequence
		FROM projections.global_state WHERE id = 1
	`).Scan(&rate, &g.LastAccrualTime, &g.CurrentFeeBps, &total, &reserve, &badDebt, &g.AsOfSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("global state: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	g.Rate = newAmount(rate, rayDecimals)
	g.TotalNormalizedDebt = tokens(total)
	g.ProtocolReserve = tokens(reserve)
	g.ProtocolBadDebt = tokens(badDebt)
	return &g, nil
}

const auctionColumns = `
	auction_id, user_id, token, collateral_amount, target_debt, minimum_bid, highest_bid,
	highest_bidder, start_time, end_time, state, collateral_awarded, collateral_returned, settled_at`

func scanAuction(row interface{ Scan(...any) error }, asOfSeq int64) (*AuctionResponse, error) {
	var a AuctionResponse
	var id int64
	var bidder uuid.NullUUID
	var collateral, target, minBid, highest, awarded, returned decimal.Decimal
	if err := row.Scan(&id, &a.UserID, &a.Token, &collateral, &target, &minBid, &highest,
		&bidder, &a.StartTime, &a.EndTime, &a.State, &awarded, &returned, &a.SettledAt); err != nil {
		return nil, err
	}
	a.AuctionID = uint64(id)
	if bidder.Valid {
		a.HighestBidder = &bidder.UUID
	}
	a.CollateralAmount = tokens(collateral)
	a.TargetDebt = tokens(target)
	a.MinimumBid = tokens(minBid)
	a.HighestBid = tokens(highest)
	a.CollateralAwarded = tokens(awarded)
	a.CollateralReturned = tokens(returned)
	a.AsOfSequence = asOfSeq
	return &a, nil
}

func (qs *QueryService) GetAuction(ctx context.Context, auctionID uint64) (*AuctionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	row := qs.db.QueryRowContext(ctx,
		`SELECT `+auctionColumns+` FROM projections.auctions WHERE auction_id = $1`, int64(auctionID))
	a, err := scanAuction(row, asOfSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction %d: %w", auctionID, ErrNotFound)
	}
	return a, err
}

// ListAuctions returns auctions newest first, optionally filtered by
// borrower and state.
func (qs *QueryService) ListAuctions(ctx context.Context, userID *uuid.UUID, state string, limit int) ([]AuctionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + auctionColumns + ` FROM projections.auctions WHERE TRUE`
	var args []any
	if userID != nil {
		args = append(args, *userID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if state != "" {
		args = append(args, state)
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	args = append(args, pageSize(limit))
	query += fmt.Sprintf(" ORDER BY auction_id DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuctionResponse
	for rows.Next() {
		a, err := scanAuction(rows, asOfSeq)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetFeeHistory returns debt index updates newest first. beforeSequence
// pages backwards.
func (qs *QueryService) GetFeeHistory(ctx context.Context, limit int, beforeSequence *int64) ([]FeeHistoryEntry, error) {
	query := `
		SELECT sequence, fee_bps, old_rate, new_rate, elapsed, revenue,
		       bad_debt_repaid, reserve_credit, accrued_at
		FROM projections.fee_history`
	var args []any
	if beforeSequence != nil {
		args = append(args, *beforeSequence)
		query += fmt.Sprintf(" WHERE sequence < $%d", len(args))
	}
	args = append(args, pageSize(limit))
	query += fmt.Sprintf(" ORDER BY sequence DESC, ordinal DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FeeHistoryEntry
	for rows.Next() {
		var e FeeHistoryEntry
		var oldRate, newRate, revenue, repaid, credit decimal.Decimal
		if err := rows.Scan(&e.Sequence, &e.FeeBps, &oldRate, &newRate, &e.Elapsed,
			&revenue, &repaid, &credit, &e.AccruedAt); err != nil {
			return nil, err
		}
		e.OldRate = newAmount(oldRate, rayDecimals)
		e.NewRate = newAmount(newRate, rayDecimals)
		e.Revenue = tokens(revenue)
		e.BadDebtRepaid = tokens(repaid)
		e.ReserveCredit = tokens(credit)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetLiquidationHistory returns settled liquidations of a user, newest first.
func (qs *QueryService) GetLiquidationHistory(ctx context.Context, userID uuid.UUID, limit int) ([]LiquidationEntry, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT auction_id, token, debt_to_cover, burned, collateral_returned,
		       bad_debt, reserve_used, deficit_increase, settled_sequence
		FROM projections.liquidation_history
		WHERE user_id = $1
		ORDER BY settled_sequence DESC
		LIMIT $2
	`, userID, pageSize(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiquidationEntry
	for rows.Next() {
		var e LiquidationEntry
		var id int64
		var debt, burned, returned, bad, used, deficit decimal.Decimal
		if err := rows.Scan(&id, &e.Token, &debt, &burned, &returned, &bad, &used, &deficit,
			&e.SettledSequence); err != nil {
			return nil, err
		}
		e.AuctionID = uint64(id)
		e.UserID = userID
		e.DebtToCover = tokens(debt)
		e.Burned = tokens(burned)
		e.CollateralReturned = tokens(returned)
		e.BadDebt = tokens(bad)
		e.ReserveUsed = tokens(used)
		e.DeficitIncrease = tokens(deficit)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetJournalHistory returns journal lines touching a user's accounts,
// newest first. It reads the event log, not the projections.
func (qs *QueryService) GetJournalHistory(ctx context.Context, userID uuid.UUID, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		       asset, amount, journal_type, request_time
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)`
	args := []any{userPrefix(userID)}
	if beforeSequence != nil {
		args = append(args, *beforeSequence)
		query += fmt.Sprintf(" AND sequence < $%d", len(args))
	}
	args = append(args, pageSize(limit))
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var amount decimal.Decimal
		if err := rows.Scan(&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &amount, &e.JournalType, &e.RequestTime); err != nil {
			return nil, err
		}
		e.Amount = tokens(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks sequence continuity and the hash chain of the
// event log, and that projected balances of every asset sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	var latest sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&latest); err != nil {
		return nil, err
	}
	report.LatestSequence = latest.Int64

	gaps, err := qs.int64s(ctx, `
		SELECT e.sequence FROM event_log.events e
		WHERE e.sequence > 1
		  AND NOT EXISTS (SELECT 1 FROM event_log.events p WHERE p.sequence = e.sequence - 1)
		ORDER BY e.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("sequence gaps: %w", err)
	}
	report.SequenceGaps = gaps

	breaks, err := qs.int64s(ctx, `
		SELECT e.sequence
		FROM event_log.events e
		JOIN event_log.events p ON p.sequence = e.sequence - 1
		WHERE e.prev_hash <> p.state_hash
		ORDER BY e.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}
	report.HashChainBreaks = breaks

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) <> 0
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var u UnbalancedAsset
		var total decimal.Decimal
		if err := rows.Scan(&u.Asset, &total); err != nil {
			return nil, err
		}
		u.Imbalance = total.String()
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.SequenceGaps) == 0 && len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) int64s(ctx context.Context, query string) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func pageSize(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
