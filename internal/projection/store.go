package projection

import (
	"CDPLedger/internal/persistence"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const workerID = "main"

var projectionTables = []string{
	"projections.balances",
	"projections.balance_history",
	"projections.positions",
	"projections.auctions",
	"projections.fee_history",
	"projections.liquidation_history",
	"projections.global_state",
}

// apply writes one update inside tx and advances the watermark.
func apply(ctx context.Context, tx *sql.Tx, u Update) error {
	for _, b := range u.Balances {
		var balance decimal.Decimal
		err := tx.QueryRowContext(ctx, `
			INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_path)
			DO UPDATE SET balance = projections.balances.balance + EXCLUDED.balance,
			              last_sequence = EXCLUDED.last_sequence
			RETURNING balance
		`, b.Account, b.Asset, b.Delta, u.Sequence).Scan(&balance)
		if err != nil {
			return fmt.Errorf("balance %s: %w", b.Account, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balance_history (account_path, sequence, balance)
			VALUES ($1, $2, $3)
			ON CONFLICT (account_path, sequence) DO UPDATE SET balance = EXCLUDED.balance
		`, b.Account, u.Sequence, balance); err != nil {
			return fmt.Errorf("balance history %s: %w", b.Account, err)
		}
	}

	for _, p := range u.Positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(user_id, normalized_debt, debt_reserved_for_auction, version, last_sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id) DO UPDATE SET
				normalized_debt = EXCLUDED.normalized_debt,
				debt_reserved_for_auction = EXCLUDED.debt_reserved_for_auction,
				version = EXCLUDED.version,
				last_sequence = EXCLUDED.last_sequence
		`, p.UserID, persistence.Decimal(p.NormalizedDebt), persistence.Decimal(p.DebtReservedForAuction),
			p.Version, u.Sequence); err != nil {
			return fmt.Errorf("position %s: %w", p.UserID, err)
		}
	}

	for _, a := range u.Auctions {
		var bidder any
		if a.HasBidder {
			bidder = a.HighestBidder
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.auctions
				(auction_id, user_id, token, collateral_amount, target_debt, minimum_bid, highest_bid,
				 highest_bidder, start_time, end_time, state, collateral_awarded, collateral_returned,
				 settled_at, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (auction_id) DO UPDATE SET
				highest_bid = EXCLUDED.highest_bid,
				highest_bidder = EXCLUDED.highest_bidder,
				state = EXCLUDED.state,
				collateral_awarded = EXCLUDED.collateral_awarded,
				collateral_returned = EXCLUDED.collateral_returned,
				settled_at = EXCLUDED.settled_at,
				last_sequence = EXCLUDED.last_sequence
		`, int64(a.ID), a.UserID, a.Token, persistence.Decimal(a.CollateralAmount), persistence.Decimal(a.TargetDebt),
			persistence.Decimal(a.MinimumBid), persistence.Decimal(a.HighestBid), bidder, a.StartTime, a.EndTime,
			a.State.String(), persistence.Decimal(a.CollateralAwarded), persistence.Decimal(a.CollateralReturned),
			a.SettledAt, u.Sequence); err != nil {
			return fmt.Errorf("auction %d: %w", a.ID, err)
		}
	}

	g := u.Global
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.global_state
			(id, rate, last_accrual_time, current_fee_bps, total_normalized_debt,
			 protocol_reserve, protocol_bad_debt, last_sequence)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			rate = EXCLUDED.rate,
			last_accrual_time = EXCLUDED.last_accrual_time,
			current_fee_bps = EXCLUDED.current_fee_bps,
			total_normalized_debt = EXCLUDED.total_normalized_debt,
			protocol_reserve = EXCLUDED.protocol_reserve,
			protocol_bad_debt = EXCLUDED.protocol_bad_debt,
			last_sequence = EXCLUDED.last_sequence
	`, persistence.Decimal(g.Rate), g.LastAccrualTime, int64(g.CurrentFeeBps),
		persistence.Decimal(g.TotalNormalizedDebt), persistence.Decimal(g.ProtocolReserve),
		persistence.Decimal(g.ProtocolBadDebt), u.Sequence); err != nil {
		return fmt.Errorf("global state: %w", err)
	}

	for _, f := range u.Fees {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.fee_history
				(sequence, ordinal, fee_bps, old_rate, new_rate, elapsed, revenue,
				 bad_debt_repaid, reserve_credit, accrued_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (sequence, ordinal) DO NOTHING
		`, u.Sequence, f.Ordinal, int64(f.FeeBps), persistence.Decimal(f.OldRate), persistence.Decimal(f.NewRate),
			int64(f.Elapsed), persistence.Decimal(f.Revenue), persistence.Decimal(f.BadDebtRepaid),
			persistence.Decimal(f.ReserveCredit), f.AccruedAt); err != nil {
			return fmt.Errorf("fee history: %w", err)
		}
	}

	for _, l := range u.Liquidations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.liquidation_history
				(auction_id, user_id, token, debt_to_cover, burned, collateral_returned,
				 bad_debt, reserve_used, deficit_increase, settled_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (auction_id) DO NOTHING
		`, int64(l.AuctionID), l.User, l.Token, persistence.Decimal(l.DebtToCover), persistence.Decimal(l.Burned),
			persistence.Decimal(l.CollateralReturned), persistence.Decimal(l.BadDebt),
			persistence.Decimal(l.ReserveUsed), persistence.Decimal(l.DeficitIncrease), u.Sequence); err != nil {
			return fmt.Errorf("liquidation history %d: %w", l.AuctionID, err)
		}
	}

	return setWatermark(ctx, tx, u.Sequence)
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// Watermark returns the last sequence reflected in the projection tables.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, workerID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func truncate(ctx context.Context, tx *sql.Tx) error {
	for _, table := range projectionTables {
		if _, err := tx.ExecContext(ctx, "TRUNCATE "+table); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM projections.watermark WHERE worker_id = $1`, workerID); err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}
	return nil
}
