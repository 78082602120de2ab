package query

import (
	"CDPLedger/internal/errs"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GetBalance returns one account's balance. With asOf set it answers from
// balance history as of that sequence, which must not be past the
// projection watermark.
func (qs *QueryService) GetBalance(ctx context.Context, account string, asOf *int64) (*BalanceResponse, error) {
	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var asset string
	err = qs.db.QueryRowContext(ctx,
		`SELECT asset FROM projections.balances WHERE account_path = $1`, account).Scan(&asset)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", account, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	seq := watermark
	if asOf != nil {
		if *asOf < 0 || *asOf > watermark {
			return nil, errs.Invalid("as_of_sequence %d outside [0, %d]", *asOf, watermark)
		}
		seq = *asOf
	}

	var balance decimal.Decimal
	err = qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balance_history
		WHERE account_path = $1 AND sequence <= $2
		ORDER BY sequence DESC
		LIMIT 1
	`, account, seq).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		balance = decimal.Zero
	} else if err != nil {
		return nil, err
	}

	return &BalanceResponse{Account: account, Asset: asset, Balance: tokens(balance), AsOfSequence: seq}, nil
}

// GetUserBalances returns every wallet and collateral balance of a user.
func (qs *QueryService) GetUserBalances(ctx context.Context, userID uuid.UUID) ([]BalanceResponse, error) {
	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset, balance FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path
	`, userPrefix(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceResponse
	for rows.Next() {
		var b BalanceResponse
		var balance decimal.Decimal
		if err := rows.Scan(&b.Account, &b.Asset, &balance); err != nil {
			return nil, err
		}
		b.Balance = tokens(balance)
		b.AsOfSequence = watermark
		out = append(out, b)
	}
	return out, rows.Err()
}

func userPrefix(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:%%", userID)
}
