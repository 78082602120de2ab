// Package errs defines the rejection categories shared by every request
// handler. A rejected request leaves no state behind; callers branch on the
// category with errors.Is and read details with errors.As.
package errs

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrPaused       = errors.New("system paused")
	ErrReentrant    = errors.New("reentrant call")
	ErrSolvency     = errors.New("solvency violation")
	ErrOracle       = errors.New("oracle failure")
	ErrAuctionState = errors.New("auction state violation")
	ErrInvariant    = errors.New("invariant violation")
)

// Invalid wraps a formatted message as an input-validation failure.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Unauthorized wraps a formatted message as an authorization failure.
func Unauthorized(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

// AuctionState wraps a formatted message as an auction-state violation.
func AuctionState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuctionState, fmt.Sprintf(format, args...))
}

// Invariant wraps a formatted message as a failed settlement-time check.
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// HealthFactorError reports a post-state health factor below the minimum.
type HealthFactorError struct {
	Minimum  *uint256.Int
	Provided *uint256.Int
}

func (e *HealthFactorError) Error() string {
	return fmt.Sprintf("health factor too low: minimum=%s provided=%s", e.Minimum.Dec(), e.Provided.Dec())
}

func (e *HealthFactorError) Unwrap() error { return ErrSolvency }

// BidTooLowError reports the smallest bid the auction would have accepted.
type BidTooLowError struct {
	AuctionID uint64
	Minimum   *uint256.Int
	Provided  *uint256.Int
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("bid too low for auction %d: minimum=%s provided=%s",
		e.AuctionID, e.Minimum.Dec(), e.Provided.Dec())
}

func (e *BidTooLowError) Unwrap() error { return ErrAuctionState }

// InsufficientBalanceError reports a debit larger than the account holds.
type InsufficientBalanceError struct {
	Account   string
	Required  *uint256.Int
	Available *uint256.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance in %s: required=%s available=%s",
		e.Account, e.Required.Dec(), e.Available.Dec())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInvalidInput }

// OracleError reports why a feed's price was not usable.
type OracleError struct {
	Feed   string
	Reason string
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle feed %s: %s", e.Feed, e.Reason)
}

func (e *OracleError) Unwrap() error { return ErrOracle }

// LimitError reports an amount above what the position allows, for example
// burning more than the outstanding debt.
type LimitError struct {
	What     string
	Maximum  *uint256.Int
	Provided *uint256.Int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s exceeds limit: maximum=%s provided=%s", e.What, e.Maximum.Dec(), e.Provided.Dec())
}

func (e *LimitError) Unwrap() error { return ErrInvalidInput }

// Category returns the short name of the category err belongs to.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrReentrant):
		return "reentrant"
	case errors.Is(err, ErrSolvency):
		return "solvency"
	case errors.Is(err, ErrOracle):
		return "oracle"
	case errors.Is(err, ErrAuctionState):
		return "auction_state"
	case errors.Is(err, ErrInvariant):
		return "invariant"
	default:
		return "internal"
	}
}
