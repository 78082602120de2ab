package state

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Position is a user's debt record. Deposited collateral lives in the
// ledger under user:<id>:collateral:<token>; the position tracks debt only.
type Position struct {
	UserID                 uuid.UUID    `json:"user_id"`
	NormalizedDebt         *uint256.Int `json:"normalized_debt"`
	DebtReservedForAuction *uint256.Int `json:"debt_reserved_for_auction"`
	Version                int64        `json:"version"`
}

func NewPosition(userID uuid.UUID) *Position {
	return &Position{
		UserID:                 userID,
		NormalizedDebt:         new(uint256.Int),
		DebtReservedForAuction: new(uint256.Int),
	}
}

func (p *Position) Clone() *Position {
	return &Position{
		UserID:                 p.UserID,
		NormalizedDebt:         p.NormalizedDebt.Clone(),
		DebtReservedForAuction: p.DebtReservedForAuction.Clone(),
		Version:                p.Version,
	}
}

func (p *Position) HasDebt() bool {
	return !p.NormalizedDebt.IsZero()
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16+32+32+8)

	// user_id (16 bytes UUID binary)
	buf = append(buf, p.UserID[:]...)

	buf = appendUint256(buf, p.NormalizedDebt)
	buf = appendUint256(buf, p.DebtReservedForAuction)

	// version (8 bytes LE)
	buf = appendInt64LE(buf, p.Version)

	return buf
}

func appendUint256(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
