package state

import (
	"CDPLedger/internal/oracle"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PositionManager owns user positions and the validation state of every
// price feed. Both are transactional: writes made by a failed request are
// rolled back.
type PositionManager struct {
	positions *TxMap[string, Position]
	feeds     *TxMap[string, oracle.FeedState]
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: NewTxMap[string, Position]((*Position).Clone),
		feeds:     NewTxMap[string, oracle.FeedState]((*oracle.FeedState).Clone),
	}
}

// GetPosition returns an existing position for reading, or nil
func (pm *PositionManager) GetPosition(userID uuid.UUID) *Position {
	pos, _ := pm.positions.Get(userID.String())
	return pos
}

// MutablePosition returns a writable position, creating it on first touch
func (pm *PositionManager) MutablePosition(userID uuid.UUID) *Position {
	return pm.positions.Mutable(userID.String(), func() *Position {
		return NewPosition(userID)
	})
}

// SetPosition installs a position (snapshot restore).
func (pm *PositionManager) SetPosition(pos *Position) {
	pm.positions.Put(pos.UserID.String(), pos.Clone())
}

// GetAllPositions returns positions ordered by user id.
func (pm *PositionManager) GetAllPositions() []*Position {
	keys := pm.positions.Keys()
	out := make([]*Position, 0, len(keys))
	for _, k := range keys {
		pos, _ := pm.positions.Get(k)
		out = append(out, pos)
	}
	return out
}

// TouchedPositions returns positions written by the open request.
func (pm *PositionManager) TouchedPositions() []*Position {
	var out []*Position
	for _, k := range pm.positions.Touched() {
		if pos, ok := pm.positions.Get(k); ok {
			out = append(out, pos)
		}
	}
	return out
}

// SumNormalizedDebt recomputes Σ normalizedDebt over all positions.
func (pm *PositionManager) SumNormalizedDebt() *uint256.Int {
	sum := new(uint256.Int)
	for _, k := range pm.positions.Keys() {
		pos, _ := pm.positions.Get(k)
		sum.Add(sum, pos.NormalizedDebt)
	}
	return sum
}

// Feed returns a feed's state for reading, or nil.
func (pm *PositionManager) Feed(feedID string) *oracle.FeedState {
	s, _ := pm.feeds.Get(feedID)
	return s
}

// MutableFeed returns a writable feed state, creating it on first touch.
func (pm *PositionManager) MutableFeed(feedID string) *oracle.FeedState {
	return pm.feeds.Mutable(feedID, func() *oracle.FeedState {
		return oracle.NewFeedState(feedID)
	})
}

func (pm *PositionManager) SetFeed(s *oracle.FeedState) {
	pm.feeds.Put(s.FeedID, s.Clone())
}

// GetAllFeeds returns feeds ordered by id.
func (pm *PositionManager) GetAllFeeds() []*oracle.FeedState {
	keys := pm.feeds.Keys()
	out := make([]*oracle.FeedState, 0, len(keys))
	for _, k := range keys {
		s, _ := pm.feeds.Get(k)
		out = append(out, s)
	}
	return out
}

func (pm *PositionManager) Begin() {
	pm.positions.Begin()
	pm.feeds.Begin()
}

func (pm *PositionManager) Commit() {
	pm.positions.Commit()
	pm.feeds.Commit()
}

func (pm *PositionManager) Rollback() {
	pm.positions.Rollback()
	pm.feeds.Rollback()
}
