package ledger

import (
	"CDPLedger/internal/errs"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Movements is the token surface handed to modules that move funds while a
// request is in flight. Balances include transfers staged earlier in the
// same request.
type Movements interface {
	Balance(key AccountKey) *uint256.Int
	Transfer(from, to AccountKey, amount *uint256.Int, jt JournalType) error
}

// BatchBuilder stages the journals of one request. Nothing reaches the
// BalanceTracker until the core commits the built batch, so dropping the
// builder rolls every staged transfer back.
type BatchBuilder struct {
	tracker *BalanceTracker
	batch   *Batch
	pending map[AccountKey]*uint256.Int
}

func NewBatchBuilder(tracker *BalanceTracker, eventRef string, sequence, timestamp int64) *BatchBuilder {
	return &BatchBuilder{
		tracker: tracker,
		batch: &Batch{
			BatchID:   uuid.New(),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
			Journals:  make([]Journal, 0, 4),
		},
		pending: make(map[AccountKey]*uint256.Int),
	}
}

// Balance returns the committed balance plus staged deltas.
func (b *BatchBuilder) Balance(key AccountKey) *uint256.Int {
	bal := b.tracker.GetBalance(key)
	if d, ok := b.pending[key]; ok {
		bal.Add(bal, d)
	}
	return bal
}

// Transfer stages a move of amount from one account to another. A zero
// amount is a no-op. Non-boundary accounts may not be overdrawn.
func (b *BatchBuilder) Transfer(from, to AccountKey, amount *uint256.Int, jt JournalType) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	if from.AssetID != to.AssetID {
		return errs.Invalid("transfer between %s and %s mixes assets", from.AccountPath(), to.AccountPath())
	}
	if !from.IsExternal() {
		available := b.Balance(from)
		if available.Lt(amount) {
			return &errs.InsufficientBalanceError{
				Account:   from.AccountPath(),
				Required:  amount.Clone(),
				Available: available,
			}
		}
	}

	b.batch.Journals = append(b.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.batch.BatchID,
		EventRef:      b.batch.EventRef,
		Sequence:      b.batch.Sequence,
		DebitAccount:  to,
		CreditAccount: from,
		AssetID:       from.AssetID,
		Amount:        amount.Clone(),
		JournalType:   jt,
		Timestamp:     b.batch.Timestamp,
	})
	b.delta(to).Add(b.delta(to), amount)
	b.delta(from).Sub(b.delta(from), amount)
	return nil
}

func (b *BatchBuilder) delta(key AccountKey) *uint256.Int {
	d, ok := b.pending[key]
	if !ok {
		d = new(uint256.Int)
		b.pending[key] = d
	}
	return d
}

// Mint issues new units of asset into the target account.
func (b *BatchBuilder) Mint(to AccountKey, amount *uint256.Int) error {
	return b.Transfer(NewExternalAccountKey(SubTypeSupply, to.AssetID), to, amount, JournalTypeDebtMint)
}

// Burn retires units from the source account; it fails if the account
// holds less than amount.
func (b *BatchBuilder) Burn(from AccountKey, amount *uint256.Int, jt JournalType) error {
	return b.Transfer(from, NewExternalAccountKey(SubTypeSupply, from.AssetID), amount, jt)
}

// Build returns the staged batch.
func (b *BatchBuilder) Build() *Batch {
	return b.batch
}
