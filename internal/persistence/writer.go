package persistence

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes envelopes and journals to Postgres with multi-row
// INSERTs. Writes are idempotent on sequence and journal_id, so a retried
// flush after a partial failure is harmless.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	RequestType    string
	IdempotencyKey string
	Sender         uuid.UUID
	Partition      string
	SourceSequence int64
	Payload        []byte // JSON-encoded request
	Notices        []byte // JSON-encoded notices
	StateHash      []byte
	PrevHash       []byte
	RequestTime    int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        decimal.Decimal
	JournalType   string
	RequestTime   int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput flattens one core output into its event row and journal rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow, error) {
	env := out.Envelope
	if env == nil {
		return EventRow{}, nil, fmt.Errorf("core output without envelope")
	}
	notices, err := event.EncodeNotices(env.Notices)
	if err != nil {
		return EventRow{}, nil, fmt.Errorf("encode notices for sequence %d: %w", env.Sequence, err)
	}
	row := EventRow{
		Sequence:       env.Sequence,
		RequestType:    env.RequestType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Sender:         env.Sender,
		Partition:      env.Partition,
		SourceSequence: env.SourceSequence,
		Payload:        env.Payload,
		Notices:        notices,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		RequestTime:    env.Timestamp,
	}

	if out.Batch.IsEmpty() {
		return row, nil, nil
	}
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		asset, ok := ledger.GetAssetName(j.AssetID)
		if !ok {
			return EventRow{}, nil, fmt.Errorf("journal %s: unknown asset id %d", j.JournalID, j.AssetID)
		}
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID,
			BatchID:       j.BatchID,
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         asset,
			Amount:        Decimal(j.Amount),
			JournalType:   j.JournalType.String(),
			RequestTime:   j.Timestamp,
		})
	}
	return row, journals, nil
}

// Decimal converts a base-unit amount for a NUMERIC(78,0) column.
func Decimal(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), 0)
}

// Uint256 parses a NUMERIC(78,0) column back into base units.
func Uint256(d decimal.Decimal) (*uint256.Int, error) {
	if d.Sign() < 0 || !d.IsInteger() {
		return nil, fmt.Errorf("amount %s is not a non-negative integer", d)
	}
	v, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %s overflows 256 bits", d)
	}
	return v, nil
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, request_type, idempotency_key, sender, partition, source_sequence,
		 payload, notices, state_hash, prev_hash, request_time)
		VALUES `

	const cols = 11
	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.RequestType, e.IdempotencyKey, e.Sender, e.Partition, e.SourceSequence,
			e.Payload, e.Notices, e.StateHash, e.PrevHash, e.RequestTime,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		 asset, amount, journal_type, request_time)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.DebitAccount, j.CreditAccount,
			j.Asset, j.Amount, j.JournalType, j.RequestTime,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", base+k)
	}
	sb.WriteByte(')')
	return sb.String()
}
