package persistence

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotFormatVersion is bumped whenever core.SnapshotState changes shape.
// Snapshots of another version are ignored and the log is replayed instead.
const SnapshotFormatVersion = 1

// SnapshotManager saves and loads core snapshots and reads the event log
// back for replay.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists an unverified snapshot and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], SnapshotFormatVersion, len(data), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot of the current
// format. It returns nil when there is none (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, SnapshotFormatVersion).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot whose state hash matched the event log.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64, stateHash [32]byte) error {
	var logged []byte
	err := sm.db.QueryRowContext(ctx,
		`SELECT state_hash FROM event_log.events WHERE sequence = $1`, sequence).Scan(&logged)
	if err != nil {
		return fmt.Errorf("event %d for snapshot: %w", sequence, err)
	}
	if !bytes.Equal(logged, stateHash[:]) {
		return fmt.Errorf("snapshot %d state hash does not match the event log", sequence)
	}
	_, err = sm.db.ExecContext(ctx,
		`UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence, in order.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, request_type, idempotency_key, sender, partition, source_sequence,
		       payload, notices, state_hash, prev_hash, request_time
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.RequestType, &e.IdempotencyKey, &e.Sender, &e.Partition, &e.SourceSequence,
			&e.Payload, &e.Notices, &e.StateHash, &e.PrevHash, &e.RequestTime,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or 0.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// Request decodes the stored payload back into its concrete request.
func (e EventRow) Request() (event.Request, error) {
	rt, err := event.ParseRequestType(e.RequestType)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", e.Sequence, err)
	}
	req, err := event.DecodeRequest(rt, e.Payload)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", e.Sequence, err)
	}
	return req, nil
}

// Hash returns the stored post-state hash.
func (e EventRow) Hash() ([32]byte, error) {
	return e.hash32("state hash", e.StateHash)
}

// Prev returns the stored hash of the preceding envelope.
func (e EventRow) Prev() ([32]byte, error) {
	return e.hash32("prev hash", e.PrevHash)
}

func (e EventRow) hash32(what string, b []byte) ([32]byte, error) {
	var h [32]byte
	if len(b) != len(h) {
		return h, fmt.Errorf("event %d: %s has %d bytes", e.Sequence, what, len(b))
	}
	copy(h[:], b)
	return h, nil
}
