package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

const entryColumns = `id, tbl, row_id, operation, payload, status, scheduled_at, retry_count, merge_fields`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (QueueEntry, error) {
	var e QueueEntry
	var payload []byte
	err := row.Scan(&e.ID, &e.Table, &e.RowID, &e.Operation, &payload, &e.Status, &e.ScheduledAt, &e.RetryCount, &e.Merge)
	if err != nil {
		return QueueEntry{}, err
	}
	if len(payload) > 0 {
		e.Payload = payload
	}
	return e, nil
}

// Enqueue appends a PENDING entry scheduled for now with zero retries.
func (s *SQLStore) Enqueue(ctx context.Context, ne NewEntry) (QueueEntry, error) {
	if err := ne.validate(); err != nil {
		return QueueEntry{}, err
	}
	e := QueueEntry{
		Table:       ne.Table,
		RowID:       ne.RowID,
		Operation:   ne.Operation,
		Payload:     ne.Payload,
		Merge:       ne.Merge,
		Status:      StatusPending,
		ScheduledAt: s.now().UnixMilli(),
	}
	id, err := s.insertEntry(ctx, s.db, e)
	if err != nil {
		s.logger.Error("Failed to enqueue entry", zap.Error(err), zap.String("table", ne.Table), zap.String("row_id", ne.RowID))
		return QueueEntry{}, fmt.Errorf("enqueue: %w", err)
	}
	e.ID = id
	return e, nil
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) insertEntry(ctx context.Context, db execQuerier, e QueueEntry) (int64, error) {
	var payload []byte
	if len(e.Payload) > 0 {
		payload = e.Payload
	}
	var id int64
	err := db.QueryRowContext(ctx, s.q(`
		INSERT INTO sync_queue (tbl, row_id, operation, payload, status, scheduled_at, retry_count, merge_fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		e.Table, e.RowID, string(e.Operation), payload, string(e.Status), e.ScheduledAt, e.RetryCount, e.Merge).Scan(&id)
	return id, err
}

// Restore re-inserts entries recovered from the spill journal as PENDING,
// keeping their scheduledAt and retryCount. Ids are reassigned.
func (s *SQLStore) Restore(ctx context.Context, entries []QueueEntry) ([]QueueEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	restored := make([]QueueEntry, 0, len(entries))
	for _, e := range entries {
		ne := NewEntry{Table: e.Table, RowID: e.RowID, Operation: e.Operation, Payload: e.Payload}
		if err := ne.validate(); err != nil {
			return nil, fmt.Errorf("restore entry: %w", err)
		}
		e.Status = StatusPending
		if e.RetryCount < 0 {
			e.RetryCount = 0
		}
		id, err := s.insertEntry(ctx, tx, e)
		if err != nil {
			return nil, fmt.Errorf("restore entry: %w", err)
		}
		e.ID = id
		restored = append(restored, e)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return restored, nil
}

// ListPending returns PENDING and SYNCING entries, oldest scheduledAt first,
// ties broken by insertion order.
func (s *SQLStore) ListPending(ctx context.Context) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+entryColumns+`
		FROM sync_queue
		WHERE status IN (?, ?)
		ORDER BY scheduled_at, id`), string(StatusPending), string(StatusSyncing))
	if err != nil {
		s.logger.Error("Failed to list pending entries", zap.Error(err))
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return collectEntries(rows)
}

// ListByStatus returns up to limit entries with the given status, oldest first.
func (s *SQLStore) ListByStatus(ctx context.Context, status Status, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+entryColumns+`
		FROM sync_queue
		WHERE status = ?
		ORDER BY scheduled_at, id
		LIMIT ?`), string(status), limit)
	if err != nil {
		s.logger.Error("Failed to list entries by status", zap.Error(err), zap.String("status", string(status)))
		return nil, fmt.Errorf("list by status: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]QueueEntry, error) {
	defer rows.Close()
	entries := []QueueEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func (s *SQLStore) GetEntry(ctx context.Context, id int64) (QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+entryColumns+` FROM sync_queue WHERE id = ?`), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return QueueEntry{}, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// PendingRowIDs lists row ids of the table that still have unsynced writes.
// On failure the set is empty (never nil) so callers can treat it as a hint.
func (s *SQLStore) PendingRowIDs(ctx context.Context, table string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT DISTINCT row_id FROM sync_queue
		WHERE tbl = ? AND status IN (?, ?)`), table, string(StatusPending), string(StatusSyncing))
	if err != nil {
		s.logger.Error("Failed to list pending row ids", zap.Error(err), zap.String("table", table))
		return ids, fmt.Errorf("pending row ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return make(map[string]struct{}), fmt.Errorf("scan row id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return make(map[string]struct{}), fmt.Errorf("pending row ids: %w", err)
	}
	return ids, nil
}

// UpdateEntry persists Status, ScheduledAt and RetryCount of e. Terminal
// entries and retry count decreases are refused with ErrTerminal.
func (s *SQLStore) UpdateEntry(ctx context.Context, e QueueEntry) error {
	if !e.Status.Valid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE sync_queue
		SET status = ?, scheduled_at = ?, retry_count = ?
		WHERE id = ?
		  AND status NOT IN (?, ?)
		  AND retry_count <= ?`),
		string(e.Status), e.ScheduledAt, e.RetryCount, e.ID,
		string(StatusCompleted), string(StatusFailed), e.RetryCount)
	if err != nil {
		s.logger.Error("Failed to update entry", zap.Error(err), zap.Int64("entry_id", e.ID))
		return fmt.Errorf("update entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetEntry(ctx, e.ID); err != nil {
		return err
	}
	return ErrTerminal
}

// QueueStats counts entries per status.
func (s *SQLStore) QueueStats(ctx context.Context) (map[Status]int, error) {
	stats := map[Status]int{
		StatusPending:   0,
		StatusSyncing:   0,
		StatusCompleted: 0,
		StatusFailed:    0,
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		s.logger.Error("Failed to count queue entries", zap.Error(err))
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[Status(status)] = n
	}
	return stats, rows.Err()
}
