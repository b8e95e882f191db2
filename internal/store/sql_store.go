// Package store is the local persistent store: named record tables plus the
// durable sync queue, on SQLite (embedded default) or Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gestor360/internal/log"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *log.Logger
	now     func() time.Time
}

type Option func(*SQLStore)

// WithClock overrides the clock used for scheduledAt and updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

// Open connects to driver ("sqlite" or "postgres") and creates the schema.
func Open(ctx context.Context, driver, dsn string, logger *log.Logger, opts ...Option) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if d.driver == "sqlite" {
		// a single writer avoids SQLITE_BUSY between our own connections
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
	}
	s, err := New(ctx, db, driver, logger, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool and creates the schema.
func New(ctx context.Context, db *sql.DB, driver string, logger *log.Logger, opts ...Option) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	s := &SQLStore{
		db:      db,
		dialect: d,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.Error("Failed to create local store schema", zap.Error(err))
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return s, nil
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Driver() string {
	return s.dialect.driver
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *SQLStore) Get(ctx context.Context, table, id string) (Record, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data FROM records WHERE tbl = ? AND id = ?`), table, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		s.logger.Error("Failed to get record", zap.Error(err), zap.String("table", table), zap.String("id", id))
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return Record{ID: id, Data: data}, nil
}

// GetAll returns the table's records ordered by id. A nil predicate keeps all.
func (s *SQLStore) GetAll(ctx context.Context, table string, predicate func(Record) bool) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, data FROM records WHERE tbl = ? ORDER BY id`), table)
	if err != nil {
		s.logger.Error("Failed to list records", zap.Error(err), zap.String("table", table))
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var data []byte
		if err := rows.Scan(&rec.ID, &data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Data = data
		if predicate == nil || predicate(rec) {
			records = append(records, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

const upsertRecord = `
	INSERT INTO records (tbl, id, data, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (tbl, id) DO UPDATE
	SET data = excluded.data,
	    updated_at = excluded.updated_at`

func (s *SQLStore) Put(ctx context.Context, table string, rec Record) error {
	if err := validateRecord(table, rec); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(upsertRecord), table, rec.ID, []byte(rec.Data), s.now().UnixMilli())
	if err != nil {
		s.logger.Error("Failed to put record", zap.Error(err), zap.String("table", table), zap.String("id", rec.ID))
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// BulkPut upserts all records in one transaction.
func (s *SQLStore) BulkPut(ctx context.Context, table string, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	for _, rec := range recs {
		if err := validateRecord(table, rec); err != nil {
			return err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.q(upsertRecord))
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := s.now().UnixMilli()
	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, table, rec.ID, []byte(rec.Data), now); err != nil {
			s.logger.Error("Failed to bulk put record", zap.Error(err), zap.String("table", table), zap.String("id", rec.ID))
			return fmt.Errorf("bulk put record %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, table, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM records WHERE tbl = ? AND id = ?`), table, id)
	if err != nil {
		s.logger.Error("Failed to delete record", zap.Error(err), zap.String("table", table), zap.String("id", id))
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Refresh stores records fetched from the remote store, skipping any row
// that still has unsynced local writes so they are not overwritten.
// It returns how many records were written.
func (s *SQLStore) Refresh(ctx context.Context, table string, fromRemote []Record) (int, error) {
	pending, err := s.PendingRowIDs(ctx, table)
	if err != nil {
		return 0, err
	}
	keep := make([]Record, 0, len(fromRemote))
	for _, rec := range fromRemote {
		if _, dirty := pending[rec.ID]; dirty {
			continue
		}
		keep = append(keep, rec)
	}
	if err := s.BulkPut(ctx, table, keep); err != nil {
		return 0, err
	}
	return len(keep), nil
}

func validateRecord(table string, rec Record) error {
	if table == "" || rec.ID == "" {
		return fmt.Errorf("table and record id are required")
	}
	if !json.Valid(rec.Data) {
		return fmt.Errorf("record %s/%s: data is not valid JSON", table, rec.ID)
	}
	return nil
}
