package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"order_orchestrator/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS fills (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT    NOT NULL,
	order_id   TEXT    NOT NULL,
	size       TEXT    NOT NULL,
	price      TEXT    NOT NULL,
	requested  TEXT    NOT NULL,
	filled_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_run ON fills (run_id, id);
CREATE TABLE IF NOT EXISTS run_status (
	run_id     TEXT PRIMARY KEY,
	data       BLOB    NOT NULL,
	checksum   BLOB    NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteJournal implements core.IRunJournal on a SQLite database in WAL mode
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (creating if needed) the journal at dbPath
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL keeps fills written before a crash.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

func (s *SQLiteJournal) RecordFill(ctx context.Context, runID string, fill core.Fill) error {
	query := `INSERT INTO fills (run_id, order_id, size, price, requested, filled_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		runID,
		fill.OrderID,
		fill.Size.String(),
		fill.Price.String(),
		fill.Requested.String(),
		fill.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to write fill: %w", err)
	}
	return nil
}

func (s *SQLiteJournal) LoadFills(ctx context.Context, runID string) ([]core.Fill, error) {
	query := `SELECT order_id, size, price, requested, filled_at FROM fills WHERE run_id = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read fills: %w", err)
	}
	defer rows.Close()

	var fills []core.Fill
	for rows.Next() {
		var (
			orderID, size, price, requested string
			filledAt                        int64
		)
		if err := rows.Scan(&orderID, &size, &price, &requested, &filledAt); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}

		fill := core.Fill{OrderID: orderID, Timestamp: time.Unix(0, filledAt)}
		if fill.Size, err = decimal.NewFromString(size); err != nil {
			return nil, fmt.Errorf("corrupt fill size %q: %w", size, err)
		}
		if fill.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("corrupt fill price %q: %w", price, err)
		}
		if fill.Requested, err = decimal.NewFromString(requested); err != nil {
			return nil, fmt.Errorf("corrupt fill request %q: %w", requested, err)
		}
		fills = append(fills, fill)
	}
	return fills, rows.Err()
}

// SaveStatus stores the final status document of a run with a checksum
func (s *SQLiteJournal) SaveStatus(ctx context.Context, runID string, status []byte) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	checksum := sha256.Sum256(status)
	query := `INSERT OR REPLACE INTO run_status (run_id, data, checksum, updated_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, runID, status, checksum[:], time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return tx.Commit()
}

// LoadStatus returns the saved status of runID, nil when none was saved
func (s *SQLiteJournal) LoadStatus(ctx context.Context, runID string) ([]byte, error) {
	var data, stored []byte
	err := s.db.QueryRowContext(ctx, `SELECT data, checksum FROM run_status WHERE run_id = ?`, runID).Scan(&data, &stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read status: %w", err)
	}

	computed := sha256.Sum256(data)
	if string(stored) != string(computed[:]) {
		return nil, fmt.Errorf("checksum verification failed for run %s", runID)
	}
	return data, nil
}

func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}

var _ core.IRunJournal = (*SQLiteJournal)(nil)
