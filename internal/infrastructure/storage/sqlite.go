package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/delta_neutral/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS hedge_cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instrument TEXT NOT NULL,
			action TEXT NOT NULL,
			open_equity REAL NOT NULL,
			close_equity REAL NOT NULL,
			filled_amount REAL NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_hedge_cycles_instrument ON hedge_cycles(instrument);`,
		`CREATE TABLE IF NOT EXISTS rebalances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange TEXT NOT NULL,
			instrument TEXT NOT NULL,
			side TEXT NOT NULL,
			amount REAL NOT NULL,
			price REAL NOT NULL,
			order_id TEXT,
			success BOOLEAN NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rebalances_instrument ON rebalances(instrument);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

func (s *SQLiteStore) SaveHedgeCycle(ctx context.Context, rec *domain.HedgeCycleRecord) error {
	query := `INSERT INTO hedge_cycles (instrument, action, open_equity, close_equity, filled_amount, created_at)
			  VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		rec.Instrument, rec.Action, rec.OpenEquity, rec.CloseEquity, rec.FilledAmount, rec.CreatedAt)
	if err != nil {
		return err
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListHedgeCycles(ctx context.Context, limit int) ([]*domain.HedgeCycleRecord, error) {
	query := `SELECT id, instrument, action, open_equity, close_equity, filled_amount, created_at
			  FROM hedge_cycles ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*domain.HedgeCycleRecord
	for rows.Next() {
		var r domain.HedgeCycleRecord
		if err := rows.Scan(&r.ID, &r.Instrument, &r.Action, &r.OpenEquity, &r.CloseEquity, &r.FilledAmount, &r.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) SaveRebalance(ctx context.Context, rec *domain.RebalanceRecord) error {
	query := `INSERT INTO rebalances (exchange, instrument, side, amount, price, order_id, success, reason, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		rec.Exchange, rec.Instrument, string(rec.Side), rec.Amount, rec.Price, rec.OrderID, rec.Success, rec.Reason, rec.CreatedAt)
	if err != nil {
		return err
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListRebalances(ctx context.Context, limit int) ([]*domain.RebalanceRecord, error) {
	query := `SELECT id, exchange, instrument, side, amount, price, order_id, success, reason, created_at
			  FROM rebalances ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*domain.RebalanceRecord
	for rows.Next() {
		var r domain.RebalanceRecord
		var side string
		if err := rows.Scan(&r.ID, &r.Exchange, &r.Instrument, &side, &r.Amount, &r.Price, &r.OrderID, &r.Success, &r.Reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Side = domain.Side(side)
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
