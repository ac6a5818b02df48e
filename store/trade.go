package store

import (
	"database/sql"
	"fmt"
	"time"
)

// FillRecord is one executed entry or exit, kept for volume accounting.
type FillRecord struct {
	ID       int64     `json:"id"`
	Exchange string    `json:"exchange"`
	UserID   string    `json:"user_id"`
	Symbol   string    `json:"symbol"`
	OrderID  string    `json:"order_id"`
	Level    int       `json:"level"`
	Side     string    `json:"side"` // buy / sell
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	Notional float64   `json:"notional"`
	FilledAt time.Time `json:"filled_at"`
}

// TradeStore persists fills and answers traded-volume queries.
type TradeStore struct {
	db *sql.DB
}

func (s *TradeStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS grid_fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange TEXT NOT NULL,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			order_id TEXT NOT NULL,
			level INTEGER DEFAULT 0,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			quantity REAL NOT NULL,
			notional REAL NOT NULL,
			filled_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create grid_fills table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_grid_fills_scope
			ON grid_fills(exchange, user_id, symbol, filled_at DESC)
	`)
	return err
}

// RecordFill appends one executed fill.
func (s *TradeStore) RecordFill(rec *FillRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO grid_fills (exchange, user_id, symbol, order_id, level, side, price, quantity, notional, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Exchange, rec.UserID, rec.Symbol, rec.OrderID, rec.Level, rec.Side,
		rec.Price, rec.Quantity, rec.Notional, rec.FilledAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record fill %s: %w", rec.OrderID, err)
	}
	return nil
}

// VolumeSince returns the summed notional traded in scope since the cutoff.
func (s *TradeStore) VolumeSince(sc Scope, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT SUM(notional) FROM grid_fills
		WHERE exchange = ? AND user_id = ? AND symbol = ? AND filled_at >= ?
	`, sc.Exchange, sc.UserID, sc.Symbol, since.UTC().Format(time.RFC3339)).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// RecentFills returns the latest fills for scope, newest first.
func (s *TradeStore) RecentFills(sc Scope, limit int) ([]*FillRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, exchange, user_id, symbol, order_id, level, side, price, quantity, notional, filled_at
		FROM grid_fills
		WHERE exchange = ? AND user_id = ? AND symbol = ?
		ORDER BY filled_at DESC LIMIT ?
	`, sc.Exchange, sc.UserID, sc.Symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FillRecord
	for rows.Next() {
		var rec FillRecord
		var filledAt sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Exchange, &rec.UserID, &rec.Symbol, &rec.OrderID,
			&rec.Level, &rec.Side, &rec.Price, &rec.Quantity, &rec.Notional, &filledAt); err != nil {
			return nil, err
		}
		rec.FilledAt = parseTime(filledAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
