package store

import (
	"database/sql"
	"fmt"
	"time"
)

// TakeProfitRecord mirrors the active exit order paired with a filled entry.
// active=true implies a filled entry exists whose exit this record represents.
type TakeProfitRecord struct {
	Level       int       `json:"level"`
	OrderID     string    `json:"order_id"`
	TargetPrice float64   `json:"target_price"`
	Quantity    float64   `json:"quantity"`
	Side        string    `json:"side"` // long / short (the entry side being exited)
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// expiryLayout is fixed width so stored expiry strings compare
// lexicographically, with millisecond precision for short TTLs.
const expiryLayout = "2006-01-02T15:04:05.000Z"

func expiryStamp(t time.Time) string {
	return t.UTC().Format(expiryLayout)
}

// LedgerStore is the durable order-placement ledger: which levels hold an
// open order, which prices were recently submitted, and take-profit state.
// Level flags carry an expiry so a crashed process cannot lock a level
// past one reconciliation cycle.
type LedgerStore struct {
	db *sql.DB
}

func (s *LedgerStore) initTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS grid_level_flags (
			exchange TEXT NOT NULL,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			level INTEGER NOT NULL,
			expires_at DATETIME NOT NULL,
			PRIMARY KEY (exchange, user_id, symbol, level)
		)`,
		`CREATE TABLE IF NOT EXISTS grid_placed_prices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange TEXT NOT NULL,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			price REAL NOT NULL,
			expires_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_placed_prices_scope
			ON grid_placed_prices(exchange, user_id, symbol, expires_at)`,
		`CREATE TABLE IF NOT EXISTS grid_tp_records (
			exchange TEXT NOT NULL,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			level INTEGER NOT NULL,
			order_id TEXT DEFAULT '',
			target_price REAL DEFAULT 0,
			quantity REAL DEFAULT 0,
			side TEXT DEFAULT '',
			active INTEGER DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (exchange, user_id, symbol, level)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create ledger tables: %w", err)
		}
	}
	return nil
}

// ==================== Level placement flags ====================

// AcquireLevel atomically claims a level for ttl. Returns true when the
// caller won the claim, false when a live flag already exists. This is the
// SETNX-equivalent guard: the check and the set are one statement, so two
// concurrent entry attempts cannot both win the same level.
func (s *LedgerStore) AcquireLevel(sc Scope, level int, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := expiryStamp(now.Add(ttl))

	res, err := s.db.Exec(`
		INSERT INTO grid_level_flags (exchange, user_id, symbol, level, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(exchange, user_id, symbol, level) DO UPDATE SET
			expires_at = excluded.expires_at
		WHERE grid_level_flags.expires_at <= ?
	`, sc.Exchange, sc.UserID, sc.Symbol, level, expires, expiryStamp(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire level %d: %w", level, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IsLevelPlaced reports whether level holds a live placement flag.
func (s *LedgerStore) IsLevelPlaced(sc Scope, level int) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(1) FROM grid_level_flags
		WHERE exchange = ? AND user_id = ? AND symbol = ? AND level = ? AND expires_at > ?
	`, sc.Exchange, sc.UserID, sc.Symbol, level, expiryStamp(time.Now())).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResetLevel clears the placement flag for one level.
func (s *LedgerStore) ResetLevel(sc Scope, level int) error {
	_, err := s.db.Exec(`
		DELETE FROM grid_level_flags
		WHERE exchange = ? AND user_id = ? AND symbol = ? AND level = ?
	`, sc.Exchange, sc.UserID, sc.Symbol, level)
	return err
}

// ResetAllLevels clears every placement flag in scope. Used by the
// reconciler at the timeframe boundary: exchange order state is
// authoritative, flags are re-derived.
func (s *LedgerStore) ResetAllLevels(sc Scope) error {
	_, err := s.db.Exec(`
		DELETE FROM grid_level_flags
		WHERE exchange = ? AND user_id = ? AND symbol = ?
	`, sc.Exchange, sc.UserID, sc.Symbol)
	return err
}

// PlacedLevels returns the levels currently holding a live flag.
func (s *LedgerStore) PlacedLevels(sc Scope) ([]int, error) {
	rows, err := s.db.Query(`
		SELECT level FROM grid_level_flags
		WHERE exchange = ? AND user_id = ? AND symbol = ? AND expires_at > ?
		ORDER BY level
	`, sc.Exchange, sc.UserID, sc.Symbol, expiryStamp(time.Now()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var levels []int
	for rows.Next() {
		var lv int
		if err := rows.Scan(&lv); err != nil {
			return nil, err
		}
		levels = append(levels, lv)
	}
	return levels, rows.Err()
}

// ==================== Placed prices ====================

// RecordPrice appends a submitted price to the scope's recent-price list.
func (s *LedgerStore) RecordPrice(sc Scope, price float64, ttl time.Duration) error {
	_, err := s.db.Exec(`
		INSERT INTO grid_placed_prices (exchange, user_id, symbol, price, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, sc.Exchange, sc.UserID, sc.Symbol, price, expiryStamp(time.Now().Add(ttl)))
	return err
}

// RecentPrices returns all unexpired submitted prices for scope.
// Tolerance matching happens in the grid layer with decimal math.
func (s *LedgerStore) RecentPrices(sc Scope) ([]float64, error) {
	rows, err := s.db.Query(`
		SELECT price FROM grid_placed_prices
		WHERE exchange = ? AND user_id = ? AND symbol = ? AND expires_at > ?
	`, sc.Exchange, sc.UserID, sc.Symbol, expiryStamp(time.Now()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prices []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

// ClearPrices drops the scope's entire recent-price list (explicit stop).
func (s *LedgerStore) ClearPrices(sc Scope) error {
	_, err := s.db.Exec(`
		DELETE FROM grid_placed_prices WHERE exchange = ? AND user_id = ? AND symbol = ?
	`, sc.Exchange, sc.UserID, sc.Symbol)
	return err
}

// ==================== Take-profit records ====================

// SetTakeProfit upserts the take-profit record at rec.Level.
func (s *LedgerStore) SetTakeProfit(sc Scope, rec *TakeProfitRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO grid_tp_records (
			exchange, user_id, symbol, level, order_id, target_price, quantity, side, active, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exchange, user_id, symbol, level) DO UPDATE SET
			order_id = excluded.order_id,
			target_price = excluded.target_price,
			quantity = excluded.quantity,
			side = excluded.side,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, sc.Exchange, sc.UserID, sc.Symbol, rec.Level, rec.OrderID, rec.TargetPrice,
		rec.Quantity, rec.Side, boolToInt(rec.Active), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to set take-profit at level %d: %w", rec.Level, err)
	}
	return nil
}

// GetTakeProfit returns the record at level; an inactive zero record when
// none exists.
func (s *LedgerStore) GetTakeProfit(sc Scope, level int) (*TakeProfitRecord, error) {
	row := s.db.QueryRow(`
		SELECT level, order_id, target_price, quantity, side, active, updated_at
		FROM grid_tp_records
		WHERE exchange = ? AND user_id = ? AND symbol = ? AND level = ?
	`, sc.Exchange, sc.UserID, sc.Symbol, level)

	rec, err := scanTakeProfit(row)
	if err == sql.ErrNoRows {
		return &TakeProfitRecord{Level: level}, nil
	}
	return rec, err
}

// ActiveTakeProfits returns every active record in scope, optionally
// filtered by side.
func (s *LedgerStore) ActiveTakeProfits(sc Scope, side string) ([]*TakeProfitRecord, error) {
	query := `
		SELECT level, order_id, target_price, quantity, side, active, updated_at
		FROM grid_tp_records
		WHERE exchange = ? AND user_id = ? AND symbol = ? AND active = 1`
	args := []interface{}{sc.Exchange, sc.UserID, sc.Symbol}
	if side != "" {
		query += ` AND side = ?`
		args = append(args, side)
	}
	query += ` ORDER BY level`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TakeProfitRecord
	for rows.Next() {
		rec, err := scanTakeProfit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClearTakeProfit deactivates and zeroes the record at level.
func (s *LedgerStore) ClearTakeProfit(sc Scope, level int) error {
	_, err := s.db.Exec(`
		DELETE FROM grid_tp_records
		WHERE exchange = ? AND user_id = ? AND symbol = ? AND level = ?
	`, sc.Exchange, sc.UserID, sc.Symbol, level)
	return err
}

// ClearTakeProfitsBySide removes all records for one side (regime flatten).
// Empty side clears everything in scope.
func (s *LedgerStore) ClearTakeProfitsBySide(sc Scope, side string) error {
	query := `DELETE FROM grid_tp_records WHERE exchange = ? AND user_id = ? AND symbol = ?`
	args := []interface{}{sc.Exchange, sc.UserID, sc.Symbol}
	if side != "" {
		query += ` AND side = ?`
		args = append(args, side)
	}
	_, err := s.db.Exec(query, args...)
	return err
}

func scanTakeProfit(row rowScanner) (*TakeProfitRecord, error) {
	var rec TakeProfitRecord
	var active int
	var updatedAt sql.NullString
	err := row.Scan(&rec.Level, &rec.OrderID, &rec.TargetPrice, &rec.Quantity,
		&rec.Side, &active, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Active = active != 0
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// sweepExpired removes dead flags and aged-out prices.
func (s *LedgerStore) sweepExpired() error {
	now := expiryStamp(time.Now())
	if _, err := s.db.Exec(`DELETE FROM grid_level_flags WHERE expires_at <= ?`, now); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM grid_placed_prices WHERE expires_at <= ?`, now)
	return err
}
