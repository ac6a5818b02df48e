package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionRecord is the persisted form of a grid session. It carries the
// original start parameters so a crashed process can replay them on boot.
type SessionRecord struct {
	ID           string    `json:"id"`
	Exchange     string    `json:"exchange"`
	UserID       string    `json:"user_id"`
	Symbol       string    `json:"symbol"`
	GridNum      int       `json:"grid_num"`
	Leverage     int       `json:"leverage"`
	Direction    string    `json:"direction"` // long / short / long-short
	CapitalPlan  []float64 `json:"capital_plan"`
	Running      bool      `json:"running"`
	LastEntryAt  time.Time `json:"last_entry_at"`
	LastEntryPx  float64   `json:"last_entry_price"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Scope returns the session's keyspace scope.
func (r *SessionRecord) Scope() Scope {
	return Scope{Exchange: r.Exchange, UserID: r.UserID, Symbol: r.Symbol}
}

// SessionStore persists session metadata and the running-symbols replay set.
type SessionStore struct {
	db *sql.DB
}

func (s *SessionStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS grid_sessions (
			id TEXT PRIMARY KEY,
			exchange TEXT NOT NULL,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			grid_num INTEGER NOT NULL,
			leverage INTEGER DEFAULT 1,
			direction TEXT DEFAULT 'long-short',
			capital_json TEXT DEFAULT '[]',
			running INTEGER DEFAULT 0,
			last_entry_at DATETIME,
			last_entry_price REAL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(exchange, user_id, symbol)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create grid_sessions table: %w", err)
	}

	indices := []string{
		`CREATE INDEX IF NOT EXISTS idx_grid_sessions_running ON grid_sessions(exchange, running)`,
		`CREATE INDEX IF NOT EXISTS idx_grid_sessions_user ON grid_sessions(user_id)`,
	}
	for _, idx := range indices {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Save upserts a session record. Saving an existing (exchange,user,symbol)
// keeps the original id so re-initialization stays idempotent.
func (s *SessionStore) Save(rec *SessionRecord) error {
	capital, err := json.Marshal(rec.CapitalPlan)
	if err != nil {
		return fmt.Errorf("failed to encode capital plan: %w", err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(`
		INSERT INTO grid_sessions (
			id, exchange, user_id, symbol, grid_num, leverage, direction,
			capital_json, running, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exchange, user_id, symbol) DO UPDATE SET
			grid_num = excluded.grid_num,
			leverage = excluded.leverage,
			direction = excluded.direction,
			capital_json = excluded.capital_json,
			running = excluded.running,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Exchange, rec.UserID, rec.Symbol, rec.GridNum, rec.Leverage,
		rec.Direction, string(capital), boolToInt(rec.Running), now, now)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.Scope().Key(), err)
	}
	return nil
}

// Get fetches the session for scope, or nil when none exists.
func (s *SessionStore) Get(sc Scope) (*SessionRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, exchange, user_id, symbol, grid_num, leverage, direction,
		       capital_json, running, last_entry_at, last_entry_price, created_at, updated_at
		FROM grid_sessions
		WHERE exchange = ? AND user_id = ? AND symbol = ?
	`, sc.Exchange, sc.UserID, sc.Symbol)

	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// SetRunning flips the session's running flag. running=false halts all
// loops without destroying session state.
func (s *SessionStore) SetRunning(sc Scope, running bool) error {
	_, err := s.db.Exec(`
		UPDATE grid_sessions SET running = ?, updated_at = ?
		WHERE exchange = ? AND user_id = ? AND symbol = ?
	`, boolToInt(running), time.Now().UTC().Format(time.RFC3339), sc.Exchange, sc.UserID, sc.Symbol)
	return err
}

// IsRunning reports whether scope has a session flagged running.
func (s *SessionStore) IsRunning(sc Scope) (bool, error) {
	var running int
	err := s.db.QueryRow(`
		SELECT running FROM grid_sessions
		WHERE exchange = ? AND user_id = ? AND symbol = ?
	`, sc.Exchange, sc.UserID, sc.Symbol).Scan(&running)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return running != 0, nil
}

// ListRunning returns every session flagged running for an exchange
// (all exchanges when exchange is empty). This is the crash-recovery
// replay set.
func (s *SessionStore) ListRunning(exchange string) ([]*SessionRecord, error) {
	query := `
		SELECT id, exchange, user_id, symbol, grid_num, leverage, direction,
		       capital_json, running, last_entry_at, last_entry_price, created_at, updated_at
		FROM grid_sessions WHERE running = 1`
	args := []interface{}{}
	if exchange != "" {
		query += ` AND exchange = ?`
		args = append(args, exchange)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query running sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateLastEntry records the most recent entry fill for a symbol.
func (s *SessionStore) UpdateLastEntry(sc Scope, price float64, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE grid_sessions SET last_entry_at = ?, last_entry_price = ?, updated_at = ?
		WHERE exchange = ? AND user_id = ? AND symbol = ?
	`, at.UTC().Format(time.RFC3339), price, time.Now().UTC().Format(time.RFC3339),
		sc.Exchange, sc.UserID, sc.Symbol)
	return err
}

// Delete removes the session row entirely (explicit stop).
func (s *SessionStore) Delete(sc Scope) error {
	_, err := s.db.Exec(`
		DELETE FROM grid_sessions WHERE exchange = ? AND user_id = ? AND symbol = ?
	`, sc.Exchange, sc.UserID, sc.Symbol)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var capital string
	var running int
	var lastEntryAt, createdAt, updatedAt sql.NullString

	err := row.Scan(&rec.ID, &rec.Exchange, &rec.UserID, &rec.Symbol, &rec.GridNum,
		&rec.Leverage, &rec.Direction, &capital, &running, &lastEntryAt,
		&rec.LastEntryPx, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(capital), &rec.CapitalPlan); err != nil {
		return nil, fmt.Errorf("failed to decode capital plan: %w", err)
	}
	rec.Running = running != 0
	rec.LastEntryAt = parseTime(lastEntryAt)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, v.String); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", v.String); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
