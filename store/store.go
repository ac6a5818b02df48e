// Package store provides the persisted state layer for the grid engine:
// session metadata, the order-placement ledger and fill records.
// All database operations go through this package.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	"gridops/logger"
)

// Scope identifies one (exchange, user, symbol) grid session's keyspace.
type Scope struct {
	Exchange string
	UserID   string
	Symbol   string
}

// Key returns the namespaced key used in logs and notifications.
func (sc Scope) Key() string {
	return fmt.Sprintf("%s:user:%s:symbol:%s", sc.Exchange, sc.UserID, sc.Symbol)
}

// Store is the unified storage facade.
type Store struct {
	db *sql.DB

	// Sub-stores (lazy initialization)
	session *SessionStore
	ledger  *LedgerStore
	trade   *TradeStore

	mu sync.RWMutex
}

// New creates a Store backed by the sqlite database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	logger.Infof("✅ Database initialized: %s", dbPath)
	return s, nil
}

// NewFromDB creates a Store from an existing connection (tests).
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}
	return s, nil
}

// initTables initializes all tables in dependency order.
func (s *Store) initTables() error {
	if err := s.Session().initTables(); err != nil {
		return fmt.Errorf("failed to initialize session tables: %w", err)
	}
	if err := s.Ledger().initTables(); err != nil {
		return fmt.Errorf("failed to initialize ledger tables: %w", err)
	}
	if err := s.Trade().initTables(); err != nil {
		return fmt.Errorf("failed to initialize trade tables: %w", err)
	}
	return nil
}

// Session gets session storage
func (s *Store) Session() *SessionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		s.session = &SessionStore{db: s.db}
	}
	return s.session
}

// Ledger gets order-placement ledger storage
func (s *Store) Ledger() *LedgerStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledger == nil {
		s.ledger = &LedgerStore{db: s.db}
	}
	return s.ledger
}

// Trade gets fill/volume storage
func (s *Store) Trade() *TradeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trade == nil {
		s.trade = &TradeStore{db: s.db}
	}
	return s.trade
}

// Sweep deletes expired level flags and aged-out placed prices.
// Called periodically by the orchestrator watchdog; expiry is also
// enforced at read time, so a missed sweep only costs disk space.
func (s *Store) Sweep() error {
	if err := s.Ledger().sweepExpired(); err != nil {
		return fmt.Errorf("ledger sweep failed: %w", err)
	}
	return nil
}

// Transaction executes fn inside a transaction.
func (s *Store) Transaction(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection (tests only).
func (s *Store) DB() *sql.DB {
	return s.db
}
