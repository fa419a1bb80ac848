// Package store persists grid trade history and run summaries in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"gridbot/logger"
)

// Store unified data storage
type Store struct {
	db *sql.DB

	// Sub-stores (lazy initialization)
	grid *GridStore

	mu sync.RWMutex
}

// New opens (creating when needed) the SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps SQLite writes serialized
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA busy_timeout=5000`} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure database: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	logger.Infof("✅ Database initialized (%s)", dbPath)
	return s, nil
}

func (s *Store) initTables() error {
	if err := s.Grid().initTables(); err != nil {
		return fmt.Errorf("failed to initialize grid tables: %w", err)
	}
	return nil
}

// Grid gets the grid journal
func (s *Store) Grid() *GridStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grid == nil {
		s.grid = &GridStore{db: s.db}
	}
	return s.grid
}

// DB returns the underlying connection (for tests and migrations)
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
