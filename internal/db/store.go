package db

import "database/sql"

// Store wraps the shared SQLite connection. All repositories hang off
// a single Store so the one-connection rule holds everywhere.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store around an open database connection.
func NewStore(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB}
}

// DB returns the underlying database connection for sharing with other components
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}
