// Package storage implements the persistent classification store and the
// supplier rule store on SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements service.ClassificationStore and
// service.RuleStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("dbPath must not be empty")
	}

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't benefit from multiple connections, and a single
	// connection serializes concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if it doesn't exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS classifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_scope TEXT NOT NULL,
			supplier_name TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			l1 TEXT NOT NULL,
			l2 TEXT NOT NULL DEFAULT '',
			l3 TEXT NOT NULL DEFAULT '',
			l4 TEXT NOT NULL DEFAULT '',
			l5 TEXT NOT NULL DEFAULT '',
			override_rule_applied TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '',
			usage_count INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(run_scope, supplier_name, fingerprint)
		)`,
		`CREATE TABLE IF NOT EXISTS supplier_l1_classifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_scope TEXT NOT NULL,
			supplier_name TEXT NOT NULL,
			l1_key TEXT NOT NULL,
			l1 TEXT NOT NULL,
			l2 TEXT NOT NULL DEFAULT '',
			l3 TEXT NOT NULL DEFAULT '',
			l4 TEXT NOT NULL DEFAULT '',
			l5 TEXT NOT NULL DEFAULT '',
			override_rule_applied TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '',
			usage_count INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(run_scope, supplier_name, l1_key)
		)`,
		`CREATE TABLE IF NOT EXISTS supplier_profiles (
			supplier_name TEXT PRIMARY KEY,
			official_name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			industry TEXT NOT NULL DEFAULT '',
			products_services TEXT NOT NULL DEFAULT '',
			service_type TEXT NOT NULL DEFAULT '',
			confidence TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS supplier_direct_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			supplier_name TEXT NOT NULL,
			dataset_name TEXT NOT NULL DEFAULT '',
			classification_path TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			use_count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(supplier_name, dataset_name)
		)`,
		`CREATE TABLE IF NOT EXISTS supplier_taxonomy_constraints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			supplier_name TEXT NOT NULL,
			dataset_name TEXT NOT NULL DEFAULT '',
			allowed_paths TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(supplier_name, dataset_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_classifications_lookup
			ON classifications(run_scope, supplier_name)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
