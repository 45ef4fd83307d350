package storage

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = &dialect{
	storeBreakpoint: `
		INSERT OR REPLACE INTO breakpoints (file, line, condition, temporary, enabled, ignore_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
	deleteBreakpoint: "DELETE FROM breakpoints WHERE file = ? AND line = ?",
	storeWatch: `
		INSERT INTO watches (condition, temporary, enabled, ignore_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(condition) DO UPDATE SET
			temporary = excluded.temporary,
			enabled = excluded.enabled,
			ignore_count = excluded.ignore_count`,
	deleteWatch: "DELETE FROM watches WHERE condition = ?",
}

// SQLiteStorage is a SQLite storage backend.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage backend.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStorage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// init creates the necessary tables.
func (s *SQLiteStorage) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS breakpoints (
			file TEXT NOT NULL,
			line INTEGER NOT NULL,
			condition TEXT DEFAULT '',
			temporary INTEGER DEFAULT 0,
			enabled INTEGER DEFAULT 1,
			ignore_count INTEGER DEFAULT 0,
			PRIMARY KEY (file, line)
		);
		CREATE TABLE IF NOT EXISTS watches (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			condition TEXT NOT NULL UNIQUE,
			temporary INTEGER DEFAULT 0,
			enabled INTEGER DEFAULT 1,
			ignore_count INTEGER DEFAULT 0
		);
	`)
	return err
}

func (s *SQLiteStorage) StoreBreakpoint(bp *BreakpointData) error {
	return sqliteDialect.execStoreBreakpoint(s.db, bp)
}

func (s *SQLiteStorage) DeleteBreakpoint(file string, line int) error {
	return sqliteDialect.execDeleteBreakpoint(s.db, file, line)
}

func (s *SQLiteStorage) LoadBreakpoints() ([]*BreakpointData, error) {
	return loadBreakpoints(s.db)
}

func (s *SQLiteStorage) StoreWatch(w *WatchData) error {
	return sqliteDialect.execStoreWatch(s.db, w)
}

func (s *SQLiteStorage) DeleteWatch(condition string) error {
	return sqliteDialect.execDeleteWatch(s.db, condition)
}

func (s *SQLiteStorage) LoadWatches() ([]*WatchData, error) {
	return loadWatches(s.db)
}

// Clear removes all data.
func (s *SQLiteStorage) Clear() error {
	return execClear(s.db)
}

// BeginTransaction starts an atomic operation.
func (s *SQLiteStorage) BeginTransaction() (Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &sqlTransaction{tx: tx, d: sqliteDialect}, nil
}

// Close closes the storage backend.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
