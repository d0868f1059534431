package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const dirPerm = 0755

// InitDB opens the SQLite database at path and creates the resume_records
// table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, err
	}

	// Writes come from a single scheduler; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS resume_records (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		destination_path TEXT NOT NULL,
		received_bytes INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT -1,
		validator TEXT,
		updated_at DATETIME NOT NULL
	)`)
	if err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}
