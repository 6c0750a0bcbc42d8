package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at dbPath and creates the schema if it
// doesn't exist.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS accounts (
		email TEXT PRIMARY KEY,
		dsid TEXT,
		name TEXT,
		region TEXT,
		guid TEXT,
		password_token TEXT,
		cookies TEXT,
		updated_at DATETIME
	)`)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS credentials (
		email TEXT PRIMARY KEY,
		key_id TEXT,
		iv BLOB,
		ciphertext BLOB
	)`)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		email TEXT,
		product_id TEXT,
		bundle_id TEXT,
		name TEXT,
		version TEXT,
		file_path TEXT,
		file_size INTEGER,
		downloaded_at DATETIME
	)`)
	if err != nil {
		return nil, err
	}

	return db, nil
}
