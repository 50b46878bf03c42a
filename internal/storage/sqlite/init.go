package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS audiobooks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	duration REAL NOT NULL DEFAULT 0,
	file_size INTEGER NOT NULL DEFAULT 0,
	is_offline_available INTEGER NOT NULL DEFAULT 0,
	overall_progress REAL NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS chapters (
	id TEXT PRIMARY KEY,
	audiobook_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL DEFAULT 0,
	duration REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_chapters_audiobook ON chapters (audiobook_id);

CREATE TABLE IF NOT EXISTS downloads (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	audiobook_id TEXT NOT NULL,
	quality TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	progress REAL NOT NULL DEFAULT 0,
	file_path TEXT,
	file_size INTEGER,
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	UNIQUE (user_id, audiobook_id)
);

CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads (status, completed_at);

CREATE TABLE IF NOT EXISTS listening_history (
	user_id TEXT NOT NULL,
	audiobook_id TEXT NOT NULL,
	current_chapter_id TEXT,
	current_position REAL NOT NULL DEFAULT 0,
	progress REAL NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL DEFAULT 0,
	last_listened_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, audiobook_id)
);

CREATE TABLE IF NOT EXISTS chapter_progress (
	user_id TEXT NOT NULL,
	chapter_id TEXT NOT NULL,
	audiobook_id TEXT NOT NULL,
	current_position REAL NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, chapter_id)
);
`

// InitDB opens the SQLite database at path and creates the tables if they don't exist.
// SQLite serializes writers anyway; a single connection also keeps ":memory:" databases usable.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
