// Package sqlitedb opens SQLite databases with the settings every governor
// store relies on.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// pragmas: WAL so readers do not block the writer, a busy timeout so
// concurrent stores sharing one file wait instead of failing, and immediate
// transactions so read-modify-write sequences take the write lock up front.
const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

// Open opens the database at path. A single connection is kept so writes
// from one process are serialized.
func Open(path string) (*sql.DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
