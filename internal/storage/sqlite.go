package storage

import (
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const defaultSQLiteDSN = "file:authrisk.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

type sqliteStore struct {
	baseStore
}

// NewSQLite opens a single-connection pool: sqlite allows one writer, and
// an in-memory database exists only on the connection that created it.
func NewSQLite(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = defaultSQLiteDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	return &sqliteStore{baseStore{db: db, dialect: sqliteDialect}}, nil
}

func isSQLiteDuplicate(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
