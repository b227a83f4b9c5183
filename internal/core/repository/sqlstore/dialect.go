package sqlstore

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/Nzyazin/fanledger/internal/core/repository"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect carries what differs between the supported SQL engines.
type Dialect struct {
	Name      string
	BindType  int
	TxOptions *sql.TxOptions
	Schema    []string
	// classify maps driver errors onto repository sentinels. Unknown errors
	// are returned unchanged.
	classify func(error) error
}

var Postgres = Dialect{
	Name:      "postgres",
	BindType:  sqlx.DOLLAR,
	TxOptions: &sql.TxOptions{Isolation: sql.LevelSerializable},
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			owner_id   TEXT PRIMARY KEY,
			balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			currency   TEXT NOT NULL,
			version    BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id              UUID PRIMARY KEY,
			seq             BIGSERIAL NOT NULL,
			kind            TEXT NOT NULL,
			sender_id       TEXT,
			recipient_id    TEXT,
			amount          BIGINT NOT NULL CHECK (amount > 0),
			currency        TEXT NOT NULL,
			status          TEXT NOT NULL,
			idempotency_key TEXT UNIQUE,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_sender ON transactions (sender_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_recipient ON transactions (recipient_id, created_at DESC)`,
	},
	classify: classifyPostgres,
}

var SQLite = Dialect{
	Name:     "sqlite",
	BindType: sqlx.QUESTION,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			owner_id   TEXT PRIMARY KEY,
			balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
			currency   TEXT NOT NULL,
			version    INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			kind            TEXT NOT NULL,
			sender_id       TEXT,
			recipient_id    TEXT,
			amount          INTEGER NOT NULL CHECK (amount > 0),
			currency        TEXT NOT NULL,
			status          TEXT NOT NULL,
			idempotency_key TEXT UNIQUE,
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_sender ON transactions (sender_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_recipient ON transactions (recipient_id, created_at DESC)`,
	},
	classify: classifySQLite,
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, bool) {
	switch name {
	case Postgres.Name:
		return Postgres, true
	case SQLite.Name:
		return SQLite, true
	}
	return Dialect{}, false
}

func (d Dialect) rebind(query string) string {
	return sqlx.Rebind(d.BindType, query)
}

func (d Dialect) translate(err error) error {
	if err == nil || d.classify == nil {
		return err
	}
	return d.classify(err)
}

func classifyPostgres(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	// 40001 serialization_failure, 40P01 deadlock_detected
	case "40001", "40P01":
		return errors.Join(repository.ErrVersionConflict, err)
	case "23505":
		return errors.Join(repository.ErrDuplicate, err)
	case "23514":
		return errors.Join(repository.ErrInsufficientFunds, err)
	}
	return err
}

func classifySQLite(err error) error {
	var sqErr *sqlite.Error
	if !errors.As(err, &sqErr) {
		return err
	}
	switch sqErr.Code() {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return errors.Join(repository.ErrVersionConflict, err)
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return errors.Join(repository.ErrDuplicate, err)
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		return errors.Join(repository.ErrInsufficientFunds, err)
	}
	// without extended result codes only the primary code is set
	if sqErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		msg := sqErr.Error()
		switch {
		case strings.Contains(msg, "UNIQUE"), strings.Contains(msg, "PRIMARY KEY"):
			return errors.Join(repository.ErrDuplicate, err)
		case strings.Contains(msg, "CHECK"):
			return errors.Join(repository.ErrInsufficientFunds, err)
		}
	}
	return err
}
