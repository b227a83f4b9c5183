package sqlitedb

import (
	"context"
	"fmt"
	"time"

	"github.com/Nzyazin/fanledger/internal/core/logger"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// NewSQLiteDB opens an embedded database file. SQLite allows a single writer,
// so the pool is pinned to one connection and callers queue on it.
func NewSQLiteDB(path string, log logger.Logger) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	log.Info("Opened SQLite database", logger.StringField("path", path))
	return db, nil
}
