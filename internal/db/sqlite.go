package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"traveltracker/internal/config"
)

var pingFn = func(ctx context.Context, db *sql.DB) error {
	return db.PingContext(ctx)
}

// OpenSQLite opens the on-device database at cfg.JournalPath. An in-memory
// database is pinned to a single connection so every query sees the same data.
func OpenSQLite(cfg config.Config) (*sql.DB, error) {
	if cfg.JournalPath == "" {
		return nil, errors.New("journal path required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := sql.Open("sqlite", cfg.JournalPath)
	if err != nil {
		return nil, err
	}
	if cfg.JournalPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := pingFn(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
