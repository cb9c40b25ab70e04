package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// DB is a connection pool together with the dialect it speaks.
type DB struct {
	*sql.DB
	Driver Driver
}

func Open(dsn string) (*DB, error) {
	driver, source, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(string(driver), source)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	switch driver {
	case DriverSQLite:
		// one connection keeps :memory: databases shared and serialises writers
		db.SetMaxOpenConns(1)
	default:
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	return &DB{DB: db, Driver: driver}, nil
}

func Ping(ctx context.Context, db *DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS route_geometry (
	road_id    TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	updated_at BIGINT NOT NULL
);`

// InitSchema creates the tables the replay service writes to.
func InitSchema(ctx context.Context, db *DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}
