// Package postgres persists chat messages and answers shipment ownership
// questions from a PostgreSQL database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/trackfast/support-chat/internal/storage/postgres/migrations"
)

// DB wraps the database handle shared by the message store and directory.
type DB struct {
	sqlDB *sql.DB
}

// Open connects to databaseURL, verifies the connection and applies the
// embedded migrations.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	if databaseURL == "" {
		return nil, errors.New("postgres: database url is required")
	}

	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if err := migrateUp(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &DB{sqlDB: sqlDB}, nil
}

// migrateUp applies pending migrations. The migrate instance is not closed
// because closing it would close sqlDB as well.
func migrateUp(sqlDB *sql.DB) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("postgres: load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("postgres: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	version, dirty, err := m.Version()
	if err == nil {
		log.Printf("[postgres] schema at version %d (dirty=%t)", version, dirty)
	}
	return nil
}

// Messages returns the message store backed by this database.
func (db *DB) Messages() *MessageStore {
	return &MessageStore{db: db.sqlDB}
}

// Directory returns the ownership directory backed by this database.
func (db *DB) Directory() *Directory {
	return &Directory{db: db.sqlDB}
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.sqlDB.PingContext(ctx)
}

// Close closes the database handle.
func (db *DB) Close() error {
	if db == nil || db.sqlDB == nil {
		return nil
	}
	return db.sqlDB.Close()
}
