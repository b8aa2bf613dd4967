package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	// one connection is pinned by the change listener
	db.SetMaxOpenConns(21)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// Backend is an opened document store plus what the process has to run and
// release alongside it.
type Backend struct {
	Store  Store
	DB     *sql.DB
	Listen func(ctx context.Context) error
	Close  func() error
}

// OpenBackend opens the store named by driver. The postgres driver applies
// migrations before returning.
func OpenBackend(ctx context.Context, driver, databaseURL, migrationsDir string) (Backend, error) {
	switch driver {
	case DriverMemory:
		return Backend{
			Store:  NewMemoryStore(),
			Listen: func(ctx context.Context) error { <-ctx.Done(); return nil },
			Close:  func() error { return nil },
		}, nil
	case DriverPostgres, "":
		db, err := Open(ctx, databaseURL)
		if err != nil {
			return Backend{}, err
		}
		if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
			_ = db.Close()
			return Backend{}, err
		}
		pg := NewPostgresStore(db)
		return Backend{Store: pg, DB: db, Listen: pg.Listen, Close: db.Close}, nil
	default:
		return Backend{}, fmt.Errorf("unknown store driver %q", driver)
	}
}
