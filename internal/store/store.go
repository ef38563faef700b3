package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratelite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("already exists")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("state changed concurrently")
)

//go:embed migrations
var migrationsFS embed.FS

// Store is the checkout repository. Queries are written with '?' placeholders
// and rebound for the active driver.
type Store struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// NewStore connects to the database identified by driver and url.
func NewStore(driver, url string) (*Store, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Connect(driver, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		// sqlite serialises writers; one connection avoids SQLITE_BUSY between
		// a transaction and a concurrent read.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, driver: driver, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the active driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks the connection, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded migrations for the active driver.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations/"+s.driver)
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	var drv database.Driver
	switch s.driver {
	case DriverPostgres:
		drv, err = migratepg.WithInstance(s.db.DB, &migratepg.Config{})
	case DriverSQLite:
		drv, err = migratelite.WithInstance(s.db.DB, &migratelite.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	// m.Close is not called: it would close the shared *sql.DB.
	m, err := migrate.NewWithInstance("iofs", src, s.driver, drv)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Tx is a unit of work. All writes that must be atomic with order creation go
// through its methods.
type Tx struct {
	tx  *sqlx.Tx
	now time.Time
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{tx: tx, now: s.now()}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Now returns the timestamp the transaction writes with.
func (t *Tx) Now() time.Time {
	return t.now
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
