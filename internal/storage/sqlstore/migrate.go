package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/goodtune/tvbill/internal/storage/sqlstore/migrations"
)

// Migrate applies the embedded migrations for the store's dialect.
// Running it on an up-to-date schema is a no-op.
func (s *Store) Migrate(ctx context.Context) error {
	src, err := iofs.New(migrations.FS, string(s.dialect))
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	defer src.Close()

	var driver database.Driver
	switch s.dialect {
	case SQLite:
		// Shares s.db, so the migrate instance is never closed.
		driver, err = sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	case Postgres:
		conn, cerr := s.db.Conn(ctx)
		if cerr != nil {
			return fmt.Errorf("acquire migration connection: %w", cerr)
		}
		defer conn.Close()
		driver, err = pgmigrate.WithConnection(ctx, conn, &pgmigrate.Config{})
	default:
		return fmt.Errorf("no migrations for dialect %s", s.dialect)
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(s.dialect), driver)
	if err != nil {
		return fmt.Errorf("migrate new: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
