// Package migrations embeds the batch export control-plane schema and
// applies it at process start.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
)

//go:embed *.sql
var fs embed.FS

// Up applies all pending migrations against dsn. Already-current schemas
// are not an error.
func Up(dsn string) error {
	d, err := iofs.New(fs, ".")
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// MustRun applies migrations using DATABASE_URL, exiting on failure.
func MustRun() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	if err := Up(dsn); err != nil {
		log.Fatal(err)
	}
}
