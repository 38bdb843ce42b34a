// Package migrations embeds the schema migration files and brings the
// database up to date at startup through golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var files embed.FS

// Run applies pending migrations. With apply=false it only reports the
// current version, for deployments that migrate the schema out of band.
func Run(db *sql.DB, apply bool) error {
	m, err := migrator(db)
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migrations: read current version: %w", err)
	}

	if dirty {
		// An interrupted run left the version flagged dirty. Forcing back to
		// the recorded version is safe while the chain is a single baseline
		// migration.
		slog.Warn("[Migrations] Recovering interrupted migration", "version", version)
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("migrations: clear dirty state at version %d: %w", version, err)
		}
	}

	if !apply {
		slog.Info("[Migrations] Auto-migration disabled, schema left as is",
			"version", version, "dirty", dirty)
		return nil
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("[Migrations] Schema up to date", "version", version)
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	applied, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("migrations: read applied version: %w", err)
	}
	slog.Info("[Migrations] Schema migrated", "from", version, "to", applied)
	return nil
}

func migrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(files, ".")
	if err != nil {
		return nil, fmt.Errorf("migrations: load embedded files: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrations: bind database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrations: build migrator: %w", err)
	}
	return m, nil
}
