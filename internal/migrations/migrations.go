// Package migrations carries the versioned users schema and applies it with golang-migrate.
//
// Version 1 creates the users table without the location attribute.
// Version 2 adds the nullable location JSONB column. A deployment picks its
// target once; the schema is never migrated down by this package.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed sql/*.sql
var migrationFS embed.FS

// Schema versions.
const (
	VersionBasic    uint = 1
	VersionLocation uint = 2
)

var (
	// ErrSchemaAhead is returned when the database is past the requested version.
	ErrSchemaAhead = errors.New("database schema is ahead of the requested version")
	// ErrDirty is returned when a previous migration failed halfway.
	ErrDirty = errors.New("database migration state is dirty")
)

// TargetVersion returns the schema version for the chosen variant.
func TargetVersion(withLocation bool) uint {
	if withLocation {
		return VersionLocation
	}
	return VersionBasic
}

// Up applies pending migrations up to the variant's target version and
// returns the resulting schema version. databaseURL must use the
// postgres:// or postgresql:// scheme.
func Up(databaseURL string, withLocation bool, log *zap.SugaredLogger) (uint, error) {
	target := TargetVersion(withLocation)

	src, err := iofs.New(migrationFS, "sql")
	if err != nil {
		return 0, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return 0, fmt.Errorf("failed to initialize migrate instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			log.Warnw("failed to close migration source", "error", srcErr)
		}
		if dbErr != nil {
			log.Warnw("failed to close migration database", "error", dbErr)
		}
	}()

	current, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		current = 0
	case err != nil:
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	case dirty:
		return current, fmt.Errorf("%w at version %d", ErrDirty, current)
	}

	if current > target {
		return current, fmt.Errorf("%w: current %d, requested %d", ErrSchemaAhead, current, target)
	}
	if current == target {
		log.Infow("database schema up to date", "version", current)
		return current, nil
	}

	if err := m.Migrate(target); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return current, fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Infow("migrated database schema", "from", current, "to", target)
	return target, nil
}
