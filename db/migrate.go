package db

import (
	"github.com/golang-migrate/migrate/v4"
	"github.com/pkg/errors"

	// file: source scheme for local migration directories
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

type migrationStatus struct {
	Dirty   bool
	Version uint
}

// MigrationStatus returns the applied migration version and whether a
// migration failed halfway and left the schema dirty
func (d *DB) MigrationStatus() (migrationStatus, error) {
	m, err := d.migrator()
	if err != nil {
		return migrationStatus{}, err
	}
	version, dirty, err := m.Version()
	if err != nil {
		return migrationStatus{}, errors.Wrap(err, "could not read migration version")
	}
	return migrationStatus{Dirty: dirty, Version: version}, nil
}

// MigrateUp applies every pending migration
func (d *DB) MigrateUp() error {
	log.WithField("migrationsPath", d.MigrationsPath).Info("Migrating up")
	m, err := d.migrator()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			log.Info("No migrations to apply")
			return nil
		}
		return errors.Wrap(err, "could not migrate up")
	}

	log.Info("Successfully migrated up")
	return nil
}

// MigrateDown rolls back the given number of migrations
func (d *DB) MigrateDown(steps int) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	return errors.Wrapf(m.Steps(-steps), "could not migrate down %d steps", steps)
}
