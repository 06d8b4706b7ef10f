package db

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"

	// Necessary for migrating from local files
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

func (d *DB) migrator() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(d.DB.DB, &postgres.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "could not get Postgres migration driver")
	}

	return migrate.NewWithDatabaseInstance(
		d.MigrationsPath,
		"postgres",
		driver,
	)
}

// MigrationStatus is the migrations version number and dirtyness
type MigrationStatus struct {
	Dirty   bool
	Version uint
}

// Status returns the status of the applied migrations
func (d *DB) Status() (MigrationStatus, error) {
	m, err := d.migrator()
	if err != nil {
		return MigrationStatus{}, err
	}

	version, dirty, err := m.Version()
	if err != nil {
		return MigrationStatus{}, err
	}
	return MigrationStatus{
		Dirty:   dirty,
		Version: version,
	}, nil
}

// MigrateUp migrates everything up
func (d *DB) MigrateUp() error {
	log.WithField("migrationsPath", d.MigrationsPath).Info("Migrating up")
	m, err := d.migrator()
	if err != nil {
		log.WithError(err).Error("Could not get migration instance")
		return err
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			log.Info("No migrations applied")
			return nil
		}
		log.WithError(err).Error("Could not migrate up")
		return fmt.Errorf("could not migrate up: %w", err)
	}

	return nil
}

// MigrateOrReset applies migrations to the DB. If the DB is in a dirty
// state, it drops everything first, then applies migrations
func (d *DB) MigrateOrReset() error {
	if err := d.MigrateUp(); err != nil {
		log.WithError(err).Error("Error when migrating, resetting")
		return d.Reset()
	}

	return nil
}

// Reset first drops the DB, then applies migrations
func (d *DB) Reset() error {
	if err := d.Teardown(); err != nil {
		return err
	}
	return d.MigrateUp()
}

// Teardown drops the database, removing all data and schemas
func (d *DB) Teardown() error {
	m, err := d.migrator()
	if err != nil {
		return err
	}

	if err := m.Drop(); err != nil {
		return fmt.Errorf("cannot teardown DB: %w", err)
	}

	return nil
}
