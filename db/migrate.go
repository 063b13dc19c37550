package db

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"

	// file source for local migration directories
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrationStatus is the migration version number and dirtyness of the DB.
type MigrationStatus struct {
	Dirty   bool
	Version uint
}

func (d *DB) migrator() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(d.DB.DB, &postgres.Config{})
	if err != nil {
		log.WithError(err).Error("Could not get Postgres instance")
		return nil, err
	}
	m, err := migrate.NewWithDatabaseInstance(d.MigrationsPath, "postgres", driver)
	if err != nil {
		log.WithError(err).Error("Could not get migration instance")
		return nil, err
	}
	return m, nil
}

// Status returns the migration version number and dirtyness.
func (d *DB) Status() (MigrationStatus, error) {
	m, err := d.migrator()
	if err != nil {
		return MigrationStatus{}, err
	}
	version, dirty, err := m.Version()
	if err != nil {
		return MigrationStatus{}, err
	}
	return MigrationStatus{Dirty: dirty, Version: version}, nil
}

// MigrateUp migrates everything up
func (d *DB) MigrateUp() error {
	log.WithField("migrationsPath", d.MigrationsPath).Info("Migrating up")
	m, err := d.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			log.Info("No migrations applied")
			return nil
		}
		return fmt.Errorf("could not migrate up: %w", err)
	}
	return nil
}

// MigrateDown rolls back the given number of migrations.
func (d *DB) MigrateDown(steps int) error {
	log.WithField("steps", steps).Info("Migrating down")
	m, err := d.migrator()
	if err != nil {
		return err
	}
	if err := m.Steps(-steps); err != nil {
		return fmt.Errorf("could not migrate down: %w", err)
	}
	return nil
}

// Drop drops the existing database schema
func (d *DB) Drop() error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	return m.Drop()
}

// Teardown drops the database schema, removing all data
func (d *DB) Teardown() error {
	if err := d.Drop(); err != nil {
		return fmt.Errorf("cannot teardown DB: %w", err)
	}
	return nil
}

// MigrateOrReset applies migrations to the DB. If already applied, drops
// the db first, then applies migrations
func (d *DB) MigrateOrReset() error {
	err := d.MigrateUp()
	if err != nil {
		if err.Error() == "no change" {
			return d.Reset()
		}
		return err
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
