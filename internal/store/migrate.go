package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/example/authsession/internal/logger"
)

// Migrator runs the SQL migrations in a directory against a Postgres DSN.
type Migrator struct {
	dir    string
	dsn    string
	logger *logger.Logger
}

func NewMigrator(dir, dsn string, log *logger.Logger) *Migrator {
	if log == nil {
		log = logger.Nop()
	}
	return &Migrator{dir: dir, dsn: dsn, logger: log}
}

// open returns a migrate instance and a close func for its connection.
func (m *Migrator) open() (*migrate.Migrate, func(), error) {
	db, err := sql.Open("postgres", m.dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate driver: %w", err)
	}

	mg, err := migrate.NewWithDatabaseInstance("file://"+m.dir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return mg, func() { mg.Close() }, nil
}

// Up applies every pending migration. A dirty database is refused.
func (m *Migrator) Up() error {
	mg, done, err := m.open()
	if err != nil {
		return err
	}
	defer done()

	version, dirty, err := mg.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("checking migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in a dirty state (version %d), manual intervention required", version)
	}

	if err := mg.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("Migrator: database is up to date", "version", version)
			return nil
		}
		return fmt.Errorf("applying migrations: %w", err)
	}

	newVersion, _, _ := mg.Version()
	m.logger.Info("Migrator: migrated", "from", version, "to", newVersion)
	return nil
}

// Down rolls back every migration.
func (m *Migrator) Down() error {
	mg, done, err := m.open()
	if err != nil {
		return err
	}
	defer done()

	if err := mg.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back migrations: %w", err)
	}
	return nil
}

// Steps moves n migrations up (n > 0) or down (n < 0).
func (m *Migrator) Steps(n int) error {
	mg, done, err := m.open()
	if err != nil {
		return err
	}
	defer done()

	if err := mg.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("stepping migrations: %w", err)
	}
	return nil
}

// Version returns the applied version. An empty database reports 0.
func (m *Migrator) Version() (uint, bool, error) {
	mg, done, err := m.open()
	if err != nil {
		return 0, false, err
	}
	defer done()

	version, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Force sets the version without running anything, clearing the dirty flag.
func (m *Migrator) Force(version int) error {
	mg, done, err := m.open()
	if err != nil {
		return err
	}
	defer done()

	if err := mg.Force(version); err != nil {
		return fmt.Errorf("forcing version: %w", err)
	}
	return nil
}

// ApplyMigrations brings the database at dsn up to the latest migration in dir.
func ApplyMigrations(dir, dsn string, log *logger.Logger) error {
	return NewMigrator(dir, dsn, log).Up()
}
