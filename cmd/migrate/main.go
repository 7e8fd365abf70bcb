package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/example/authsession/internal/config"
	"github.com/example/authsession/internal/logger"
	"github.com/example/authsession/internal/store"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
		dir     = flag.String("dir", "", "Migrations directory (defaults to MIGRATIONS_DIR)")
	)
	flag.Parse()

	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.DBAdapter != "postgres" {
		log.Fatal("Migrations only work with PostgreSQL", "adapter", cfg.DBAdapter)
	}

	migrationsDir := cfg.MigrationsDir
	if *dir != "" {
		migrationsDir = *dir
	}
	m := store.NewMigrator(migrationsDir, cfg.Postgres.DSN, log)

	switch *command {
	case "up":
		if err := runSteps(m, *steps, m.Up); err != nil {
			log.Fatal("Migration up failed", "error", err.Error())
		}
		log.Info("Migrations applied successfully")
	case "down":
		if err := runSteps(m, -*steps, m.Down); err != nil {
			log.Fatal("Migration down failed", "error", err.Error())
		}
		log.Info("Migrations rolled back successfully")
	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			log.Fatal("Failed to get version", "error", err.Error())
		}
		if dirty {
			log.Fatal("Database is in a dirty state", "version", v)
		}
		log.Info("Current migration version", "version", v)
	case "force":
		if *version == 0 {
			log.Fatal("Version required for force command (use -version flag)")
		}
		if err := m.Force(int(*version)); err != nil {
			log.Fatal("Force migration failed", "error", err.Error())
		}
		log.Info("Forced database version", "version", *version)
	default:
		log.Fatal("Unknown command (supported: up, down, version, force)", "command", *command)
	}
}

// runSteps moves n steps when n is non-zero, otherwise runs all.
func runSteps(m *store.Migrator, n int, all func() error) error {
	if n != 0 {
		return m.Steps(n)
	}
	return all()
}
