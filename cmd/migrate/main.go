// Command migrate applies the rule set schema migrations
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/liamcoop/rulesflow/internal/logger"
	"github.com/liamcoop/rulesflow/migrations"
)

// migrator is the part of *migrate.Migrate the commands use
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
	Force(version int) error
}

func main() {
	var databaseURL string
	var migrationsPath string
	var command string

	flag.StringVar(&databaseURL, "database", os.Getenv("DATABASE_URL"), "Database URL (required)")
	flag.StringVar(&migrationsPath, "path", "", "Read migrations from this directory instead of the embedded set")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, steps, version, force")
	flag.Parse()

	log, _, err := logger.Setup(context.Background(), logger.Config{Level: os.Getenv("LOG_LEVEL"), Format: "text"}, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if databaseURL == "" {
		log.Error("database URL is required, use -database or DATABASE_URL")
		os.Exit(2)
	}

	m, err := open(databaseURL, migrationsPath)
	if err != nil {
		log.Error("failed to create migration instance", "error", err)
		os.Exit(1)
	}

	err = runCommand(m, command, flag.Args(), log)
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		log.Warn("failed to close migration instance", "source_error", srcErr, "database_error", dbErr)
	}
	if err != nil {
		log.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func open(databaseURL, migrationsPath string) (*migrate.Migrate, error) {
	if migrationsPath != "" {
		return migrate.New("file://"+migrationsPath, databaseURL)
	}
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, err
	}
	return migrate.NewWithSourceInstance("iofs", src, databaseURL)
}

func runCommand(m migrator, command string, args []string, log *slog.Logger) error {
	switch command {
	case "up":
		log.Info("running migrations up")
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("no migrations to run, database is up to date")
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("migrations completed")

	case "down":
		log.Info("rolling back migrations")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		log.Info("rollback completed")

	case "steps":
		n, err := versionArg(args, "steps")
		if err != nil {
			return err
		}
		if err := m.Steps(n); err != nil {
			return err
		}
		log.Info("applied steps", "steps", n)

	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Info("no migration has been applied")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		log.Info("current version", "version", version, "dirty", dirty)

	case "force":
		version, err := versionArg(args, "force")
		if err != nil {
			return err
		}
		if err := m.Force(version); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
		log.Info("forced version", "version", version)

	default:
		return fmt.Errorf("unknown command: %s (use: up, down, steps, version, force)", command)
	}
	return nil
}

func versionArg(args []string, command string) (int, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("%s requires a number: -command %s <n>", command, command)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", args[0], err)
	}
	return n, nil
}
