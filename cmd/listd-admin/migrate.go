package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"

	"github.com/migadu/listd/config"
	"github.com/migadu/listd/db"
	"github.com/migadu/listd/logger"
)

func handleMigrateCommand(ctx context.Context) {
	switch subcommand(printMigrateUsage) {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", os.Args[2])
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Run this while listd is stopped. It takes the listd advisory lock, so it
refuses to run while another instance is migrating.

Usage:
  listd-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  listd-admin migrate up
  listd-admin migrate down --limit 2
  listd-admin migrate down --all
  listd-admin migrate version
  listd-admin migrate force 1
`)
}

// openMigrator loads the config and connects to the write endpoint.
func openMigrator(ctx context.Context, configPath string) *db.Migrator {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Database.GetBackend() != config.BackendPostgres {
		fatal(fmt.Errorf("migrations apply to the postgres backend only, configured backend is %q", cfg.Database.GetBackend()))
	}
	m, err := db.NewMigrator(ctx, cfg.Database.Write)
	if err != nil {
		fatal(fmt.Errorf("failed to initialize migration tool: %w", err))
	}
	return m
}

// lockedMigrator is openMigrator plus the advisory lock.
func lockedMigrator(ctx context.Context, configPath string) *db.Migrator {
	m := openMigrator(ctx, configPath)
	if err := m.Lock(ctx); err != nil {
		m.Close()
		fatal(err)
	}
	return m
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: listd-admin migrate up [--config config.toml]")
		fmt.Println("Applies all pending upwards migrations.")
	}
	fs.Parse(os.Args[3:])

	m := lockedMigrator(ctx, *configPath)
	defer m.Close()
	defer m.Unlock(context.Background())

	logger.Info("Applying UP migrations...")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		m.Unlock(context.Background())
		fatal(fmt.Errorf("failed to apply UP migrations: %w", err))
	}
	showVersion(m)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Usage = func() {
		fmt.Println("Usage: listd-admin migrate down [--config config.toml] [--limit N | --all]")
		fmt.Println("Reverts migrations. Defaults to reverting one migration.")
	}
	fs.Parse(os.Args[3:])

	m := lockedMigrator(ctx, *configPath)
	defer m.Close()
	defer m.Unlock(context.Background())

	steps := *limit
	if *all {
		version, dirty, err := m.CurrentVersion()
		if err != nil {
			fatal(fmt.Errorf("failed to get current migration version: %w", err))
		}
		if dirty {
			fatal(fmt.Errorf("database is in a dirty state (version %d); fix it with 'force' first", version))
		}
		if version == 0 {
			fmt.Println("No migrations to revert.")
			return
		}
		steps = int(version)
	}

	fmt.Printf("Reverting %d migration(s)...\n", steps)
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		m.Unlock(context.Background())
		fatal(fmt.Errorf("failed to revert migrations: %w", err))
	}
	showVersion(m)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: listd-admin migrate version [--config config.toml]")
		fmt.Println("Shows the current migration version and dirty state.")
	}
	fs.Parse(os.Args[3:])

	m := openMigrator(ctx, *configPath)
	defer m.Close()
	showVersion(m)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: listd-admin migrate force [--config config.toml] <version>")
		fmt.Println("Forcibly sets the database migration version. USE WITH CAUTION.")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		fatal(fmt.Errorf("invalid version number: %w", err))
	}

	m := lockedMigrator(ctx, *configPath)
	defer m.Close()
	defer m.Unlock(context.Background())

	if err := m.Force(version); err != nil {
		m.Unlock(context.Background())
		fatal(fmt.Errorf("failed to force version %d: %w", version, err))
	}
	showVersion(m)
}

func showVersion(m *db.Migrator) {
	version, dirty, err := m.CurrentVersion()
	if err != nil {
		fmt.Printf("Failed to get migration version: %v\n", err)
		return
	}
	if version == 0 {
		fmt.Println("Current migration version: none")
		return
	}
	fmt.Printf("Current migration version: %d\n", version)
	if dirty {
		fmt.Println("Dirty state: YES (the schema may be inconsistent, use 'force' to fix)")
	} else {
		fmt.Println("Dirty state: no")
	}
}
