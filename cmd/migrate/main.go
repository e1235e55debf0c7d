// Package main provides a CLI tool for running Postgres schema migrations.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/revenue-tracker/internal/config"
	"github.com/revenue-tracker/internal/storage"
)

func main() {
	app := &cli.Command{
		Name:  "migrate",
		Usage: "migrate [up|down|version]",
		Description: "Applies, rolls back or reports the Postgres schema. The SQLite backend " +
			"migrates itself on open and needs no separate step.",
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: withDatabaseURL(func(url string) error {
					log.Println("Running Postgres migrations...")
					if err := storage.RunMigrations(url); err != nil {
						return err
					}
					log.Println("Postgres migrations completed successfully")
					return nil
				}),
			},
			{
				Name:  "down",
				Usage: "Roll back the last migration",
				Action: withDatabaseURL(func(url string) error {
					log.Println("Rolling back Postgres migration...")
					if err := storage.RollbackMigrations(url); err != nil {
						return err
					}
					log.Println("Postgres migration rolled back successfully")
					return nil
				}),
			},
			{
				Name:  "version",
				Usage: "Print the current schema version",
				Action: withDatabaseURL(func(url string) error {
					version, dirty, err := storage.MigrationVersion(url)
					if err != nil {
						return err
					}
					log.Printf("Current Postgres migration version: %d (dirty: %v)", version, dirty)
					return nil
				}),
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("Postgres migration failed: %v", err)
	}
}

func withDatabaseURL(fn func(url string) error) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Database.Driver != "postgres" {
			return fmt.Errorf("DATABASE_DRIVER is %q, migrations only apply to postgres", cfg.Database.Driver)
		}
		return fn(cfg.Database.Postgres.URL())
	}
}
