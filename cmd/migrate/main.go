// Database migration CLI tool
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/hourglassbot/hourglass/internal/db"
	_ "github.com/lib/pq"
)

func main() {
	command := flag.String("command", "migrate", "Command to run: migrate or status")
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "Database connection URL")
	migrationsDir := flag.String("migrations", "migrations", "Path to migrations directory")
	flag.Parse()

	if err := run(*command, *dbURL, *migrationsDir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(command, dbURL, migrationsDir string) error {
	if dbURL == "" {
		return fmt.Errorf("database URL is required (set DATABASE_URL or pass -db)")
	}

	database, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	ctx := context.Background()

	// Fail fast on an unreachable database rather than hanging inside the
	// first migration statement.
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	migrator := db.NewMigrator(database, migrationsDir)

	switch command {
	case "migrate":
		if err := migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case "status":
		if err := migrator.Status(ctx); err != nil {
			return fmt.Errorf("status check failed: %w", err)
		}
	default:
		return fmt.Errorf("unknown command %q (expected migrate or status)", command)
	}
	return nil
}
