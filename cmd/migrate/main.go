package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"SpotSnapshot/internal/persistence"
	"SpotSnapshot/internal/projection"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

func main() {
	godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status|rebuild-projections>")
		fmt.Println("  up                  - apply all pending migrations")
		fmt.Println("  down                - roll back the last migration")
		fmt.Println("  status              - list migrations and whether they are applied")
		fmt.Println("  rebuild-projections - rebuild projections from the snapshot log")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  SPOT_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  SPOT_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	pgURL := os.Getenv("SPOT_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/spotsnapshot?sslmode=disable"
	}

	migrationsDir := os.Getenv("SPOT_MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "migrate").Logger()
	migrator := persistence.NewMigrator(db, migrationsDir, logger)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Printf("INFO: %d migration(s) applied", n)

	case "down":
		rolledBack, err := migrator.Down(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		if rolledBack {
			log.Println("INFO: last migration rolled back")
		} else {
			log.Println("INFO: nothing to roll back")
		}

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate status: %v", err)
		}
		for _, s := range statuses {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Printf("%-40s %s\n", s.Version, state)
		}

	case "rebuild-projections":
		if err := projection.RebuildProjections(ctx, db, logger); err != nil {
			log.Fatalf("FATAL: rebuild projections: %v", err)
		}
		log.Println("INFO: projections rebuilt")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down', 'status' or 'rebuild-projections')\n", os.Args[1])
		os.Exit(1)
	}
}
