package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"PerpSettle/internal/config"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/projection"
	_ "github.com/lib/pq"
)

func main() {
	flag.Usage = func() {
		fmt.Println("Usage: migrate [flags] <up|down|rebuild-projections>")
		fmt.Println("  up                   - apply all pending migrations")
		fmt.Println("  down                 - roll back the last migration")
		fmt.Println("  rebuild-projections  - recompute projection tables from the event log")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  PERP_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  PERP_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		flag.PrintDefaults()
	}
	cfg := config.Default()
	dir := flag.String("dir", cfg.MigrationsDir, "migrations directory")
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, *dir)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "rebuild-projections":
		if err := projection.Rebuild(ctx, db); err != nil {
			logger.Fatal().Err(err).Msg("rebuild projections")
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}
}
