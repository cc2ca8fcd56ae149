package main

import (
	"PredictionLedger/internal/config"
	"PredictionLedger/internal/observability"
	"PredictionLedger/internal/persistence"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"sort"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate [-config marketd.toml] <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list applied versions")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  MARKET_POSTGRES_DSN            - Postgres connection string")
	fmt.Println("  MARKET_POSTGRES_MIGRATIONS_DIR - path to migrations directory (default: migrations)")
}

func main() {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, os.DirFS(cfg.Postgres.MigrationsDir), logger)

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

	case "status":
		applied, err := migrator.AppliedVersions(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("read applied versions")
		}
		versions := make([]string, 0, len(applied))
		for v := range applied {
			versions = append(versions, v)
		}
		sort.Strings(versions)
		for _, v := range versions {
			fmt.Println(v)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", flag.Arg(0))
		os.Exit(1)
	}
}
