// Command migrate applies the PostgreSQL schema.
//
//	migrate [up|down|status|version]
package main

import (
	"database/sql"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/sharevault/trading-engine/internal/config"
	"github.com/sharevault/trading-engine/internal/logging"
	"github.com/sharevault/trading-engine/internal/migrations"
)

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		slog.Error("database open failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		slog.Error("goose dialect", "err", err)
		os.Exit(1)
	}

	if err := goose.Run(command, db, "."); err != nil {
		slog.Error("migration failed", "command", command, "err", err)
		os.Exit(1)
	}
	slog.Info("migration complete", "command", command)
}
