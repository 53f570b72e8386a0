// Command migrate-json-to-postgres copies a JSON datastore into Postgres,
// preserving IDs, timestamps, and event ordering.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"loopcast/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/loopcast.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall migration timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("LOOPCAST_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, LOOPCAST_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	snapshot, err := storage.LoadSnapshot(*jsonPath)
	if err != nil {
		logger.Error("failed to load datastore snapshot", "error", err)
		os.Exit(1)
	}
	counts := snapshot.Counts()
	logger.Info("loaded datastore snapshot", "path", *jsonPath,
		"profiles", counts.Profiles, "sessions", counts.Sessions,
		"events", counts.Events, "operators", counts.Operators)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Error("failed to open postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := storage.ImportSnapshot(ctx, pool, snapshot); err != nil {
		logger.Error("failed to import snapshot", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed",
		"profiles", counts.Profiles, "sessions", counts.Sessions,
		"events", counts.Events, "operators", counts.Operators)
}
