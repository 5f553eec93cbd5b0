package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/baechuer/parcel-registry/internal/config"
	"github.com/baechuer/parcel-registry/internal/infrastructure/postgres"
	"github.com/baechuer/parcel-registry/internal/logger"
)

// Applies migrations/*.sql in lexical order. Files are plain SQL with
// idempotent statements, so rerunning the binary is safe.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "db-init").
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", dir).Msg("read migrations dir failed")
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	if len(files) == 0 {
		log.Fatal().Str("dir", dir).Msg("no sql files found")
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolOptions{DSN: cfg.DBDSN, PoolSize: 2})
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer pool.Close()

	{
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
	}

	for _, name := range files {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Fatal().Err(err).Str("file", name).Msg("read migration failed")
		}
		if _, err := pool.Exec(ctx, string(raw)); err != nil {
			log.Fatal().Err(err).Str("file", name).Msg("apply migration failed")
		}
		log.Info().Str("file", name).Msg("migration applied")
	}

	log.Info().Int("count", len(files)).Msg("database initialized")
}
