package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/database"
	"github.com/stemsi/exstem-cbt/internal/logger"
	"github.com/stemsi/exstem-cbt/internal/repository"
)

// purge-sessions deletes abandoned snapshots and snapshots orphaned by a
// crash between result insert and session delete.
func main() {
	var olderThan time.Duration
	flag.DurationVar(&olderThan, "older-than", 72*time.Hour, "Delete sessions not heartbeated for this long")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if olderThan < cfg.SessionIdleTimeout {
		log.Fatal().
			Dur("older_than", olderThan).
			Dur("idle_timeout", cfg.SessionIdleTimeout).
			Msg("Refusing to purge sessions younger than the idle timeout")
	}

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, 2, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	sessions := repository.NewExamSessionRepository(pool)
	cutoff := time.Now().Add(-olderThan)
	n, err := sessions.DeleteStaleSessions(ctx, cutoff)
	if err != nil {
		log.Fatal().Err(err).Msg("Purge failed")
	}
	fmt.Printf("Deleted %d session(s) idle since before %s\n", n, cutoff.Format(time.RFC3339))
}
