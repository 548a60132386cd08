package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"inboxflow/internal/config"
	"inboxflow/internal/dedup"
	"inboxflow/internal/extract"
	"inboxflow/internal/ingest"
	"inboxflow/internal/store"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:          "inboxflow",
		Short:        "Multi-tenant booking enquiry ingestion",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(*cfg)
			return cfg.Validate()
		},
	}
	root.PersistentFlags().StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path")

	root.AddCommand(ServeCmd(cfg))
	root.AddCommand(TenantCmd(cfg))
	root.AddCommand(ReviewsCmd(cfg))
	root.AddCommand(BookingsCmd(cfg))
	return root
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

func openRepository(ctx context.Context, cfg config.Config) (store.Repository, func(), error) {
	if cfg.DBDriver == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := store.EnsurePostgresSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store.NewPostgresRepo(pool), pool.Close, nil
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := store.EnsureSchema(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store.NewSQLiteRepo(db), func() { db.Close() }, nil
}

// newDetector keeps processed records in Redis when configured so that
// several instances share one duplicate window. In-flight claims stay local.
func newDetector(ctx context.Context, cfg config.Config) (*dedup.Detector, func(), error) {
	if cfg.RedisAddr == "" {
		return dedup.NewMemory(cfg.DedupWindow, cfg.DedupBodyPrefix, cfg.DedupMaxEntries), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	d := dedup.New(cfg.DedupWindow, cfg.DedupBodyPrefix, dedup.NewRedisStore(rdb, 2*cfg.DedupWindow))
	return d, func() { rdb.Close() }, nil
}

func newExtractor(cfg config.Config) ingest.Extractor {
	switch cfg.Extractor {
	case "http":
		return extract.NewHTTP(cfg.ExtractorURL, cfg.ExtractTimeout)
	case "command":
		return extract.ParseCommand(cfg.ExtractorCommand)
	default:
		return extract.Rules{}
	}
}

func withRepository(ctx context.Context, cfg config.Config, fn func(store.Repository) error) error {
	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()
	return fn(repo)
}
