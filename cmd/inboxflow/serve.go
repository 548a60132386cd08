package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"inboxflow/internal/api"
	"inboxflow/internal/config"
	"inboxflow/internal/ingest"
	"inboxflow/internal/queue"
	"inboxflow/internal/scheduler"
	"inboxflow/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func ServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion pipeline and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP bind address")
	cmd.Flags().BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable pprof routes")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	detector, closeDedup, err := newDetector(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDedup()

	registry := queue.NewRegistry(cfg.IdleTTL)
	handler := ingest.NewHandler(repo, newExtractor(cfg), detector, ingest.Options{
		ExtractTimeout: cfg.ExtractTimeout,
		PersistTimeout: cfg.PersistTimeout,
		CreateAttempts: cfg.CreateAttempts,
		CreateBackoff:  cfg.CreateBackoff,
	})
	proc := worker.NewProcessor(context.Background(), registry, handler, worker.Config{
		MaxRetries: cfg.MaxRetries,
		JobDelay:   cfg.JobDelay,
	})

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := api.NewHub()
	go hub.Run(hubCtx)
	proc.SetNotifier(hub.Notify)

	sched := scheduler.NewService(registry, detector, cfg.SweepEvery)
	if err := sched.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(api.Deps{
			Ingest:    ingest.NewService(detector, repo, proc),
			Processor: proc,
			Store:     repo,
			Hub:       hub,
			Debug:     cfg.Debug,
		}),
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("db_driver", cfg.DBDriver).Str("extractor", cfg.Extractor).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errc:
		runErr = fmt.Errorf("http server: %w", err)
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	sched.Stop()
	if n := proc.Status().Pending; n > 0 {
		log.Warn().Int("pending", n).Msg("dropping queued jobs, upstream re-delivery required")
	}
	if err := proc.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("processor did not stop in time")
	}
	return runErr
}
