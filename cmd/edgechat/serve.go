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

	"github.com/namikmesic/edgechat/internal/assets"
	"github.com/namikmesic/edgechat/internal/config"
	"github.com/namikmesic/edgechat/internal/inference"
	"github.com/namikmesic/edgechat/internal/jetstream"
	"github.com/namikmesic/edgechat/internal/processor"
	"github.com/namikmesic/edgechat/internal/proxy"
	"github.com/namikmesic/edgechat/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long: `Run the chat server.

Configuration is read from the environment. CF_ACCOUNT_ID and CF_API_TOKEN
select the Workers AI account; DATABASE_URL turns on request analytics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func setupLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	return log.Logger
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := setupLogger(cfg)

	runner, err := inference.NewWorkersAI(inference.WorkersAIConfig{
		BaseURL:   cfg.AIBaseURL,
		AccountID: cfg.AccountID,
		APIToken:  cfg.APIToken,
	})
	if err != nil {
		return err
	}

	var store assets.Store = assets.Embedded()
	if cfg.AssetsDir != "" {
		store = assets.NewFSStore(os.DirFS(cfg.AssetsDir))
	}

	handler := proxy.NewHandler(cfg, runner, store, logger)

	stopAnalytics := func() {}
	if cfg.AnalyticsEnabled() {
		stopAnalytics, err = startAnalytics(ctx, cfg, handler, logger)
		if err != nil {
			return err
		}
	}
	defer stopAnalytics()

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Int("port", cfg.Port).
			Str("model", cfg.Model).
			Str("mode", cfg.ChatMode).
			Bool("analytics", cfg.AnalyticsEnabled()).
			Msg("edgechat server started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-done:
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	handler.Wait()
	stopAnalytics()
	logger.Info().Msg("shutdown complete")
	return nil
}

// startAnalytics connects storage and the embedded JetStream server and
// attaches them to the handler. The returned func tears everything down in
// reverse order and is safe to call more than once.
func startAnalytics(ctx context.Context, cfg *config.Config, handler *proxy.Handler, logger zerolog.Logger) (func(), error) {
	pool, err := storage.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := storage.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	natsServer, err := jetstream.Start(cfg.NATSStoreDir)
	if err != nil {
		pool.Close()
		return nil, err
	}

	nc, js, err := natsServer.Open()
	if err != nil {
		natsServer.Shutdown()
		pool.Close()
		return nil, err
	}

	writer := storage.NewBatchWriter(pool, cfg.WriterBufferSize, cfg.WriterBatchSize, cfg.WriterFlushMs)
	proc := processor.New(writer, logger.With().Str("component", "processor").Logger())

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := proc.StartConsumer(consumerCtx, js); err != nil {
			logger.Error().Err(err).Msg("analytics consumer stopped")
		}
	}()

	handler.WithAnalytics(writer, proc, js)

	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		consumerCancel()
		<-consumerDone
		_ = nc.Drain()
		natsServer.Shutdown()
		writer.Shutdown()
		pool.Close()
	}, nil
}
