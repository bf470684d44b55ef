package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cloo-solutions/docrag/internal/api/handlers"
	"github.com/cloo-solutions/docrag/internal/config"
	"github.com/cloo-solutions/docrag/internal/jobs"
	"github.com/cloo-solutions/docrag/internal/server"
	"github.com/cloo-solutions/docrag/internal/telemetry"
)

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and ingestion workers",
		Long:  "Start the docrag query and ingestion API together with the ingestion workers",
		RunE:  runServe,
	}

	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides DOCRAG_PORT)")
	cmd.Flags().Int("workers", 0, "Number of ingestion workers (overrides DOCRAG_WORKERS)")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")
	cmd.Flags().Bool("no-workers", false, "Serve the API without consuming ingestion jobs")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}
	if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
		cfg.Workers = n
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	sampleRate := 0.1
	if cfg.Environment == "development" {
		sampleRate = 1.0
	}
	flush, err := telemetry.Init(telemetry.Config{
		DSN:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		TracesSampleRate: sampleRate,
		Debug:            cfg.Debug,
	}, logger)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without tracing", zap.Error(err))
	} else {
		defer flush()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	noMigrate, _ := cmd.Flags().GetBool("no-migrate")
	stack, err := BuildStack(ctx, cfg, logger, !noMigrate)
	if err != nil {
		return err
	}
	defer stack.Close()

	var worker *jobs.Worker
	workerDone := make(chan struct{})
	if noWorkers, _ := cmd.Flags().GetBool("no-workers"); noWorkers {
		close(workerDone)
	} else {
		worker = jobs.NewWorker(stack.Broker, stack.Coordinator, cfg.Workers, logger)
		go func() {
			defer close(workerDone)
			worker.Start(ctx)
		}()
	}

	var answerer handlers.AnswerService
	if stack.Answerer != nil {
		answerer = stack.Answerer
	}
	router := server.NewRouter(server.RouterConfig{
		Logger:          logger,
		DocumentHandler: handlers.NewDocumentHandler(stack.Coordinator),
		QueryHandler:    handlers.NewQueryHandler(stack.Retriever, answerer),
		HealthHandler:   handlers.NewHealthHandler(stack.Health),
		MaxBodyBytes:    cfg.MaxBodyBytes,
		CORSOrigins:     cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			stop()
			if worker != nil {
				worker.Stop()
			}
			<-workerDone
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if worker != nil {
		worker.Stop()
	}
	<-workerDone

	logger.Info("server exited")
	return nil
}

// exitOnSignal is used by one-shot commands that hold no server.
func exitOnSignal() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
