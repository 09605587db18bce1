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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/pushtalk/adapters/bus"
	"github.com/satriahrh/pushtalk/adapters/sqlite"
	"github.com/satriahrh/pushtalk/internal/api"
	"github.com/satriahrh/pushtalk/internal/auth"
	"github.com/satriahrh/pushtalk/internal/config"
	"github.com/satriahrh/pushtalk/internal/metrics"
	"github.com/satriahrh/pushtalk/internal/telemetry"
	"github.com/satriahrh/pushtalk/usecase"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dictation service and its local control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.envFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, err := newLogger(cfg.LogLevel, flags.debug)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return serve(cfg, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Control API listen address (overrides HTTP_ADDR)")

	return cmd
}

func serve(cfg config.Config, logger *zap.Logger) error {
	shutdownTracing, err := telemetry.Setup(context.Background(), telemetry.Options{
		ServiceName:    "pushtalk",
		ServiceVersion: version,
		Exporter:       cfg.TraceExporter,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	m := metrics.New()

	recognizer, err := newRecognizer(cfg, m, logger)
	if err != nil {
		return err
	}

	signer, err := auth.NewSigner(cfg.ControlSecret)
	if err != nil {
		return err
	}

	opts := []usecase.Option{
		usecase.WithStopTimeout(cfg.StopTimeout),
		usecase.WithMetrics(m),
	}

	deps := api.Dependencies{
		Signer:  signer,
		Metrics: m,
		Logger:  logger,
	}

	var cleanup *usecase.HistoryCleanupService
	if cfg.HistoryPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := sqlite.NewClient(ctx, cfg.HistoryPath, logger)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		defer db.Close()

		transcripts := sqlite.NewTranscriptRepository(db)
		opts = append(opts, usecase.WithTranscriptRepository(transcripts))
		deps.Transcripts = transcripts

		cleanup = usecase.NewHistoryCleanupService(transcripts, cfg.HistoryRetention, m, logger)
		cleanup.Start()
		defer cleanup.Stop()
	} else {
		logger.Info("Transcript history disabled")
	}

	var publisher *bus.Publisher
	if cfg.NATSURL != "" {
		publisher, err = bus.Connect(bus.Config{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		}, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		opts = append(opts, usecase.WithTranscriptPublisher(publisher))
	}

	dictation := usecase.NewDictationService(recognizer, logger, opts...)
	defer dictation.Close()
	deps.Dictation = dictation

	if publisher != nil {
		events, unsubscribe := dictation.Subscribe(256)
		defer unsubscribe()
		go publisher.Run(context.Background(), events)
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status))
			return nil
		},
	}))

	api.InitRoutes(e, deps)

	// Graceful shutdown
	serverErr := make(chan error, 1)
	go func() {
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("Dictation service started",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("endpoint", cfg.Endpoint))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("control API stopped: %w", err)
	}

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited")
	return nil
}
