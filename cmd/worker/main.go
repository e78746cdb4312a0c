/**
 * Table Analyst Worker - Main Entry Point
 *
 * Turns photographed tables into Excel reports with statistics and insights.
 *
 * Architecture:
 * - Telegram bot for photo uploads (long polling)
 * - HTTP API for images, pre-computed detections and job lookups
 * - Optional Redis list or asynq consumer for queued jobs
 * - Tesseract word detection, row clustering and column mapping
 * - PostgreSQL job history, Qdrant schema fingerprints, MinIO or local reports
 */

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

	"github.com/adverant/nexus/tableanalyst-worker/internal/analysis"
	"github.com/adverant/nexus/tableanalyst-worker/internal/channels/telegram"
	"github.com/adverant/nexus/tableanalyst-worker/internal/config"
	"github.com/adverant/nexus/tableanalyst-worker/internal/httpserver"
	"github.com/adverant/nexus/tableanalyst-worker/internal/logging"
	"github.com/adverant/nexus/tableanalyst-worker/internal/metrics"
	"github.com/adverant/nexus/tableanalyst-worker/internal/processor"
	"github.com/adverant/nexus/tableanalyst-worker/internal/queue"
	"github.com/adverant/nexus/tableanalyst-worker/internal/report"
	"github.com/adverant/nexus/tableanalyst-worker/internal/storage"
)

// consumer is implemented by both queue backends
type consumer interface {
	Start() error
	Stop() error
	Enqueue(ctx context.Context, payload *queue.JobPayload) (string, error)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tableanalyst-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadEnvFile(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Table Analyst Worker starting",
		"max_file_size", cfg.MaxFileSize,
		"timeout_s", cfg.AnalysisTimeout,
		"ocr_engine", cfg.OCREngine,
		"ocr_languages", cfg.OCRLanguages,
		"queue_backend", cfg.QueueBackend,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	backends, err := connectStorage(ctx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	storageManager := storage.NewStorageManager(backends, logger)
	defer func() {
		if err := storageManager.Close(); err != nil {
			logger.Error("Error closing storage", "error", err)
		}
	}()

	rules, err := analysis.LoadRules(cfg.InsightRulesFile)
	if err != nil {
		return err
	}

	detector, err := newDetector(cfg, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	pipeline, err := processor.NewPipeline(&processor.PipelineConfig{
		Detector:      detector,
		Layout:        processor.NewLayoutAnalyzer(cfg.RowYThreshold, logger),
		Engine:        analysis.NewEngine(analysis.NewComposer(rules, logger), logger),
		Renderer:      report.NewExcelRenderer(logger),
		Storage:       storageManager,
		Metrics:       m,
		Logger:        logger,
		MaxFileSize:   cfg.MaxFileSize,
		Timeout:       cfg.Timeout(),
		MinConfidence: cfg.MinDetectionConfidence,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	// Bot first so queued jobs can report back to Telegram
	var bot *telegram.Bot
	if cfg.TelegramBotToken != "" {
		var finder telegram.SimilarFinder
		if backends.Vectors != nil {
			finder = storageManager
		}
		bot, err = telegram.NewBot(telegram.Config{
			Token:              cfg.TelegramBotToken,
			IsAllowed:          cfg.IsUserAllowed,
			MaxFileSize:        cfg.MaxFileSize,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			UploadsDir:         cfg.UploadsDir(),
		}, pipeline, finder, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram bot: %w", err)
		}
	}

	var jobs consumer
	if cfg.RedisURL != "" {
		var notifier queue.Notifier
		if bot != nil {
			notifier = bot
		}
		jobs, err = newConsumer(cfg, pipeline, notifier, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize queue consumer: %w", err)
		}
		if err := jobs.Start(); err != nil {
			return err
		}
	}

	if bot != nil {
		if err := bot.Start(); err != nil {
			return err
		}
	}

	opts := httpserver.Options{
		Processor:          pipeline,
		Store:              storageManager,
		Metrics:            m.Handler(),
		Logger:             logger,
		MaxFileSize:        cfg.MaxFileSize,
		AllowedOrigins:     cfg.CORSAllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	}
	if jobs != nil {
		opts.Enqueuer = jobs
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpserver.NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("Table Analyst Worker is ready",
		"http_addr", cfg.HTTPAddr,
		"telegram", bot != nil,
		"queue", jobs != nil,
		"storage", storageManager.Health(context.Background()),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", "error", err)
	}

	if bot != nil {
		bot.Stop()
		logger.Info("Telegram bot stopped")
	}

	if jobs != nil {
		if err := jobs.Stop(); err != nil {
			logger.Error("Error stopping queue consumer", "error", err)
		} else {
			logger.Info("Queue consumer stopped")
		}
	}

	logger.Info("Shutdown complete")
	return nil
}

// connectStorage opens every configured backend. Reports always have a home:
// MinIO when configured, the local reports directory otherwise.
func connectStorage(ctx context.Context, cfg *config.Config, logger *logging.Logger) (storage.Backends, error) {
	var b storage.Backends

	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresClient(ctx, cfg.DatabaseURL)
		if err != nil {
			return b, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		b.Jobs = pg
		logger.Info("PostgreSQL connected")
	}

	if cfg.QdrantURL != "" {
		qc, err := storage.NewQdrantClient(ctx, cfg.QdrantURL, cfg.QdrantCollection)
		if err != nil {
			return b, fmt.Errorf("failed to connect to Qdrant: %w", err)
		}
		b.Vectors = qc
		logger.Info("Qdrant connected", "collection", cfg.QdrantCollection)
	}

	if cfg.MinioEndpoint != "" {
		store, err := storage.NewMinioReportStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return b, fmt.Errorf("failed to connect to MinIO: %w", err)
		}
		b.Reports = store
		logger.Info("MinIO report store ready", "bucket", cfg.MinioBucket)
	} else {
		store, err := storage.NewLocalReportStore(cfg.ReportsDir())
		if err != nil {
			return b, fmt.Errorf("failed to prepare reports directory: %w", err)
		}
		b.Reports = store
		logger.Info("Local report store ready", "dir", cfg.ReportsDir())
	}

	return b, nil
}

func newDetector(cfg *config.Config, logger *logging.Logger) (processor.Detector, error) {
	if cfg.OCREngine == "remote" {
		return processor.NewRemoteOCR(&processor.RemoteOCRConfig{
			BaseURL:   cfg.OCRServiceURL,
			Languages: cfg.OCRLanguages,
			Logger:    logger,
		})
	}
	return processor.NewTesseractOCR(&processor.TesseractConfig{Languages: cfg.OCRLanguages}), nil
}

func newConsumer(cfg *config.Config, p processor.TableProcessor, notifier queue.Notifier, logger *logging.Logger) (consumer, error) {
	if cfg.QueueBackend == "asynq" {
		return queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         p,
			Notifier:          notifier,
			Logger:            logger,
			ProcessingTimeout: cfg.Timeout(),
		})
	}
	return queue.NewRedisConsumer(&queue.RedisConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.WorkerConcurrency,
		Processor:         p,
		Notifier:          notifier,
		Logger:            logger,
		ProcessingTimeout: cfg.Timeout(),
	})
}
