package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/riverpulse/pipeline/internal/adapter/httpapi"
	kafkaadapter "github.com/riverpulse/pipeline/internal/adapter/kafka"
	mongoadapter "github.com/riverpulse/pipeline/internal/adapter/mongo"
	"github.com/riverpulse/pipeline/internal/bus"
	"github.com/riverpulse/pipeline/internal/config"
	"github.com/riverpulse/pipeline/internal/consumer"
	"github.com/riverpulse/pipeline/internal/observability"
	"github.com/riverpulse/pipeline/internal/pipeline"
	"github.com/riverpulse/pipeline/internal/registry"
	"github.com/riverpulse/pipeline/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores: durable Mongo when configured, in-memory otherwise (dev mode).
	var (
		readings store.ReadingStore
		alerts   store.AlertStore
		sources  store.SourceStore
		commands store.CommandStore
	)
	if cfg.MongoEnabled() {
		stores, err := mongoadapter.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			logger.Error("mongo connect failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := stores.Close(context.Background()); err != nil {
				logger.Error("mongo close error", "error", err)
			}
		}()
		readings = stores.Readings()
		alerts = stores.Alerts()
		sources = stores.Sources()
		commands = stores.Commands()
		logger.Info("mongo stores enabled", "database", cfg.MongoDatabase)
	} else {
		readings = store.NewMemoryReadingStore()
		alerts = store.NewMemoryAlertStore()
		sources = store.NewMemorySourceStore()
		commands = store.NewMemoryCommandStore()
		logger.Info("in-memory stores enabled")
	}

	// Kafka egress is feature-flagged via KAFKA_BROKERS; the pipeline works
	// without it, it just stops mirroring.
	var (
		readingMirror consumer.ReadingMirror
		alertMirror   consumer.AlertMirror
	)
	if cfg.KafkaEnabled() {
		egress := kafkaadapter.NewEgress(cfg.KafkaBrokers, cfg.KafkaAlertsTopic, cfg.KafkaAnalyticsTopic, cfg.MirrorBuffer, logger, metrics)
		defer func() {
			if err := egress.Close(); err != nil {
				logger.Error("kafka egress close error", "error", err)
			}
		}()
		readingMirror = egress
		alertMirror = egress
		logger.Info("kafka egress enabled", "brokers", cfg.KafkaBrokers)
	} else {
		logger.Info("kafka egress disabled")
	}

	b := bus.New(clock, logger, metrics)
	thresholds := cfg.ThresholdTable()

	reg := registry.New(sources, commands, b, clock, logger, registry.Config{
		AutoProvision: cfg.AutoProvision,
		StaleWindow:   cfg.StaleWindow,
		CommandsTopic: cfg.CommandsTopic,
	})

	ingest := consumer.NewIngest(readings, thresholds, readingMirror, consumer.MalformedPolicy(cfg.MalformedPolicy), logger, metrics)
	evaluator := consumer.NewEvaluator(thresholds, alerts, b, cfg.AlertsTopic, alertMirror, consumer.MalformedPolicy(cfg.MalformedPolicy), logger, metrics)
	heartbeats := consumer.NewHeartbeats(reg, consumer.MalformedPolicy(cfg.MalformedPolicy), logger, metrics)

	p, err := pipeline.New(b, pipeline.Config{
		ReadingsTopic:       cfg.ReadingsTopic,
		AlertsTopic:         cfg.AlertsTopic,
		CommandsTopic:       cfg.CommandsTopic,
		DeadLetterTopic:     cfg.DeadLetterTopic,
		AckDeadline:         cfg.AckDeadline,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		Workers: pipeline.WorkerConfig{
			Ingest:    cfg.IngestWorkers,
			Evaluator: cfg.EvaluatorWorkers,
			Heartbeat: cfg.HeartbeatWorkers,
			BatchSize: cfg.PullBatchSize,
		},
	}, ingest, evaluator, heartbeats, logger, metrics)
	if err != nil {
		logger.Error("pipeline setup failed", "error", err)
		os.Exit(1)
	}

	srv := httpapi.NewServer(cfg.HTTPAddr, cfg.ReadingsTopic, b, reg, readings, alerts, p, logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
