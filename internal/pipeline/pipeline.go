// Package pipeline wires the bus, subscriptions, and consumer pools into one
// runnable unit with graceful shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riverpulse/pipeline/internal/bus"
	"github.com/riverpulse/pipeline/internal/consumer"
	"github.com/riverpulse/pipeline/internal/observability"
)

// Subscription names. Each consumer owns exactly one independent cursor over
// the readings topic; this is what keeps the ingestion and alerting paths
// from sharing fate.
const (
	SubIngest     = "ingest"
	SubEvaluator  = "alert-evaluator"
	SubHeartbeats = "heartbeats"
)

// Config bounds delivery for the pipeline's subscriptions.
type Config struct {
	ReadingsTopic       string
	AlertsTopic         string
	CommandsTopic       string
	DeadLetterTopic     string
	AckDeadline         time.Duration
	MaxDeliveryAttempts int
	Workers             WorkerConfig
}

// WorkerConfig sizes the three consumer pools.
type WorkerConfig struct {
	Ingest    int
	Evaluator int
	Heartbeat int
	BatchSize int
}

// Pipeline runs the fan-out consumers over their subscriptions.
type Pipeline struct {
	pools   []*consumer.Pool
	logger  *slog.Logger
	metrics *observability.Metrics
	ready   atomic.Bool
}

// New creates the pipeline's topics and subscriptions and builds one pool
// per consumer. The readings topic fans out to three independent
// subscriptions; all three share the dead-letter topic.
func New(b *bus.Bus, cfg Config, ingest, evaluator, heartbeats consumer.Handler, logger *slog.Logger, metrics *observability.Metrics) (*Pipeline, error) {
	b.CreateTopic(cfg.ReadingsTopic)
	b.CreateTopic(cfg.AlertsTopic)
	b.CreateTopic(cfg.CommandsTopic)
	b.CreateTopic(cfg.DeadLetterTopic)

	subCfg := bus.SubscriptionConfig{
		AckDeadline:         cfg.AckDeadline,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		DeadLetterTopic:     cfg.DeadLetterTopic,
	}

	subscriptions := []struct {
		name    string
		handler consumer.Handler
		workers int
	}{
		{SubIngest, ingest, cfg.Workers.Ingest},
		{SubEvaluator, evaluator, cfg.Workers.Evaluator},
		{SubHeartbeats, heartbeats, cfg.Workers.Heartbeat},
	}

	p := &Pipeline{logger: logger, metrics: metrics}
	for _, sub := range subscriptions {
		s, err := b.Subscribe(cfg.ReadingsTopic, sub.name, subCfg)
		if err != nil {
			return nil, fmt.Errorf("create subscription %s: %w", sub.name, err)
		}
		p.pools = append(p.pools, consumer.NewPool(
			sub.name, s, sub.handler,
			consumer.PoolConfig{Workers: sub.workers, BatchSize: cfg.Workers.BatchSize},
			logger, metrics,
		))
	}
	return p, nil
}

// Run starts all consumer pools and blocks until ctx is cancelled and every
// pool has drained its in-flight deliveries.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "pools", len(p.pools))
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	p.ready.Store(true)
	defer p.ready.Store(false)

	var wg sync.WaitGroup
	for _, pool := range p.pools {
		wg.Add(1)
		go func(pl *consumer.Pool) {
			defer wg.Done()
			pl.Run(ctx)
		}(pool)
	}
	wg.Wait()

	p.logger.Info("pipeline stopped", "reason", ctx.Err())
	return nil
}

// CheckReadiness returns nil once the consumer pools are running.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("consumer pools are not running")
	}
	return nil
}
