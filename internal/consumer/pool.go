// Package consumer implements the fan-out consumers pulling from the bus:
// the ingestion consumer, the alert evaluator, and the heartbeat consumer.
// Each runs as an independent worker pool over its own subscription and
// never shares state with the others beyond the stores it owns.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/riverpulse/pipeline/internal/bus"
	"github.com/riverpulse/pipeline/internal/observability"
)

// Handler processes one delivery. Returning nil acknowledges the message;
// returning an error nacks it so the bus redelivers within the attempt
// budget.
type Handler interface {
	Handle(ctx context.Context, d bus.Delivery) error
}

// Pool runs a fixed set of workers pulling from one subscription. Workers
// process deliveries concurrently with no ordering guarantee, within or
// across sources.
type Pool struct {
	name      string
	sub       *bus.Subscription
	handler   Handler
	workers   int
	batchSize int
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// PoolConfig sizes a consumer pool.
type PoolConfig struct {
	Workers   int
	BatchSize int
}

// NewPool creates a pool of workers over sub, dispatching to handler.
func NewPool(name string, sub *bus.Subscription, handler Handler, cfg PoolConfig, logger *slog.Logger, metrics *observability.Metrics) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Pool{
		name:      name,
		sub:       sub,
		handler:   handler,
		workers:   cfg.Workers,
		batchSize: cfg.BatchSize,
		logger:    logger.With("consumer", name),
		metrics:   metrics,
	}
}

// Run blocks until ctx is cancelled. Shutdown is graceful: workers stop
// pulling, finish in-flight deliveries, and leave unacked messages to
// redeliver to a replacement worker.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("consumer pool starting", "workers", p.workers, "subscription", p.sub.Name())

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	p.logger.Info("consumer pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		deliveries, err := p.sub.Pull(ctx, p.batchSize)
		if err != nil {
			// Pull only fails on context cancellation.
			return
		}

		for _, d := range deliveries {
			p.handle(ctx, d)
		}
	}
}

// handle runs the handler to completion even during shutdown, then acks or
// nacks. The ack deadline remains the outer timeout: a worker that stalls
// past it loses the handle and the bus redelivers.
func (p *Pool) handle(ctx context.Context, d bus.Delivery) {
	start := time.Now()
	err := p.handler.Handle(context.WithoutCancel(ctx), d)
	p.metrics.HandlerDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())

	if err != nil {
		p.logger.Warn("handler failed, message will redeliver",
			"delivery_id", d.DeliveryID,
			"attempt", d.Attempt,
			"error", err,
		)
		if nackErr := p.sub.Nack(d.AckHandle); nackErr != nil {
			p.logger.Warn("nack failed", "delivery_id", d.DeliveryID, "error", nackErr)
		}
		return
	}

	if ackErr := p.sub.Ack(d.AckHandle); ackErr != nil {
		// The deadline passed while handling; the bus will redeliver and the
		// handler's idempotency absorbs the duplicate.
		p.logger.Warn("ack failed", "delivery_id", d.DeliveryID, "error", ackErr)
	}
}
