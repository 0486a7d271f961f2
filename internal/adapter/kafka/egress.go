// Package kafka exports pipeline output to external Kafka topics: persisted
// readings to an analytics topic and emitted alerts to a notification topic.
//
// Export is an explicit best-effort contract, modeled as an async outbox: the
// enqueue never blocks the consumer that calls it, and a full outbox drops
// the message with a counter rather than backpressuring the primary path.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/riverpulse/pipeline/internal/domain"
	"github.com/riverpulse/pipeline/internal/observability"
)

// Egress owns the Kafka writers and the outbox worker.
type Egress struct {
	analytics *kafkago.Writer
	alerts    *kafkago.Writer

	outbox  chan job
	wg      sync.WaitGroup
	logger  *slog.Logger
	metrics *observability.Metrics

	closeOnce sync.Once
}

type job struct {
	writer *kafkago.Writer
	msg    kafkago.Message
}

// NewEgress creates the Kafka egress and starts its outbox worker.
func NewEgress(brokers []string, alertsTopic, analyticsTopic string, buffer int, logger *slog.Logger, metrics *observability.Metrics) *Egress {
	if buffer <= 0 {
		buffer = 256
	}
	e := &Egress{
		analytics: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Topic:        analyticsTopic,
			Balancer:     &kafkago.LeastBytes{},
			RequiredAcks: kafkago.RequireOne,
		},
		alerts: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Topic:        alertsTopic,
			Balancer:     &kafkago.LeastBytes{},
			RequiredAcks: kafkago.RequireAll,
		},
		outbox:  make(chan job, buffer),
		logger:  logger.With("component", "kafka_egress"),
		metrics: metrics,
	}

	e.wg.Add(1)
	go e.drain()

	return e
}

// Mirror queues a persisted reading for the analytics topic. Never blocks;
// a full outbox drops the reading and counts the drop.
func (e *Egress) Mirror(r domain.Reading) {
	msg, err := serializeReading(r)
	if err != nil {
		e.metrics.MirrorDropped.Inc()
		e.logger.Warn("serialize reading for mirror", "dedup_key", r.DedupKey(), "error", err)
		return
	}
	e.enqueue(job{writer: e.analytics, msg: msg})
}

// MirrorAlert queues an alert for the downstream notification topic.
func (e *Egress) MirrorAlert(a domain.Alert) {
	msg, err := serializeAlert(a)
	if err != nil {
		e.metrics.MirrorDropped.Inc()
		e.logger.Warn("serialize alert for mirror", "dedup_key", a.DedupKey(), "error", err)
		return
	}
	e.enqueue(job{writer: e.alerts, msg: msg})
}

func (e *Egress) enqueue(j job) {
	select {
	case e.outbox <- j:
	default:
		e.metrics.MirrorDropped.Inc()
		e.logger.Warn("egress outbox full, message dropped", "topic", j.writer.Topic)
	}
}

func (e *Egress) drain() {
	defer e.wg.Done()
	for j := range e.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := j.writer.WriteMessages(ctx, j.msg)
		cancel()
		if err != nil {
			e.metrics.MirrorDropped.Inc()
			e.logger.Warn("egress write failed", "topic", j.writer.Topic, "error", err)
			continue
		}
		e.metrics.MirrorPublished.Inc()
	}
}

// Close stops accepting messages, drains the outbox, and closes the writers.
func (e *Egress) Close() error {
	var errAnalytics, errAlerts error
	e.closeOnce.Do(func() {
		close(e.outbox)
		e.wg.Wait()
		errAnalytics = e.analytics.Close()
		errAlerts = e.alerts.Close()
	})
	if errAnalytics != nil {
		return errAnalytics
	}
	return errAlerts
}

// serializeReading marshals a reading into a Kafka message keyed by its
// dedup key, so downstream compaction collapses redundant mirrors.
func serializeReading(r domain.Reading) (kafkago.Message, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize reading: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(r.DedupKey()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(r.Kind)},
			{Key: "source_id", Value: []byte(r.SourceID)},
		},
	}, nil
}

// serializeAlert marshals an alert into a Kafka message keyed by its dedup
// key, letting downstream consumers suppress re-published duplicates.
func serializeAlert(a domain.Alert) (kafkago.Message, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize alert: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(a.DedupKey()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "severity", Value: []byte(a.Severity)},
			{Key: "source_id", Value: []byte(a.SourceID)},
			{Key: "evaluated_at", Value: []byte(a.EvaluatedAt.Format(time.RFC3339))},
		},
	}, nil
}
