package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/riverpulse/pipeline/internal/bus"
	"github.com/riverpulse/pipeline/internal/domain"
	"github.com/riverpulse/pipeline/internal/observability"
	"github.com/riverpulse/pipeline/internal/store"
)

// MalformedPolicy decides what happens to payloads that cannot be decoded.
type MalformedPolicy string

const (
	// MalformedDrop logs and acknowledges: a parse error is permanent, so
	// retrying cannot fix it.
	MalformedDrop MalformedPolicy = "drop"

	// MalformedDeadLetter nacks so the message burns its delivery budget and
	// lands on the dead-letter topic for inspection.
	MalformedDeadLetter MalformedPolicy = "deadletter"
)

// ReadingMirror receives persisted readings for best-effort analytical
// mirroring. Implementations must never block the caller; failures are
// theirs to count and drop.
type ReadingMirror interface {
	Mirror(r domain.Reading)
}

// Ingest persists every valid reading exactly once from the store's point of
// view, despite at-least-once delivery. It is the only writer of the reading
// store.
type Ingest struct {
	readings   store.ReadingStore
	thresholds *domain.ThresholdTable
	mirror     ReadingMirror
	policy     MalformedPolicy
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewIngest creates the ingestion handler. mirror may be nil to disable
// analytical mirroring.
func NewIngest(readings store.ReadingStore, thresholds *domain.ThresholdTable, mirror ReadingMirror, policy MalformedPolicy, logger *slog.Logger, metrics *observability.Metrics) *Ingest {
	if policy == "" {
		policy = MalformedDrop
	}
	return &Ingest{
		readings:   readings,
		thresholds: thresholds,
		mirror:     mirror,
		policy:     policy,
		logger:     logger.With("consumer", "ingest"),
		metrics:    metrics,
	}
}

// Handle decodes and persists one delivery. Duplicate dedup keys are treated
// as success: the store's uniqueness constraint, not this handler's check,
// is what serializes concurrently redelivered copies.
func (c *Ingest) Handle(ctx context.Context, d bus.Delivery) error {
	msg, err := domain.DecodeMessage(d.Payload, domain.Now())
	if err != nil {
		return c.malformed(d, err)
	}

	switch msg.Kind {
	case domain.KindFlowReading, domain.KindTelemetry:
	default:
		// Heartbeats and commands belong to other consumers' subscriptions.
		return nil
	}

	r := *msg.Reading
	r.DeliveryID = d.DeliveryID
	if r.Kind == domain.KindFlowReading {
		r.Classification = domain.Classify(r.MetricValue, c.thresholds.Lookup(r.SourceID))
	}

	if err := c.readings.Insert(ctx, r); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			c.metrics.DuplicateReadings.Inc()
			c.logger.Debug("duplicate reading collapsed",
				"dedup_key", r.DedupKey(),
				"delivery_id", d.DeliveryID,
				"attempt", d.Attempt,
			)
			return nil
		}
		return fmt.Errorf("persist reading %s: %w", r.DedupKey(), err)
	}

	c.metrics.ReadingsPersisted.Inc()

	// Best-effort: mirror failure must never fail the ack. The primary store
	// is the source of truth.
	if c.mirror != nil {
		c.mirror.Mirror(r)
	}
	return nil
}

func (c *Ingest) malformed(d bus.Delivery, err error) error {
	c.metrics.MalformedPayloads.WithLabelValues("ingest").Inc()
	c.logger.Warn("malformed payload",
		"delivery_id", d.DeliveryID,
		"attempt", d.Attempt,
		"payload_bytes", len(d.Payload),
		"attributes", d.Attributes,
		"policy", string(c.policy),
		"error", err,
	)
	if c.policy == MalformedDeadLetter {
		return err
	}
	return nil
}
