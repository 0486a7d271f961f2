package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/riverpulse/pipeline/internal/bus"
	"github.com/riverpulse/pipeline/internal/domain"
	"github.com/riverpulse/pipeline/internal/observability"
	"github.com/riverpulse/pipeline/internal/registry"
)

// Heartbeats applies gauge liveness reports to the source registry. It is
// the only path that writes source records.
type Heartbeats struct {
	registry *registry.Registry
	policy   MalformedPolicy
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewHeartbeats creates the heartbeat handler.
func NewHeartbeats(reg *registry.Registry, policy MalformedPolicy, logger *slog.Logger, metrics *observability.Metrics) *Heartbeats {
	if policy == "" {
		policy = MalformedDrop
	}
	return &Heartbeats{
		registry: reg,
		policy:   policy,
		logger:   logger.With("consumer", "heartbeats"),
		metrics:  metrics,
	}
}

// Handle applies one heartbeat. A rejected unknown source is a permanent
// condition (the policy will not change between redeliveries), so it acks
// after logging rather than looping the message.
func (c *Heartbeats) Handle(ctx context.Context, d bus.Delivery) error {
	msg, err := domain.DecodeMessage(d.Payload, domain.Now())
	if err != nil {
		return c.malformed(d, err)
	}

	if msg.Kind != domain.KindHeartbeat {
		return nil
	}

	if err := c.registry.RecordHeartbeat(ctx, *msg.Heartbeat); err != nil {
		if errors.Is(err, registry.ErrUnknownSource) {
			c.logger.Warn("heartbeat from unknown source rejected",
				"source_id", msg.Heartbeat.SourceID,
				"delivery_id", d.DeliveryID,
			)
			return nil
		}
		return fmt.Errorf("record heartbeat for %s: %w", msg.Heartbeat.SourceID, err)
	}

	c.metrics.HeartbeatsRecorded.Inc()
	return nil
}

func (c *Heartbeats) malformed(d bus.Delivery, err error) error {
	c.metrics.MalformedPayloads.WithLabelValues("heartbeats").Inc()
	c.logger.Warn("malformed payload",
		"delivery_id", d.DeliveryID,
		"attempt", d.Attempt,
		"payload_bytes", len(d.Payload),
		"policy", string(c.policy),
		"error", err,
	)
	if c.policy == MalformedDeadLetter {
		return err
	}
	return nil
}
