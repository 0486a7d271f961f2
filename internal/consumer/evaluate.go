package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/riverpulse/pipeline/internal/bus"
	"github.com/riverpulse/pipeline/internal/domain"
	"github.com/riverpulse/pipeline/internal/observability"
	"github.com/riverpulse/pipeline/internal/store"
)

// AlertMirror receives emitted alerts for best-effort export to downstream
// notification channels. Implementations must never block the caller.
type AlertMirror interface {
	MirrorAlert(a domain.Alert)
}

// Evaluator checks every flow reading against per-source thresholds and
// emits alerts. It subscribes independently of the ingestion consumer: its
// failure or slowness never delays ingestion, and vice versa. It is the only
// writer of the alert store.
type Evaluator struct {
	thresholds  *domain.ThresholdTable
	alerts      store.AlertStore
	bus         *bus.Bus
	alertsTopic string
	mirror      AlertMirror
	policy      MalformedPolicy
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewEvaluator creates the alert evaluation handler. mirror may be nil to
// disable downstream export.
func NewEvaluator(thresholds *domain.ThresholdTable, alerts store.AlertStore, b *bus.Bus, alertsTopic string, mirror AlertMirror, policy MalformedPolicy, logger *slog.Logger, metrics *observability.Metrics) *Evaluator {
	if policy == "" {
		policy = MalformedDrop
	}
	return &Evaluator{
		thresholds:  thresholds,
		alerts:      alerts,
		bus:         b,
		alertsTopic: alertsTopic,
		mirror:      mirror,
		policy:      policy,
		logger:      logger.With("consumer", "evaluator"),
		metrics:     metrics,
	}
}

// Handle evaluates one delivery. Readings below their high threshold are the
// common case and exit without allocation beyond the decode.
//
// On a threshold crossing the alert is published first, then persisted. If
// the persist fails the handler errors so the message redelivers;
// re-evaluation is idempotent because the alert store dedups on
// sourceId|observedAt|severity, and a duplicate downstream publish is
// acceptable.
func (c *Evaluator) Handle(ctx context.Context, d bus.Delivery) error {
	msg, err := domain.DecodeMessage(d.Payload, domain.Now())
	if err != nil {
		return c.malformed(d, err)
	}

	if msg.Kind != domain.KindFlowReading {
		return nil
	}
	r := msg.Reading

	th := c.thresholds.Lookup(r.SourceID)
	severity := domain.EvaluateSeverity(r.MetricValue, th)
	if severity == domain.SeverityNone {
		return nil
	}

	threshold := th.High
	if severity == domain.SeverityCritical {
		threshold = th.Flood
	}
	alert := domain.Alert{
		SourceID:       r.SourceID,
		Severity:       severity,
		TriggerValue:   r.MetricValue,
		ThresholdValue: threshold,
		ObservedAt:     r.ObservedAt,
		EvaluatedAt:    domain.Now(),
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("serialize alert: %w", err)
	}
	if _, err := c.bus.Publish(ctx, c.alertsTopic, data, map[string]string{
		"severity":  string(alert.Severity),
		"source_id": alert.SourceID,
	}); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	if c.mirror != nil {
		c.mirror.MirrorAlert(alert)
	}

	if err := c.alerts.Insert(ctx, alert); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Same reading evaluated twice; the first write stands.
			return nil
		}
		return fmt.Errorf("persist alert %s: %w", alert.DedupKey(), err)
	}

	c.metrics.AlertsEmitted.WithLabelValues(string(severity)).Inc()
	c.logger.Info("alert emitted",
		"source_id", alert.SourceID,
		"severity", alert.Severity,
		"trigger_value", alert.TriggerValue,
		"threshold_value", alert.ThresholdValue,
		"exceedance", alert.Exceedance(),
	)
	return nil
}

// malformed applies the decode failure policy. The evaluator decodes
// independently of the ingestion consumer; the two handlers share no code
// path at runtime.
func (c *Evaluator) malformed(d bus.Delivery, err error) error {
	c.metrics.MalformedPayloads.WithLabelValues("evaluator").Inc()
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
