package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload marks a payload that cannot be decoded into any message
// kind. It is a permanent error: retrying the same bytes cannot succeed.
var ErrMalformedPayload = errors.New("malformed payload")

// MessageKind discriminates the closed set of decoded message variants.
type MessageKind string

const (
	KindFlowReading MessageKind = "flow_reading"
	KindHeartbeat   MessageKind = "heartbeat"
	KindTelemetry   MessageKind = "telemetry"
	KindCommand     MessageKind = "command"
)

// Envelope is the flat JSON wire schema published by gauges and the bridge.
type Envelope struct {
	SourceID    string             `json:"sourceId"`
	Type        string             `json:"type"`
	ObservedAt  time.Time          `json:"observedAt"`
	MetricValue *float64           `json:"metricValue,omitempty"`
	AuxMetrics  map[string]float64 `json:"auxMetrics,omitempty"`
	CommandType string             `json:"commandType,omitempty"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
}

// Message is a decoded envelope. Exactly one of the variant fields is set,
// matching Kind.
type Message struct {
	Kind      MessageKind
	Reading   *Reading
	Heartbeat *Heartbeat
	Command   *Command
}

// Reading is a single sensor observation. Immutable once published;
// corrections are new readings, never in-place edits.
type Reading struct {
	SourceID       string             `json:"sourceId" bson:"source_id"`
	ObservedAt     time.Time          `json:"observedAt" bson:"observed_at"`
	ReceivedAt     time.Time          `json:"receivedAt" bson:"received_at"`
	MetricValue    float64            `json:"metricValue" bson:"metric_value"`
	AuxMetrics     map[string]float64 `json:"auxMetrics,omitempty" bson:"aux_metrics,omitempty"`
	Classification Classification     `json:"classification,omitempty" bson:"classification,omitempty"`
	Kind           MessageKind        `json:"kind" bson:"kind"`

	// DeliveryID is the bus-assigned id of the delivery that carried this
	// reading. Unique per delivery attempt, not per logical reading, so it
	// is recorded for tracing only, never used for dedup.
	DeliveryID string `json:"deliveryId,omitempty" bson:"delivery_id,omitempty"`
}

// DedupKey is the idempotency key collapsing duplicate deliveries of the
// same logical reading into one stored record.
func (r Reading) DedupKey() string {
	return r.SourceID + "|" + r.ObservedAt.UTC().Format(time.RFC3339Nano)
}

// Heartbeat is a device liveness report.
type Heartbeat struct {
	SourceID      string
	ObservedAt    time.Time
	HealthMetrics map[string]float64
}

// Command is an operator-issued instruction queued for a source.
type Command struct {
	CommandID   string          `json:"commandId" bson:"command_id"`
	SourceID    string          `json:"sourceId" bson:"source_id"`
	CommandType string          `json:"commandType" bson:"command_type"`
	Payload     json.RawMessage `json:"payload,omitempty" bson:"payload,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt" bson:"enqueued_at"`
}

// DecodeMessage decodes a bus payload into a Message, validating the fields
// each kind requires. receivedAt is the server-side ingestion time stamped
// onto readings.
func DecodeMessage(payload []byte, receivedAt time.Time) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return decodeEnvelope(env, receivedAt)
}

func decodeEnvelope(env Envelope, receivedAt time.Time) (Message, error) {
	if env.SourceID == "" {
		return Message{}, fmt.Errorf("%w: missing sourceId", ErrMalformedPayload)
	}
	if env.ObservedAt.IsZero() {
		return Message{}, fmt.Errorf("%w: missing observedAt", ErrMalformedPayload)
	}

	switch MessageKind(env.Type) {
	case KindFlowReading:
		if env.MetricValue == nil {
			return Message{}, fmt.Errorf("%w: flow_reading requires metricValue", ErrMalformedPayload)
		}
		return Message{Kind: KindFlowReading, Reading: &Reading{
			SourceID:    env.SourceID,
			ObservedAt:  env.ObservedAt,
			ReceivedAt:  receivedAt,
			MetricValue: *env.MetricValue,
			AuxMetrics:  env.AuxMetrics,
			Kind:        KindFlowReading,
		}}, nil

	case KindTelemetry:
		// Telemetry carries only aux metrics; it persists through the same
		// path as flow readings but is never evaluated for alerts.
		r := &Reading{
			SourceID:   env.SourceID,
			ObservedAt: env.ObservedAt,
			ReceivedAt: receivedAt,
			AuxMetrics: env.AuxMetrics,
			Kind:       KindTelemetry,
		}
		if env.MetricValue != nil {
			r.MetricValue = *env.MetricValue
		}
		return Message{Kind: KindTelemetry, Reading: r}, nil

	case KindHeartbeat:
		return Message{Kind: KindHeartbeat, Heartbeat: &Heartbeat{
			SourceID:      env.SourceID,
			ObservedAt:    env.ObservedAt,
			HealthMetrics: env.AuxMetrics,
		}}, nil

	case KindCommand:
		if env.CommandType == "" {
			return Message{}, fmt.Errorf("%w: command requires commandType", ErrMalformedPayload)
		}
		return Message{Kind: KindCommand, Command: &Command{
			SourceID:    env.SourceID,
			CommandType: env.CommandType,
			Payload:     env.Payload,
			EnqueuedAt:  env.ObservedAt,
		}}, nil

	default:
		return Message{}, fmt.Errorf("%w: unknown message type %q", ErrMalformedPayload, env.Type)
	}
}
