package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverpulse/pipeline/internal/domain"
)

var received = time.Date(2026, 1, 31, 8, 0, 5, 0, time.UTC)

func TestDecodeMessage_FlowReading(t *testing.T) {
	payload := []byte(`{
		"sourceId": "gauge-001",
		"type": "flow_reading",
		"observedAt": "2026-01-31T08:00:00Z",
		"metricValue": 850,
		"auxMetrics": {"stageHeight": 3.2, "waterTemp": 11.5}
	}`)

	msg, err := domain.DecodeMessage(payload, received)
	require.NoError(t, err)

	assert.Equal(t, domain.KindFlowReading, msg.Kind)
	require.NotNil(t, msg.Reading)
	assert.Equal(t, "gauge-001", msg.Reading.SourceID)
	assert.Equal(t, 850.0, msg.Reading.MetricValue)
	assert.Equal(t, received, msg.Reading.ReceivedAt)
	assert.Equal(t, 3.2, msg.Reading.AuxMetrics["stageHeight"])
	assert.Nil(t, msg.Heartbeat)
	assert.Nil(t, msg.Command)
}

func TestDecodeMessage_Heartbeat(t *testing.T) {
	payload := []byte(`{
		"sourceId": "gauge-002",
		"type": "heartbeat",
		"observedAt": "2026-01-31T08:00:00Z",
		"auxMetrics": {"battery": 87, "signalStrength": -62}
	}`)

	msg, err := domain.DecodeMessage(payload, received)
	require.NoError(t, err)

	assert.Equal(t, domain.KindHeartbeat, msg.Kind)
	require.NotNil(t, msg.Heartbeat)
	assert.Equal(t, "gauge-002", msg.Heartbeat.SourceID)
	assert.Equal(t, 87.0, msg.Heartbeat.HealthMetrics["battery"])
}

func TestDecodeMessage_TelemetryWithoutMetricValue(t *testing.T) {
	payload := []byte(`{
		"sourceId": "gauge-001",
		"type": "telemetry",
		"observedAt": "2026-01-31T08:00:00Z",
		"auxMetrics": {"temperature": -2.5, "humidity": 61}
	}`)

	msg, err := domain.DecodeMessage(payload, received)
	require.NoError(t, err)

	assert.Equal(t, domain.KindTelemetry, msg.Kind)
	require.NotNil(t, msg.Reading)
	assert.Equal(t, domain.KindTelemetry, msg.Reading.Kind)
	assert.Zero(t, msg.Reading.MetricValue)
}

func TestDecodeMessage_Command(t *testing.T) {
	payload := []byte(`{
		"sourceId": "gauge-003",
		"type": "command",
		"observedAt": "2026-01-31T08:00:00Z",
		"commandType": "calibrate",
		"payload": {"mode": "full"}
	}`)

	msg, err := domain.DecodeMessage(payload, received)
	require.NoError(t, err)

	assert.Equal(t, domain.KindCommand, msg.Kind)
	require.NotNil(t, msg.Command)
	assert.Equal(t, "calibrate", msg.Command.CommandType)
	assert.JSONEq(t, `{"mode":"full"}`, string(msg.Command.Payload))
}

func TestDecodeMessage_Malformed(t *testing.T) {
	cases := map[string]string{
		"invalid json":           `{not json`,
		"missing sourceId":       `{"type":"flow_reading","observedAt":"2026-01-31T08:00:00Z","metricValue":1}`,
		"missing observedAt":     `{"sourceId":"gauge-001","type":"flow_reading","metricValue":1}`,
		"missing metricValue":    `{"sourceId":"gauge-001","type":"flow_reading","observedAt":"2026-01-31T08:00:00Z"}`,
		"unknown type":           `{"sourceId":"gauge-001","type":"mystery","observedAt":"2026-01-31T08:00:00Z"}`,
		"command without type":   `{"sourceId":"gauge-001","type":"command","observedAt":"2026-01-31T08:00:00Z"}`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := domain.DecodeMessage([]byte(payload), received)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrMalformedPayload)
		})
	}
}

func TestReading_DedupKey_StableAcrossDeliveries(t *testing.T) {
	observed := time.Date(2026, 1, 31, 8, 0, 0, 0, time.UTC)
	first := domain.Reading{SourceID: "gauge-001", ObservedAt: observed, DeliveryID: "m1#1"}
	redelivered := domain.Reading{SourceID: "gauge-001", ObservedAt: observed, DeliveryID: "m1#2"}

	assert.Equal(t, first.DedupKey(), redelivered.DedupKey())
	assert.Equal(t, "gauge-001|2026-01-31T08:00:00Z", first.DedupKey())
}
