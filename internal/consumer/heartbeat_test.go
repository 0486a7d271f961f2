package consumer_test

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverpulse/pipeline/internal/bus"
	"github.com/riverpulse/pipeline/internal/consumer"
	"github.com/riverpulse/pipeline/internal/domain"
	"github.com/riverpulse/pipeline/internal/observability"
	"github.com/riverpulse/pipeline/internal/registry"
	"github.com/riverpulse/pipeline/internal/store"
)

func newHeartbeatFixture(t *testing.T, autoProvision bool, policy consumer.MalformedPolicy) (*consumer.Heartbeats, *registry.Registry) {
	t.Helper()
	clk := clockwork.NewFakeClock()
	logger := discardLogger()
	b := bus.New(clk, logger, observability.NewMetricsForTesting())
	reg := registry.New(store.NewMemorySourceStore(), store.NewMemoryCommandStore(), b, clk, logger, registry.Config{
		AutoProvision: autoProvision,
	})
	return consumer.NewHeartbeats(reg, policy, logger, observability.NewMetricsForTesting()), reg
}

func heartbeatPayload(sourceID string) []byte {
	return []byte(`{"sourceId":"` + sourceID + `","type":"heartbeat","observedAt":"2026-01-31T08:00:00Z","auxMetrics":{"battery":87}}`)
}

func TestHeartbeats_RecordsLiveness(t *testing.T) {
	h, reg := newHeartbeatFixture(t, true, consumer.MalformedDrop)

	err := h.Handle(context.Background(), bus.Delivery{DeliveryID: "m1#1", Payload: heartbeatPayload("gauge-001")})
	require.NoError(t, err)

	src, err := reg.GetSource(context.Background(), "gauge-001")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOnline, src.Status)
	assert.Equal(t, 87.0, src.HealthMetrics["battery"])
}

func TestHeartbeats_UnknownSourceRejectionAcks(t *testing.T) {
	h, reg := newHeartbeatFixture(t, false, consumer.MalformedDrop)

	// Rejection is permanent, so the handler acks instead of looping the
	// message through its delivery budget.
	err := h.Handle(context.Background(), bus.Delivery{DeliveryID: "m1#1", Payload: heartbeatPayload("gauge-777")})
	assert.NoError(t, err)

	_, err = reg.GetSource(context.Background(), "gauge-777")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHeartbeats_IgnoresOtherKinds(t *testing.T) {
	h, reg := newHeartbeatFixture(t, true, consumer.MalformedDrop)

	err := h.Handle(context.Background(), bus.Delivery{
		DeliveryID: "m1#1",
		Payload:    flowPayload("gauge-001", 850, "2026-01-31T08:00:00Z"),
	})
	require.NoError(t, err)

	fleet, err := reg.ListFleet(context.Background(), registry.FleetFilter{})
	require.NoError(t, err)
	assert.Empty(t, fleet)
}

func TestHeartbeats_MalformedPolicyDrop(t *testing.T) {
	h, _ := newHeartbeatFixture(t, true, consumer.MalformedDrop)

	err := h.Handle(context.Background(), bus.Delivery{DeliveryID: "m1#1", Payload: []byte(`{broken`)})
	assert.NoError(t, err, "drop policy acks malformed payloads")
}

func TestHeartbeats_MalformedPolicyDeadLetter(t *testing.T) {
	h, _ := newHeartbeatFixture(t, true, consumer.MalformedDeadLetter)

	err := h.Handle(context.Background(), bus.Delivery{DeliveryID: "m1#1", Payload: []byte(`{broken`)})
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}
