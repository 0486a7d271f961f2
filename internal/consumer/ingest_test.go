package consumer_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverpulse/pipeline/internal/bus"
	"github.com/riverpulse/pipeline/internal/consumer"
	"github.com/riverpulse/pipeline/internal/domain"
	"github.com/riverpulse/pipeline/internal/observability"
	"github.com/riverpulse/pipeline/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func flowPayload(sourceID string, value float64, observedAt string) []byte {
	return fmt.Appendf(nil,
		`{"sourceId":%q,"type":"flow_reading","observedAt":%q,"metricValue":%v}`,
		sourceID, observedAt, value)
}

type capturedMirror struct {
	mu       sync.Mutex
	readings []domain.Reading
	alerts   []domain.Alert
}

func (m *capturedMirror) Mirror(r domain.Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, r)
}

func (m *capturedMirror) MirrorAlert(a domain.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
}

func TestIngest_PersistsFlowReadingWithClassification(t *testing.T) {
	readings := store.NewMemoryReadingStore()
	thresholds := domain.NewThresholdTable(domain.DefaultThresholds)
	mirror := &capturedMirror{}
	h := consumer.NewIngest(readings, thresholds, mirror, consumer.MalformedDrop, discardLogger(), observability.NewMetricsForTesting())

	err := h.Handle(context.Background(), bus.Delivery{
		DeliveryID: "m1#1",
		Payload:    flowPayload("gauge-001", 850, "2026-01-31T08:00:00Z"),
		Attempt:    1,
	})
	require.NoError(t, err)

	stored, err := readings.List(context.Background(), store.ReadingFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 850.0, stored[0].MetricValue)
	assert.Equal(t, domain.ClassRunnable, stored[0].Classification)
	assert.Equal(t, "m1#1", stored[0].DeliveryID)
	assert.Len(t, mirror.readings, 1)
}

func TestIngest_RedeliveriesCollapseToOneRecord(t *testing.T) {
	readings := store.NewMemoryReadingStore()
	thresholds := domain.NewThresholdTable(domain.DefaultThresholds)
	h := consumer.NewIngest(readings, thresholds, nil, consumer.MalformedDrop, discardLogger(), observability.NewMetricsForTesting())

	payload := flowPayload("gauge-001", 850, "2026-01-31T08:00:00Z")
	for attempt := 1; attempt <= 5; attempt++ {
		err := h.Handle(context.Background(), bus.Delivery{
			DeliveryID: fmt.Sprintf("m1#%d", attempt),
			Payload:    payload,
			Attempt:    attempt,
		})
		require.NoError(t, err, "redelivery must ack, not error")
	}

	count, err := readings.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestIngest_ConcurrentRedeliveriesCollapseToOneRecord(t *testing.T) {
	readings := store.NewMemoryReadingStore()
	thresholds := domain.NewThresholdTable(domain.DefaultThresholds)
	h := consumer.NewIngest(readings, thresholds, nil, consumer.MalformedDrop, discardLogger(), observability.NewMetricsForTesting())

	payload := flowPayload("gauge-001", 850, "2026-01-31T08:00:00Z")
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.Handle(context.Background(), bus.Delivery{
				DeliveryID: fmt.Sprintf("m1#%d", i+1),
				Payload:    payload,
				Attempt:    i + 1,
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	count, err := readings.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestIngest_DistinctObservationsBothPersist(t *testing.T) {
	readings := store.NewMemoryReadingStore()
	thresholds := domain.NewThresholdTable(domain.DefaultThresholds)
	h := consumer.NewIngest(readings, thresholds, nil, consumer.MalformedDrop, discardLogger(), observability.NewMetricsForTesting())

	require.NoError(t, h.Handle(context.Background(), bus.Delivery{
		DeliveryID: "m1#1",
		Payload:    flowPayload("gauge-001", 850, "2026-01-31T08:00:00Z"),
	}))
	require.NoError(t, h.Handle(context.Background(), bus.Delivery{
		DeliveryID: "m2#1",
		Payload:    flowPayload("gauge-001", 850, "2026-01-31T08:15:00Z"),
	}))

	count, err := readings.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestIngest_TelemetryPersistsWithoutClassification(t *testing.T) {
	readings := store.NewMemoryReadingStore()
	thresholds := domain.NewThresholdTable(domain.DefaultThresholds)
	h := consumer.NewIngest(readings, thresholds, nil, consumer.MalformedDrop, discardLogger(), observability.NewMetricsForTesting())

	payload := []byte(`{"sourceId":"gauge-001","type":"telemetry","observedAt":"2026-01-31T08:00:00Z","auxMetrics":{"temperature":-2.5}}`)
	require.NoError(t, h.Handle(context.Background(), bus.Delivery{DeliveryID: "m1#1", Payload: payload}))

	stored, err := readings.List(context.Background(), store.ReadingFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.KindTelemetry, stored[0].Kind)
	assert.Empty(t, stored[0].Classification)
}

func TestIngest_IgnoresHeartbeats(t *testing.T) {
	readings := store.NewMemoryReadingStore()
	thresholds := domain.NewThresholdTable(domain.DefaultThresholds)
	h := consumer.NewIngest(readings, thresholds, nil, consumer.MalformedDrop, discardLogger(), observability.NewMetricsForTesting())

	payload := []byte(`{"sourceId":"gauge-001","type":"heartbeat","observedAt":"2026-01-31T08:00:00Z"}`)
	require.NoError(t, h.Handle(context.Background(), bus.Delivery{DeliveryID: "m1#1", Payload: payload}))

	count, err := readings.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIngest_MalformedPolicyDrop(t *testing.T) {
	readings := store.NewMemoryReadingStore()
	thresholds := domain.NewThresholdTable(domain.DefaultThresholds)
	h := consumer.NewIngest(readings, thresholds, nil, consumer.MalformedDrop, discardLogger(), observability.NewMetricsForTesting())

	err := h.Handle(context.Background(), bus.Delivery{DeliveryID: "m1#1", Payload: []byte(`{broken`)})
	assert.NoError(t, err, "drop policy acks malformed payloads")
}

func TestIngest_MalformedPolicyDeadLetter(t *testing.T) {
	readings := store.NewMemoryReadingStore()
	thresholds := domain.NewThresholdTable(domain.DefaultThresholds)
	h := consumer.NewIngest(readings, thresholds, nil, consumer.MalformedDeadLetter, discardLogger(), observability.NewMetricsForTesting())

	err := h.Handle(context.Background(), bus.Delivery{DeliveryID: "m1#1", Payload: []byte(`{broken`)})
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}

func setFakeClock(t *testing.T) *clockwork.FakeClock {
	t.Helper()
	clk := clockwork.NewFakeClock()
	domain.SetClock(clk)
	t.Cleanup(func() { domain.SetClock(clockwork.NewRealClock()) })
	return clk
}
