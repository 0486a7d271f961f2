package registry_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverpulse/pipeline/internal/bus"
	"github.com/riverpulse/pipeline/internal/domain"
	"github.com/riverpulse/pipeline/internal/observability"
	"github.com/riverpulse/pipeline/internal/registry"
	"github.com/riverpulse/pipeline/internal/store"
)

type fixture struct {
	registry *registry.Registry
	sources  *store.MemorySourceStore
	commands *store.MemoryCommandStore
	bus      *bus.Bus
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T, cfg registry.Config) *fixture {
	t.Helper()
	clk := clockwork.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(clk, logger, observability.NewMetricsForTesting())
	if cfg.CommandsTopic == "" {
		cfg.CommandsTopic = "commands"
	}
	b.CreateTopic(cfg.CommandsTopic)

	sources := store.NewMemorySourceStore()
	commands := store.NewMemoryCommandStore()
	return &fixture{
		registry: registry.New(sources, commands, b, clk, logger, cfg),
		sources:  sources,
		commands: commands,
		bus:      b,
		clock:    clk,
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t, registry.Config{})
	ctx := context.Background()

	src, err := f.registry.Register(ctx, domain.Source{
		SourceID:    "gauge-001",
		DisplayName: "North Fork at Mile 12",
		Location:    &domain.Geo{Lat: 45.52, Lon: -122.68},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRegistered, src.Status)
	assert.Equal(t, f.clock.Now(), src.RegisteredAt)

	_, err = f.registry.Register(ctx, domain.Source{SourceID: "gauge-001"})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	_, err = f.registry.Register(ctx, domain.Source{})
	assert.ErrorIs(t, err, registry.ErrMissingSourceID)
}

func TestRecordHeartbeat_KnownSource(t *testing.T) {
	f := newFixture(t, registry.Config{})
	ctx := context.Background()

	_, err := f.registry.Register(ctx, domain.Source{SourceID: "gauge-001"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	err = f.registry.RecordHeartbeat(ctx, domain.Heartbeat{
		SourceID:      "gauge-001",
		HealthMetrics: map[string]float64{"battery": 87},
	})
	require.NoError(t, err)

	src, err := f.registry.GetSource(ctx, "gauge-001")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOnline, src.Status)
	assert.Equal(t, f.clock.Now(), src.LastHeartbeatAt)
	assert.Equal(t, 87.0, src.HealthMetrics["battery"])
}

func TestRecordHeartbeat_MergesHealthMetrics(t *testing.T) {
	f := newFixture(t, registry.Config{AutoProvision: true})
	ctx := context.Background()

	require.NoError(t, f.registry.RecordHeartbeat(ctx, domain.Heartbeat{
		SourceID:      "gauge-001",
		HealthMetrics: map[string]float64{"battery": 90, "signalStrength": -60},
	}))
	require.NoError(t, f.registry.RecordHeartbeat(ctx, domain.Heartbeat{
		SourceID:      "gauge-001",
		HealthMetrics: map[string]float64{"battery": 84},
	}))

	src, err := f.registry.GetSource(ctx, "gauge-001")
	require.NoError(t, err)
	assert.Equal(t, 84.0, src.HealthMetrics["battery"])
	assert.Equal(t, -60.0, src.HealthMetrics["signalStrength"])
}

func TestRecordHeartbeat_ConcurrentWithFleetReads(t *testing.T) {
	f := newFixture(t, registry.Config{AutoProvision: true})
	ctx := context.Background()

	require.NoError(t, f.registry.RecordHeartbeat(ctx, domain.Heartbeat{
		SourceID:      "gauge-001",
		HealthMetrics: map[string]float64{"battery": 100},
	}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = f.registry.RecordHeartbeat(ctx, domain.Heartbeat{
				SourceID:      "gauge-001",
				HealthMetrics: map[string]float64{"battery": float64(i)},
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			fleet, err := f.registry.ListFleet(ctx, registry.FleetFilter{})
			if err != nil {
				return
			}
			_, _ = json.Marshal(fleet)
		}
	}()
	wg.Wait()

	src, err := f.registry.GetSource(ctx, "gauge-001")
	require.NoError(t, err)
	assert.Equal(t, 499.0, src.HealthMetrics["battery"])
}

func TestRecordHeartbeat_AutoProvision(t *testing.T) {
	f := newFixture(t, registry.Config{AutoProvision: true})
	ctx := context.Background()

	require.NoError(t, f.registry.RecordHeartbeat(ctx, domain.Heartbeat{SourceID: "gauge-777"}))

	src, err := f.registry.GetSource(ctx, "gauge-777")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOnline, src.Status)
	assert.True(t, src.AutoProvisioned)
}

func TestRecordHeartbeat_RejectsUnknownWhenProvisioningDisabled(t *testing.T) {
	f := newFixture(t, registry.Config{AutoProvision: false})

	err := f.registry.RecordHeartbeat(context.Background(), domain.Heartbeat{SourceID: "gauge-777"})
	assert.ErrorIs(t, err, registry.ErrUnknownSource)
}

func TestListFleet_DerivesStaleness(t *testing.T) {
	staleWindow := 5 * time.Minute
	f := newFixture(t, registry.Config{AutoProvision: true, StaleWindow: staleWindow})
	ctx := context.Background()

	require.NoError(t, f.registry.RecordHeartbeat(ctx, domain.Heartbeat{SourceID: "gauge-stale"}))
	f.clock.Advance(staleWindow + time.Second)
	require.NoError(t, f.registry.RecordHeartbeat(ctx, domain.Heartbeat{SourceID: "gauge-fresh"}))

	fleet, err := f.registry.ListFleet(ctx, registry.FleetFilter{})
	require.NoError(t, err)
	require.Len(t, fleet, 2)

	byID := map[string]domain.Status{}
	for _, src := range fleet {
		byID[src.SourceID] = src.Status
	}
	assert.Equal(t, domain.StatusOnline, byID["gauge-fresh"])
	assert.Equal(t, domain.StatusOffline, byID["gauge-stale"])

	offline, err := f.registry.ListFleet(ctx, registry.FleetFilter{Status: domain.StatusOffline})
	require.NoError(t, err)
	require.Len(t, offline, 1)
	assert.Equal(t, "gauge-stale", offline[0].SourceID)
}

func TestEnqueueCommand(t *testing.T) {
	f := newFixture(t, registry.Config{CommandsTopic: "commands"})
	ctx := context.Background()

	sub, err := f.bus.Subscribe("commands", "bridge", bus.SubscriptionConfig{})
	require.NoError(t, err)

	_, err = f.registry.Register(ctx, domain.Source{SourceID: "gauge-001"})
	require.NoError(t, err)

	cmd, err := f.registry.EnqueueCommand(ctx, "gauge-001", "calibrate", []byte(`{"mode":"full"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.CommandID)

	stored, err := f.commands.List(ctx, "gauge-001", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, cmd.CommandID, stored[0].CommandID)

	ctxPull, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	deliveries, err := sub.Pull(ctxPull, 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, cmd.CommandID, deliveries[0].Attributes["command_id"])
	assert.Equal(t, "command", deliveries[0].Attributes["message_type"])
	require.NoError(t, sub.Ack(deliveries[0].AckHandle))
}

func TestEnqueueCommand_UnknownSource(t *testing.T) {
	f := newFixture(t, registry.Config{})

	_, err := f.registry.EnqueueCommand(context.Background(), "gauge-404", "calibrate", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
