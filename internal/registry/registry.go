// Package registry tracks known sources, their liveness, and the
// cloud-to-device command queue.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/riverpulse/pipeline/internal/bus"
	"github.com/riverpulse/pipeline/internal/domain"
	"github.com/riverpulse/pipeline/internal/store"
)

var (
	// ErrUnknownSource is returned for heartbeats from unregistered sources
	// when auto-provisioning is disabled.
	ErrUnknownSource = errors.New("unknown source")

	// ErrMissingSourceID is returned for administrative operations without a
	// source id.
	ErrMissingSourceID = errors.New("sourceId is required")
)

// Config controls registry policy.
type Config struct {
	// AutoProvision creates a minimal ONLINE record on the first heartbeat
	// from an unknown source. When false such heartbeats are rejected with
	// ErrUnknownSource.
	AutoProvision bool

	// StaleWindow is the heartbeat age beyond which readers derive OFFLINE.
	StaleWindow time.Duration

	// CommandsTopic is the bus topic queued commands are published to.
	CommandsTopic string
}

// Registry owns source records and the command queue. The heartbeat path is
// the only writer of source records; fleet queries are read-only.
type Registry struct {
	sources  store.SourceStore
	commands store.CommandStore
	bus      *bus.Bus
	clock    clockwork.Clock
	logger   *slog.Logger
	cfg      Config
}

// New creates a Registry over the given stores.
func New(sources store.SourceStore, commands store.CommandStore, b *bus.Bus, clock clockwork.Clock, logger *slog.Logger, cfg Config) *Registry {
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = 5 * time.Minute
	}
	return &Registry{
		sources:  sources,
		commands: commands,
		bus:      b,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
	}
}

// Register creates a source record. Re-registration is an error by design,
// to catch misconfigured devices: it returns store.ErrAlreadyExists.
func (r *Registry) Register(ctx context.Context, src domain.Source) (domain.Source, error) {
	if src.SourceID == "" {
		return domain.Source{}, fmt.Errorf("register: %w", ErrMissingSourceID)
	}
	src.Status = domain.StatusRegistered
	src.RegisteredAt = r.clock.Now()
	if err := r.sources.Create(ctx, src); err != nil {
		return domain.Source{}, err
	}
	r.logger.Info("source registered", "source_id", src.SourceID, "display_name", src.DisplayName)
	return src, nil
}

// RecordHeartbeat applies a heartbeat to the source record: status ONLINE,
// lastHeartbeatAt now, health metrics merged last-write-wins. Unknown
// sources are auto-provisioned or rejected per Config.AutoProvision.
func (r *Registry) RecordHeartbeat(ctx context.Context, hb domain.Heartbeat) error {
	now := r.clock.Now()

	src, err := r.sources.Get(ctx, hb.SourceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if !r.cfg.AutoProvision {
			return fmt.Errorf("heartbeat from %q: %w", hb.SourceID, ErrUnknownSource)
		}
		src = domain.Source{
			SourceID:        hb.SourceID,
			Status:          domain.StatusOnline,
			LastHeartbeatAt: now,
			HealthMetrics:   hb.HealthMetrics,
			RegisteredAt:    now,
			AutoProvisioned: true,
		}
		if err := r.sources.Create(ctx, src); err != nil {
			// A concurrent heartbeat won the create; fall through to update.
			if !errors.Is(err, store.ErrAlreadyExists) {
				return err
			}
			return r.RecordHeartbeat(ctx, hb)
		}
		r.logger.Info("source auto-provisioned", "source_id", hb.SourceID)
		return nil
	case err != nil:
		return err
	}

	src.Status = domain.StatusOnline
	src.LastHeartbeatAt = now
	src.HealthMetrics = mergeMetrics(src.HealthMetrics, hb.HealthMetrics)
	return r.sources.Update(ctx, src)
}

// FleetFilter narrows fleet queries. Status filters on the derived status.
type FleetFilter struct {
	Status domain.Status
	Limit  int
}

// ListFleet returns the fleet with derived status applied: a source whose
// heartbeat is older than the staleness window reports OFFLINE regardless of
// its stored status.
func (r *Registry) ListFleet(ctx context.Context, f FleetFilter) ([]domain.Source, error) {
	sources, err := r.sources.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()

	out := make([]domain.Source, 0, len(sources))
	for _, src := range sources {
		src.Status = src.DerivedStatus(now, r.cfg.StaleWindow)
		if f.Status != "" && src.Status != f.Status {
			continue
		}
		out = append(out, src)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// GetSource returns one source with derived status applied.
func (r *Registry) GetSource(ctx context.Context, sourceID string) (domain.Source, error) {
	src, err := r.sources.Get(ctx, sourceID)
	if err != nil {
		return domain.Source{}, err
	}
	src.Status = src.DerivedStatus(r.clock.Now(), r.cfg.StaleWindow)
	return src, nil
}

// EnqueueCommand durably queues an operator command for a source and
// publishes it on the commands topic. Delivery to the device is the command
// bridge's job; bridge consumers must be idempotent on the command id.
func (r *Registry) EnqueueCommand(ctx context.Context, sourceID, commandType string, payload json.RawMessage) (domain.Command, error) {
	if _, err := r.sources.Get(ctx, sourceID); err != nil {
		return domain.Command{}, err
	}

	cmd := domain.Command{
		CommandID:   uuid.NewString(),
		SourceID:    sourceID,
		CommandType: commandType,
		Payload:     payload,
		EnqueuedAt:  r.clock.Now(),
	}
	if err := r.commands.Insert(ctx, cmd); err != nil {
		return domain.Command{}, err
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return domain.Command{}, fmt.Errorf("serialize command: %w", err)
	}
	if _, err := r.bus.Publish(ctx, r.cfg.CommandsTopic, data, map[string]string{
		"message_type": string(domain.KindCommand),
		"source_id":    sourceID,
		"command_id":   cmd.CommandID,
	}); err != nil {
		return domain.Command{}, err
	}

	r.logger.Info("command enqueued",
		"source_id", sourceID,
		"command_type", commandType,
		"command_id", cmd.CommandID,
	)
	return cmd, nil
}

// mergeMetrics overlays incoming health metrics onto the stored set. It
// always returns a fresh map: the stored map may still be referenced by
// fleet readers, so it must never be written in place.
func mergeMetrics(stored, incoming map[string]float64) map[string]float64 {
	if len(stored) == 0 && len(incoming) == 0 {
		return nil
	}
	merged := make(map[string]float64, len(stored)+len(incoming))
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}
