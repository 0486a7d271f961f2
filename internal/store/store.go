// Package store defines the persistence ports for the pipeline and provides
// in-memory implementations with the same uniqueness semantics as the
// durable adapters.
//
// Ownership is strict: the ingestion consumer is the only writer of the
// reading store, the alert evaluator the only writer of the alert store, and
// the heartbeat path the only writer of source records. Duplicate-key
// rejection happens inside the store, so two concurrently redelivered copies
// of one reading are serialized here, not by consumer-side checks.
package store

import (
	"context"
	"errors"

	"github.com/riverpulse/pipeline/internal/domain"
)

var (
	// ErrDuplicate is returned by inserts whose dedup key is already stored.
	// Callers treat it as success: the logical record is persisted.
	ErrDuplicate = errors.New("duplicate key")

	// ErrNotFound is returned by lookups for absent records.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when registering a source id twice.
	ErrAlreadyExists = errors.New("source already exists")
)

// ReadingFilter narrows reading queries.
type ReadingFilter struct {
	SourceID string
	Limit    int
}

// ReadingStore persists sensor readings keyed by their dedup key.
type ReadingStore interface {
	// Insert stores the reading, returning ErrDuplicate if a record with the
	// same dedup key exists. Never overwrites.
	Insert(ctx context.Context, r domain.Reading) error
	List(ctx context.Context, f ReadingFilter) ([]domain.Reading, error)
	Count(ctx context.Context) (int64, error)
	// CountByKind breaks the total down by message kind.
	CountByKind(ctx context.Context) (map[domain.MessageKind]int64, error)
}

// AlertFilter narrows alert queries.
type AlertFilter struct {
	SourceID string
	Limit    int
}

// AlertStore persists alerts, deduplicating on sourceId|observedAt|severity.
type AlertStore interface {
	// Insert stores the alert, returning ErrDuplicate when an alert with the
	// same dedup key exists (re-evaluated reading).
	Insert(ctx context.Context, a domain.Alert) error
	List(ctx context.Context, f AlertFilter) ([]domain.Alert, error)
	Count(ctx context.Context) (int64, error)
}

// SourceStore persists registry records.
type SourceStore interface {
	// Create inserts a new source, returning ErrAlreadyExists on a taken id.
	Create(ctx context.Context, s domain.Source) error
	Get(ctx context.Context, sourceID string) (domain.Source, error)
	// Update replaces the record for s.SourceID. Last write wins; heartbeats
	// are monotonically informative so an older heartbeat overwriting a
	// newer one is a tolerated staleness blip.
	Update(ctx context.Context, s domain.Source) error
	List(ctx context.Context) ([]domain.Source, error)
}

// CommandStore persists queued device commands keyed by command id.
type CommandStore interface {
	Insert(ctx context.Context, c domain.Command) error
	List(ctx context.Context, sourceID string, limit int) ([]domain.Command, error)
}
