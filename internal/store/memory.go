package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/riverpulse/pipeline/internal/domain"
)

// MemoryReadingStore is an in-memory ReadingStore. The dedup map is the
// uniqueness constraint: insert-or-reject under one lock, so concurrent
// redeliveries of the same reading cannot both succeed.
type MemoryReadingStore struct {
	mu      sync.RWMutex
	byKey   map[string]domain.Reading
	inOrder []string
}

// NewMemoryReadingStore creates an empty reading store.
func NewMemoryReadingStore() *MemoryReadingStore {
	return &MemoryReadingStore{byKey: make(map[string]domain.Reading)}
}

func (s *MemoryReadingStore) Insert(_ context.Context, r domain.Reading) error {
	key := r.DedupKey()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[key]; ok {
		return fmt.Errorf("reading %s: %w", key, ErrDuplicate)
	}
	s.byKey[key] = r
	s.inOrder = append(s.inOrder, key)
	return nil
}

func (s *MemoryReadingStore) List(_ context.Context, f ReadingFilter) ([]domain.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Reading, 0)
	for _, key := range s.inOrder {
		r := s.byKey[key]
		if f.SourceID != "" && r.SourceID != f.SourceID {
			continue
		}
		out = append(out, r)
	}
	// Newest observation first, matching the durable adapter. Insertion
	// order is not enough: late-arriving readings carry older timestamps.
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.After(out[j].ObservedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryReadingStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.byKey)), nil
}

func (s *MemoryReadingStore) CountByKind(_ context.Context) (map[domain.MessageKind]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.MessageKind]int64)
	for _, r := range s.byKey {
		out[r.Kind]++
	}
	return out, nil
}

// MemoryAlertStore is an in-memory AlertStore deduplicating on the alert
// dedup key.
type MemoryAlertStore struct {
	mu      sync.RWMutex
	byKey   map[string]domain.Alert
	inOrder []string
}

// NewMemoryAlertStore creates an empty alert store.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{byKey: make(map[string]domain.Alert)}
}

func (s *MemoryAlertStore) Insert(_ context.Context, a domain.Alert) error {
	key := a.DedupKey()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[key]; ok {
		return fmt.Errorf("alert %s: %w", key, ErrDuplicate)
	}
	s.byKey[key] = a
	s.inOrder = append(s.inOrder, key)
	return nil
}

func (s *MemoryAlertStore) List(_ context.Context, f AlertFilter) ([]domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Alert, 0)
	for _, key := range s.inOrder {
		a := s.byKey[key]
		if f.SourceID != "" && a.SourceID != f.SourceID {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ObservedAt.After(out[j].ObservedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryAlertStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.byKey)), nil
}

// MemorySourceStore is an in-memory SourceStore. Updates to different
// sources never contend beyond the single map lock; same-source updates are
// last-write-wins.
type MemorySourceStore struct {
	mu   sync.RWMutex
	byID map[string]domain.Source
}

// NewMemorySourceStore creates an empty source store.
func NewMemorySourceStore() *MemorySourceStore {
	return &MemorySourceStore{byID: make(map[string]domain.Source)}
}

func (s *MemorySourceStore) Create(_ context.Context, src domain.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[src.SourceID]; ok {
		return fmt.Errorf("source %s: %w", src.SourceID, ErrAlreadyExists)
	}
	s.byID[src.SourceID] = src
	return nil
}

func (s *MemorySourceStore) Get(_ context.Context, sourceID string) (domain.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.byID[sourceID]
	if !ok {
		return domain.Source{}, fmt.Errorf("source %s: %w", sourceID, ErrNotFound)
	}
	return src, nil
}

func (s *MemorySourceStore) Update(_ context.Context, src domain.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[src.SourceID]; !ok {
		return fmt.Errorf("source %s: %w", src.SourceID, ErrNotFound)
	}
	s.byID[src.SourceID] = src
	return nil
}

func (s *MemorySourceStore) List(_ context.Context) ([]domain.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Source, 0, len(s.byID))
	for _, src := range s.byID {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// MemoryCommandStore is an in-memory CommandStore.
type MemoryCommandStore struct {
	mu       sync.RWMutex
	commands []domain.Command
}

// NewMemoryCommandStore creates an empty command store.
func NewMemoryCommandStore() *MemoryCommandStore {
	return &MemoryCommandStore{}
}

func (s *MemoryCommandStore) Insert(_ context.Context, c domain.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.commands {
		if existing.CommandID == c.CommandID {
			return fmt.Errorf("command %s: %w", c.CommandID, ErrDuplicate)
		}
	}
	s.commands = append(s.commands, c)
	return nil
}

func (s *MemoryCommandStore) List(_ context.Context, sourceID string, limit int) ([]domain.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Command, 0)
	for i := len(s.commands) - 1; i >= 0; i-- {
		c := s.commands[i]
		if sourceID != "" && c.SourceID != sourceID {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
