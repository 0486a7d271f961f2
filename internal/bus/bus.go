// Package bus implements the pipeline's message bus: named topics fanned out
// to independent subscriptions with at-least-once delivery, per-subscription
// ack deadlines, bounded redelivery, and dead-lettering.
//
// Each subscription owns its own cursor: an ack or nack affects only that
// subscription's copy of a message. Messages published before a subscription
// was created are not delivered to it.
//
// Delivery guarantee is at-least-once. A delivery id is unique per delivery
// attempt, not per message; consumers dedup on their own idempotency keys.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/riverpulse/pipeline/internal/observability"
)

var (
	// ErrTopicNotFound is returned by Publish for a topic that was never created.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrSubscriptionExists is returned by Subscribe when the name is taken.
	ErrSubscriptionExists = errors.New("subscription already exists")

	// ErrUnknownAckHandle is returned by Ack and Nack for a handle that is not
	// in flight. A handle expires once its ack deadline passes and the message
	// is redelivered; acking late is reported, not silently absorbed.
	ErrUnknownAckHandle = errors.New("unknown ack handle")
)

// Receipt confirms that the bus durably accepted a published message.
type Receipt struct {
	MessageID   string
	PublishedAt time.Time
}

// message is the bus-internal record shared by all subscription copies.
// Payload and attributes are never mutated after publish.
type message struct {
	id          string
	payload     []byte
	attributes  map[string]string
	publishedAt time.Time
}

type topic struct {
	name string
	subs map[string]*Subscription
}

// Bus routes published messages to every subscription of a topic.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates an empty Bus. The clock drives ack-deadline expiry, so tests
// can freeze redelivery timing with a fake clock.
func New(clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Bus {
	return &Bus{
		topics:  make(map[string]*topic),
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}
}

// CreateTopic creates a named topic. Creating an existing topic is a no-op.
func (b *Bus) CreateTopic(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; !ok {
		b.topics[name] = &topic{name: name, subs: make(map[string]*Subscription)}
	}
}

// Publish durably accepts a message and enqueues a copy on every subscription
// of the topic. It never blocks on subscriber processing.
func (b *Bus) Publish(_ context.Context, topicName string, payload []byte, attributes map[string]string) (Receipt, error) {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	if !ok {
		b.mu.RUnlock()
		return Receipt{}, fmt.Errorf("publish to %q: %w", topicName, ErrTopicNotFound)
	}
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	msg := &message{
		id:          uuid.NewString(),
		payload:     append([]byte(nil), payload...),
		attributes:  copyAttributes(attributes),
		publishedAt: b.clock.Now(),
	}

	for _, s := range subs {
		s.enqueue(msg)
	}

	b.metrics.MessagesPublished.WithLabelValues(topicName).Inc()
	return Receipt{MessageID: msg.id, PublishedAt: msg.publishedAt}, nil
}

// SubscriptionConfig bounds delivery for one subscription.
type SubscriptionConfig struct {
	// AckDeadline is the time a consumer has to ack a delivery before the
	// message returns to the pending pool.
	AckDeadline time.Duration

	// MaxDeliveryAttempts is the total delivery budget. A message failing its
	// last attempt is dead-lettered instead of redelivered.
	MaxDeliveryAttempts int

	// DeadLetterTopic receives exhausted messages verbatim. Empty means
	// exhausted messages are dropped with an error log.
	DeadLetterTopic string
}

// Subscribe creates an independent named cursor over the topic. The topic is
// created if absent, as is the dead-letter topic when configured.
func (b *Bus) Subscribe(topicName, subName string, cfg SubscriptionConfig) (*Subscription, error) {
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 30 * time.Second
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = 5
	}

	b.CreateTopic(topicName)
	if cfg.DeadLetterTopic != "" {
		b.CreateTopic(cfg.DeadLetterTopic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topics[topicName]
	if _, ok := t.subs[subName]; ok {
		return nil, fmt.Errorf("subscribe %q on %q: %w", subName, topicName, ErrSubscriptionExists)
	}

	s := &Subscription{
		bus:      b,
		topic:    topicName,
		name:     subName,
		cfg:      cfg,
		inflight: make(map[string]*entry),
		wake:     make(chan struct{}, 1),
	}
	t.subs[subName] = s
	return s, nil
}

func copyAttributes(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
