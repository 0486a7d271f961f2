package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Delivery is one attempt at handing a message to a consumer. The ack handle
// is valid until the ack deadline passes or the handle is acked or nacked.
type Delivery struct {
	DeliveryID  string
	AckHandle   string
	Payload     []byte
	Attributes  map[string]string
	Attempt     int
	PublishedAt time.Time
}

// entry tracks one (message, subscription) pair through the
// PENDING → DELIVERED → {ACKED | PENDING | DEAD_LETTERED} state machine.
// Entries live either in the pending queue or the inflight map, never both.
type entry struct {
	msg      *message
	attempts int
	handle   string
	deadline time.Time
}

// Subscription is an independent cursor over one topic's message stream.
type Subscription struct {
	bus   *Bus
	topic string
	name  string
	cfg   SubscriptionConfig

	mu       sync.Mutex
	pending  []*entry
	inflight map[string]*entry

	// wake is signalled on enqueue and nack so blocked Pull calls re-check
	// the pending queue.
	wake chan struct{}
}

// Name returns the subscription name.
func (s *Subscription) Name() string { return s.name }

// Topic returns the topic this subscription cursors over.
func (s *Subscription) Topic() string { return s.topic }

// enqueue adds a fresh copy of a published message to the pending pool.
func (s *Subscription) enqueue(msg *message) {
	s.mu.Lock()
	s.pending = append(s.pending, &entry{msg: msg})
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pull returns up to maxMessages deliveries, blocking until at least one
// message is available or ctx is done. Expired ack deadlines are swept on
// every call: their messages are redelivered or dead-lettered here, so a
// crashed worker's messages resurface to whoever pulls next.
func (s *Subscription) Pull(ctx context.Context, maxMessages int) ([]Delivery, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	for {
		deliveries, nextDeadline := s.take(maxMessages)
		if len(deliveries) > 0 {
			return deliveries, nil
		}

		var deadlineCh <-chan time.Time
		if !nextDeadline.IsZero() {
			wait := nextDeadline.Sub(s.bus.clock.Now())
			if wait < 0 {
				wait = 0
			}
			deadlineCh = s.bus.clock.After(wait)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.wake:
		case <-deadlineCh:
			// An inflight deadline may have expired; sweep again.
		}
	}
}

// take sweeps expired inflight entries, then moves up to max pending entries
// into flight. It returns the earliest remaining inflight deadline so Pull
// knows when to wake for the next sweep.
func (s *Subscription) take(max int) ([]Delivery, time.Time) {
	now := s.bus.clock.Now()

	s.mu.Lock()
	var exhausted []*entry
	for handle, e := range s.inflight {
		if now.Before(e.deadline) {
			continue
		}
		delete(s.inflight, handle)
		s.bus.metrics.MessagesNacked.WithLabelValues(s.name).Inc()
		if e.attempts >= s.cfg.MaxDeliveryAttempts {
			exhausted = append(exhausted, e)
		} else {
			s.pending = append(s.pending, e)
		}
	}

	n := len(s.pending)
	if n > max {
		n = max
	}
	deliveries := make([]Delivery, 0, n)
	for _, e := range s.pending[:n] {
		e.attempts++
		e.handle = uuid.NewString()
		e.deadline = now.Add(s.cfg.AckDeadline)
		s.inflight[e.handle] = e
		deliveries = append(deliveries, Delivery{
			DeliveryID:  fmt.Sprintf("%s#%d", e.msg.id, e.attempts),
			AckHandle:   e.handle,
			Payload:     e.msg.payload,
			Attributes:  e.msg.attributes,
			Attempt:     e.attempts,
			PublishedAt: e.msg.publishedAt,
		})
	}
	s.pending = s.pending[n:]

	var nextDeadline time.Time
	for _, e := range s.inflight {
		if nextDeadline.IsZero() || e.deadline.Before(nextDeadline) {
			nextDeadline = e.deadline
		}
	}
	s.mu.Unlock()

	if len(deliveries) > 0 {
		s.bus.metrics.MessagesDelivered.WithLabelValues(s.name).Add(float64(len(deliveries)))
	}
	s.deadLetter(exhausted)

	return deliveries, nextDeadline
}

// Ack marks the delivery as successfully processed for this subscription
// only. ACKED is terminal: the entry is discarded.
func (s *Subscription) Ack(handle string) error {
	s.mu.Lock()
	_, ok := s.inflight[handle]
	if ok {
		delete(s.inflight, handle)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("ack on %q: %w", s.name, ErrUnknownAckHandle)
	}
	s.bus.metrics.MessagesAcked.WithLabelValues(s.name).Inc()
	return nil
}

// Nack returns the message to the pending pool for redelivery, or
// dead-letters it when the delivery budget is spent.
func (s *Subscription) Nack(handle string) error {
	s.mu.Lock()
	e, ok := s.inflight[handle]
	var exhausted []*entry
	if ok {
		delete(s.inflight, handle)
		if e.attempts >= s.cfg.MaxDeliveryAttempts {
			exhausted = append(exhausted, e)
		} else {
			s.pending = append(s.pending, e)
		}
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("nack on %q: %w", s.name, ErrUnknownAckHandle)
	}
	s.bus.metrics.MessagesNacked.WithLabelValues(s.name).Inc()
	s.deadLetter(exhausted)
	s.signal()
	return nil
}

// deadLetter copies exhausted messages verbatim to the configured dead-letter
// topic and terminally acks the subscription's copy. This is an
// operator-visible failure: it is logged and counted, never silent.
func (s *Subscription) deadLetter(exhausted []*entry) {
	for _, e := range exhausted {
		s.bus.metrics.MessagesDeadLettered.WithLabelValues(s.name).Inc()
		s.bus.logger.Error("message exhausted delivery budget",
			"topic", s.topic,
			"subscription", s.name,
			"message_id", e.msg.id,
			"attempts", e.attempts,
			"dead_letter_topic", s.cfg.DeadLetterTopic,
		)
		if s.cfg.DeadLetterTopic == "" {
			continue
		}
		if _, err := s.bus.Publish(context.Background(), s.cfg.DeadLetterTopic, e.msg.payload, e.msg.attributes); err != nil {
			s.bus.logger.Error("dead-letter publish failed",
				"subscription", s.name,
				"message_id", e.msg.id,
				"error", err,
			)
		}
	}
}

// Depth reports the pending and inflight counts, used by stats endpoints
// and tests.
func (s *Subscription) Depth() (pending, inflight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), len(s.inflight)
}
