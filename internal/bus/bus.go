// Package bus is the in-process pub/sub channel for lifecycle and audit
// events. It is best-effort and non-durable: subscribers receive events from
// the point of subscription onward, publishers never block, and a subscriber
// that falls behind its buffer is dropped rather than slowing the rest of the
// service down.
package bus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/metrics"
)

// Severity grades an event for log mirroring and client display.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Category groups events by the subsystem that emitted them.
type Category string

const (
	CategoryCommand  Category = "command"
	CategoryAuth     Category = "auth"
	CategoryProtocol Category = "protocol"
	CategoryRobot    Category = "robot"
	CategoryAudit    Category = "audit"
)

// Event is one append-only record on the bus. Message carries the dotted
// event name ("command.running", "robot.offline"); human detail and
// machine-readable fields go in Context. Context includes command_id whenever
// the event concerns a command.
type Event struct {
	TraceID   string         `json:"trace_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  Severity       `json:"severity"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// DefaultBufferSize is the per-subscriber bound before the bus gives up on a
// subscriber.
const DefaultBufferSize = 256

// Filter restricts a subscription. Zero value matches everything.
type Filter struct {
	Categories []Category
	TraceID    string
}

func (f Filter) matches(ev Event) bool {
	if f.TraceID != "" && f.TraceID != ev.TraceID {
		return false
	}
	if len(f.Categories) == 0 {
		return true
	}
	for _, c := range f.Categories {
		if c == ev.Category {
			return true
		}
	}
	return false
}

type subscriber struct {
	id     int
	ch     chan Event
	filter Filter
}

// Bus fans events out to subscribers.
//
// Locking: sends happen under RLock and channels are closed only under the
// write lock, so a publisher can never race a close. A full buffer during
// publish marks the subscriber for removal; the drop happens after the
// read lock is released.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(logger *zap.Logger, m *metrics.Metrics) *Bus {
	return &Bus{
		subs:    make(map[int]*subscriber),
		logger:  logger.Named("bus"),
		metrics: m,
	}
}

// Subscribe registers a subscriber with the default buffer. The returned
// cancel func is idempotent; the subscription also ends when ctx does.
func (b *Bus) Subscribe(ctx context.Context, filter Filter) (<-chan Event, func()) {
	return b.SubscribeBuffered(ctx, filter, DefaultBufferSize)
}

// SubscribeBuffered registers a subscriber with an explicit buffer bound.
func (b *Bus) SubscribeBuffered(ctx context.Context, filter Filter, buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = DefaultBufferSize
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan Event, buffer), filter: filter}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.metrics.BusSubscribers.Inc()

	cancel := func() { b.remove(sub.id, "") }
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber without blocking. A
// subscriber whose buffer is full is dropped and the survivors are told via a
// WARN audit event.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var overflowed []int
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	for _, sub := range b.subs {
		if !sub.filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			overflowed = append(overflowed, sub.id)
		}
	}
	b.mu.RUnlock()

	for _, id := range overflowed {
		if b.remove(id, "buffer overflow") {
			b.metrics.BusDropped.Inc()
			b.Publish(Event{
				Severity: SeverityWarn,
				Category: CategoryAudit,
				Message:  "bus.subscriber_dropped",
				Context:  map[string]any{"subscriber_id": id, "reason": "buffer overflow"},
			})
		}
	}
}

// remove deletes and closes one subscription. Returns false when it was
// already gone.
func (b *Bus) remove(id int, reason string) bool {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	b.metrics.BusSubscribers.Dec()
	if reason != "" {
		b.logger.Warn("subscriber dropped",
			zap.Int("subscriber_id", id),
			zap.String("reason", reason))
	}
	return true
}

// SubscriberCount reports active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscriber and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
		b.metrics.BusSubscribers.Dec()
	}
}
