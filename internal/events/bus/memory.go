package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/opencode-plugins/bgtasks/internal/common/logger"
)

// MemoryBus implements Bus with synchronous in-memory fan-out. Subscribers
// for a given task observe events in emission order because Emit runs them
// inline on the emitter's goroutine.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	logger        *logger.Logger
}

// memorySubscription represents an in-memory subscription.
type memorySubscription struct {
	bus       *MemoryBus
	eventType string
	handler   Handler
	mu        sync.Mutex
	active    bool
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.eventType]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log.WithFields(zap.String("component", "event-bus")),
	}
}

// Subscribe registers a handler for an event type or the wildcard.
func (b *MemoryBus) Subscribe(eventType string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memorySubscription{
		bus:       b,
		eventType: eventType,
		handler:   handler,
		active:    true,
	}
	b.subscriptions[eventType] = append(b.subscriptions[eventType], sub)

	b.logger.Debug("subscribed", zap.String("event_type", eventType))
	return sub
}

// Emit invokes every matching subscriber in registration order. Exact-type
// subscribers run before wildcard subscribers. A panicking subscriber is
// logged and does not affect the emitter or later subscribers.
func (b *MemoryBus) Emit(event *Event) {
	b.mu.RLock()
	matched := make([]*memorySubscription, 0, 4)
	matched = append(matched, b.subscriptions[event.Type]...)
	if event.Type != Wildcard {
		matched = append(matched, b.subscriptions[Wildcard]...)
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		b.invoke(sub, event)
	}

	b.logger.Debug("emitted event",
		zap.String("event_type", event.Type),
		zap.String("task_id", event.TaskID),
		zap.Int64("version", event.Version))
}

func (b *MemoryBus) invoke(sub *memorySubscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.String("event_type", event.Type),
				zap.String("task_id", event.TaskID),
				zap.Any("panic", r))
		}
	}()
	sub.handler(event)
}

// Reset removes all subscribers.
func (b *MemoryBus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
}
