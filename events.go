package worldsync

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names a notification published by the engine.
type EventType string

const (
	EventConnectivityChanged EventType = "connectivity.changed"
	EventSyncStarted         EventType = "sync.started"
	EventSyncCompleted       EventType = "sync.completed"
	EventSyncFailed          EventType = "sync.failed"
	EventSyncRetryScheduled  EventType = "sync.retry_scheduled"
	EventWorldsChanged       EventType = "worlds.changed"
	EventOpFailed            EventType = "queue.op_failed"
	EventQueueOverflow       EventType = "queue.overflow"
)

// Event is a single notification. Only the fields relevant to Type are set.
type Event struct {
	Type     EventType
	At       time.Time
	Online   bool
	Err      error
	Final    bool
	Attempt  int
	Delay    time.Duration
	WorldIDs []string
	Failure  *OpFailure
	Report   *DrainReport
}

// EventHandler receives engine events. Handlers run synchronously on the
// publishing goroutine and must not block.
type EventHandler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	next   int
	subs   map[int]EventHandler
	logger *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subs: make(map[int]EventHandler), logger: logger}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every subscriber. A panicking handler is logged and
// does not stop delivery to the others.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Event handler panicked",
						zap.String("event", string(ev.Type)), zap.Any("panic", r))
				}
			}()
			h(ev)
		}()
	}
}

func (b *Bus) clear() {
	b.mu.Lock()
	b.subs = make(map[int]EventHandler)
	b.mu.Unlock()
}
