// internal/events/bus.go
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// Bus fans session events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event and the drop is counted.
type Bus struct {
	logger     *zap.Logger
	bufferSize int

	mu sync.RWMutex
	// subscribers by event type. The empty type holds wildcard subscribers.
	subscribers map[schemas.SessionEventType][]chan schemas.SessionEvent

	dropped      atomic.Int64
	shutdownOnce sync.Once
	isShutdown   bool
}

// NewBus creates a bus whose subscriber channels hold bufferSize events.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		logger:      logger.Named("event_bus"),
		bufferSize:  bufferSize,
		subscribers: make(map[schemas.SessionEventType][]chan schemas.SessionEvent),
	}
}

// Publish delivers ev to every matching subscriber that has room.
func (b *Bus) Publish(ev schemas.SessionEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	// Holding the read lock while sending keeps Shutdown from closing a
	// channel mid-send. Sends are non-blocking so the hold is short.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.isShutdown {
		return
	}

	deliver := func(subs []chan schemas.SessionEvent) {
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
				b.dropped.Add(1)
			}
		}
	}
	deliver(b.subscribers[ev.Type])
	deliver(b.subscribers[""])
}

// Subscribe returns a channel of events of the given types, or of all types
// when none are named, and a function that removes the subscription.
func (b *Bus) Subscribe(types ...schemas.SessionEventType) (<-chan schemas.SessionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isShutdown {
		closed := make(chan schemas.SessionEvent)
		close(closed)
		return closed, func() {}
	}
	if len(types) == 0 {
		types = []schemas.SessionEventType{""}
	}

	ch := make(chan schemas.SessionEvent, b.bufferSize)
	subscribed := append([]schemas.SessionEventType(nil), types...)
	for _, t := range subscribed {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.isShutdown {
				return
			}
			for _, t := range subscribed {
				subs := b.subscribers[t]
				for i, existing := range subs {
					if existing == ch {
						b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
				if len(b.subscribers[t]) == 0 {
					delete(b.subscribers, t)
				}
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Shutdown closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.isShutdown = true

		unique := make(map[chan schemas.SessionEvent]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		b.subscribers = make(map[schemas.SessionEventType][]chan schemas.SessionEvent)
		b.logger.Debug("Event bus shut down", zap.Int("subscribers", len(unique)), zap.Int64("dropped", b.dropped.Load()))
	})
}
