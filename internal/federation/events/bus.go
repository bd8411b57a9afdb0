package events

import (
	"log/slog"
	"sync"
)

// Bus is an in-process fan-out of protocol events. Each subscriber gets its
// own buffered channel; Publish never blocks. When a subscriber's buffer is
// full the event is dropped for that subscriber and counted, because protocol
// correctness lives in the store, not in event delivery.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
	logger      *slog.Logger
	onDrop      func()
}

// BusOption configures optional Bus behavior.
type BusOption func(b *Bus)

// WithLogger attaches a logger for dropped-event warnings.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// WithDropCounter registers a callback invoked once per dropped delivery,
// typically wired to a prometheus counter.
func WithDropCounter(onDrop func()) BusOption {
	return func(b *Bus) { b.onDrop = onDrop }
}

// NewBus constructs an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{subscribers: make(map[int]chan Event)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a consumer with the given buffer size and returns its
// channel plus a cancel function. Cancel closes the channel; consumers should
// range over it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	subID := b.nextID
	b.nextID++
	b.subscribers[subID] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[subID]; ok {
			delete(b.subscribers, subID)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			if b.onDrop != nil {
				b.onDrop()
			}
			if b.logger != nil {
				b.logger.Warn("dropped protocol event for slow subscriber",
					"event_type", string(event.Type),
					"enrollment_id", event.Enrollment.EnrollmentID.String(),
				)
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for subID, sub := range b.subscribers {
		delete(b.subscribers, subID)
		close(sub)
	}
}
