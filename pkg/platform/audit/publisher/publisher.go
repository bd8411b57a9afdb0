// Package publisher emits audit events to a store, synchronously by default
// or through a buffered channel when async mode is enabled.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	audit "fedhub/pkg/platform/audit"
)

// Publisher writes audit events to its store. In async mode events flow
// through a buffered inbox drained by a single goroutine; Close drains the
// inbox before returning.
type Publisher struct {
	store  audit.Store
	logger *slog.Logger

	inbox chan audit.Event
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Option configures optional Publisher behavior.
type Option func(p *Publisher)

// WithAsyncBuffer enables asynchronous emission with the given buffer size.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		p.inbox = make(chan audit.Event, size)
	}
}

// WithLogger attaches a logger for append failures in async mode.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// NewPublisher constructs a publisher over the given store.
func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store}
	for _, opt := range opts {
		opt(p)
	}
	if p.inbox != nil {
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

// Emit records an audit event. Sets the timestamp if the caller left it zero.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if p.inbox == nil {
		return p.store.Append(ctx, event)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.store.Append(ctx, event)
	}
	p.inbox <- event
	return nil
}

// List returns the audit trail for one enrollment.
func (p *Publisher) List(ctx context.Context, enrollmentID string) ([]audit.Event, error) {
	return p.store.ListByEnrollment(ctx, enrollmentID)
}

// Close drains pending async events and stops the worker. Safe to call on a
// synchronous publisher.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	if p.inbox != nil {
		close(p.inbox)
		p.wg.Wait()
	}
}

func (p *Publisher) drain() {
	defer p.wg.Done()
	for event := range p.inbox {
		if err := p.store.Append(context.Background(), event); err != nil && p.logger != nil {
			p.logger.Error("append audit event", "error", err, "action", event.Action)
		}
	}
}
