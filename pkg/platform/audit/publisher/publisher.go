// Package publisher decouples event emission from the audit sink. The
// default mode is synchronous; an async buffered mode keeps slow sinks
// (Kafka) off the request path and drains on close.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	audit "reconcile/pkg/platform/audit"
)

const asyncAppendTimeout = 5 * time.Second

// Publisher emits audit events to a Store.
type Publisher struct {
	store  audit.Store
	logger *slog.Logger

	buffer chan audit.Event
	wg     sync.WaitGroup
	closed chan struct{}
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithLogger sets a logger for async failure reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithAsyncBuffer switches the publisher to asynchronous mode with the given
// buffer size. When the buffer is full, Emit degrades to a synchronous write
// rather than dropping the event.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.buffer = make(chan audit.Event, size)
		}
	}
}

// NewPublisher creates a publisher over the given store.
func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.buffer != nil {
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

// Emit records one event. Missing ids and timestamps are filled in so
// call sites stay terse.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if p.buffer == nil {
		return p.store.Append(ctx, event)
	}

	select {
	case p.buffer <- event:
		return nil
	default:
		// Buffer full: fall back to a synchronous write so the trail stays
		// complete under burst load.
		return p.store.Append(ctx, event)
	}
}

// Close stops accepting async events and drains what is buffered.
func (p *Publisher) Close() {
	select {
	case <-p.closed:
		return
	default:
	}
	close(p.closed)
	if p.buffer != nil {
		close(p.buffer)
		p.wg.Wait()
	}
}

func (p *Publisher) drain() {
	defer p.wg.Done()
	for event := range p.buffer {
		ctx, cancel := context.WithTimeout(context.Background(), asyncAppendTimeout)
		if err := p.store.Append(ctx, event); err != nil && p.logger != nil {
			p.logger.Error("audit append failed",
				"action", string(event.Action),
				"primary_id", event.PrimaryID,
				"error", err.Error(),
			)
		}
		cancel()
	}
}
