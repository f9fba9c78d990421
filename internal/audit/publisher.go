package audit

import (
	"context"
	"log/slog"
	"time"
)

// Publisher stamps and appends events. With a buffer size it appends from a
// background worker instead, so emitters never block on a slow sink.
type Publisher struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time

	inbox  chan Event
	done   chan struct{}
	cancel context.CancelFunc
}

// PublisherOption configures a Publisher instance.
type PublisherOption func(*Publisher)

// WithLogger sets the logger for sink failures.
func WithLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock sets the timestamp source for testability.
func WithClock(clock func() time.Time) PublisherOption {
	return func(p *Publisher) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithBuffer switches the publisher to async mode with the given queue
// depth. A full queue drops the event rather than blocking the emitter.
func WithBuffer(size int) PublisherOption {
	return func(p *Publisher) {
		if size > 0 {
			p.inbox = make(chan Event, size)
		}
	}
}

func NewPublisher(store Store, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		store:  store,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.inbox != nil {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.done = make(chan struct{})
		go p.drain(ctx)
	}
	return p
}

// Emit records an event. Sink failures are logged, never returned.
func (p *Publisher) Emit(ctx context.Context, event Event) {
	event = stamp(event, p.clock)

	if p.inbox != nil {
		select {
		case p.inbox <- event:
		default:
			p.logger.Warn("audit queue full, dropping event", "action", event.Action)
		}
		return
	}

	if err := p.store.Append(ctx, event); err != nil {
		p.logger.Warn("audit append failed", "action", event.Action, "error", err)
	}
}

// List returns recorded events for one user.
func (p *Publisher) List(ctx context.Context, userID string) ([]Event, error) {
	return p.store.ListByUser(ctx, userID)
}

func (p *Publisher) drain(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			// Flush whatever is already queued before exiting.
			for {
				select {
				case event := <-p.inbox:
					p.append(event)
				default:
					return
				}
			}
		case event := <-p.inbox:
			p.append(event)
		}
	}
}

func (p *Publisher) append(event Event) {
	if err := p.store.Append(context.Background(), event); err != nil {
		p.logger.Warn("audit append failed", "action", event.Action, "error", err)
	}
}

// Close stops the async worker, flushing queued events first. A no-op in
// sync mode.
func (p *Publisher) Close() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}
