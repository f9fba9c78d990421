// Package app owns the launch sequence: probe the backend, restore the
// session, and only then open the ready gate that lets the UI leave its
// splash state.
package app

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"keel/internal/backend"
	"keel/internal/session"
)

// Boot runs the startup steps and flips the ready gate exactly once,
// whether or not any step failed. A failed connectivity probe or session
// restore still ends in a decidable signed-out state, never a hung splash.
type Boot struct {
	client   backend.Client
	sessions *session.Store
	logger   *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// Option configures a Boot instance.
type Option func(*Boot)

// WithLogger sets the boot logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Boot) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New constructs the boot sequence.
func New(client backend.Client, sessions *session.Store, opts ...Option) *Boot {
	b := &Boot{
		client:   client,
		sessions: sessions,
		logger:   slog.Default(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Run executes the connectivity probe and session restore concurrently,
// then opens the ready gate. The returned error reports probe failure for
// logging; the gate opens regardless. The two steps are independent: a
// failed probe must not cancel a restore that would have succeeded, so the
// group carries no shared cancellation.
func (b *Boot) Run(ctx context.Context) error {
	defer b.readyOnce.Do(func() { close(b.ready) })

	var g errgroup.Group

	g.Go(func() error {
		if err := b.client.HealthCheck(ctx); err != nil {
			b.logger.Warn("backend connectivity probe failed", "error", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		// Initialize never returns an error: failures normalize to a
		// signed-out state so the app always reaches a decidable screen.
		b.sessions.Initialize(ctx)
		return nil
	})

	return g.Wait()
}

// Ready is closed once the boot sequence has finished.
func (b *Boot) Ready() <-chan struct{} {
	return b.ready
}

// IsReady reports whether the gate has opened.
func (b *Boot) IsReady() bool {
	select {
	case <-b.ready:
		return true
	default:
		return false
	}
}
