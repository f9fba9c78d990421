package flows

import (
	"context"
	"sync"
	"time"

	"keel/internal/auth"
	"keel/internal/backend"
)

const (
	// signInMaxAttempts is the consecutive-failure count after which the
	// flow reports a rate limit regardless of what the backend said.
	signInMaxAttempts = 5
	// signInSuppressWindow additionally suppresses backend calls after the
	// attempt cap, so a hammering client stops generating traffic.
	signInSuppressWindow = 30 * time.Second
)

// SignInState is a snapshot of the sign-in flow.
type SignInState struct {
	Loading  bool
	Error    string
	Category auth.Category
	Attempts int
}

// SignIn drives the password sign-in screen.
type SignIn struct {
	service *auth.Service
	clock   Clock

	mu              sync.Mutex
	state           SignInState
	suppressedUntil time.Time
}

// NewSignIn constructs the flow. clock may be nil for time.Now.
func NewSignIn(service *auth.Service, clock Clock) *SignIn {
	if clock == nil {
		clock = time.Now
	}
	return &SignIn{service: service, clock: clock}
}

// State returns the current snapshot.
func (f *SignIn) State() SignInState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Submit attempts a sign-in. On success the returned session is non-nil and
// the caller owns navigation; the flow only tracks loading and error state.
// After five consecutive failures every attempt inside the suppression
// window is rejected locally without touching the backend.
func (f *SignIn) Submit(ctx context.Context, email, password string) *backend.Session {
	f.mu.Lock()
	if f.state.Loading {
		f.mu.Unlock()
		return nil
	}
	now := f.clock()
	if f.state.Attempts >= signInMaxAttempts && now.Before(f.suppressedUntil) {
		f.state.Error = auth.CategoryRateLimited.Message()
		f.state.Category = auth.CategoryRateLimited
		f.mu.Unlock()
		return nil
	}
	f.state.Loading = true
	f.state.Error = ""
	f.state.Category = ""
	f.mu.Unlock()

	sess, err := f.service.SignIn(ctx, email, password)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Loading = false

	if err != nil {
		f.state.Attempts++
		category := f.service.Classifier().Classify(ctx, err)
		if f.state.Attempts >= signInMaxAttempts {
			category = auth.CategoryRateLimited
			f.suppressedUntil = f.clock().Add(signInSuppressWindow)
		}
		f.state.Category = category
		f.state.Error = category.Message()
		return nil
	}

	f.state.Attempts = 0
	f.suppressedUntil = time.Time{}
	return sess
}
