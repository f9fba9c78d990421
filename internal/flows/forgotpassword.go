package flows

import (
	"context"
	"sync"
	"time"

	"keel/internal/auth"
)

const (
	// forgotMaxSends is the local cap on recovery emails inside the window,
	// independent of any backend limit.
	forgotMaxSends = 3
	forgotWindow   = 30 * time.Second
)

// ForgotPasswordState is a snapshot of the recovery-request flow.
type ForgotPasswordState struct {
	Loading   bool
	Error     string
	EmailSent bool
	// WaitSeconds is non-zero when the local rate limit rejected the last
	// attempt; it is the time until the next attempt is allowed.
	WaitSeconds int
}

// ForgotPassword drives the "email me a reset link" screen.
type ForgotPassword struct {
	service *auth.Service
	clock   Clock

	mu    sync.Mutex
	state ForgotPasswordState
	sends []time.Time
}

func NewForgotPassword(service *auth.Service, clock Clock) *ForgotPassword {
	if clock == nil {
		clock = time.Now
	}
	return &ForgotPassword{service: service, clock: clock}
}

func (f *ForgotPassword) State() ForgotPasswordState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Submit requests a recovery email. At most three attempts are allowed in a
// rolling 30-second window; a rejected attempt never reaches the backend
// and reports the computed wait instead. Failed sends count against the
// window too, so a flapping backend cannot be hammered.
func (f *ForgotPassword) Submit(ctx context.Context, email string) bool {
	f.mu.Lock()
	if f.state.Loading {
		f.mu.Unlock()
		return false
	}

	now := f.clock()
	f.pruneLocked(now)
	if len(f.sends) >= forgotMaxSends {
		wait := int(f.sends[0].Add(forgotWindow).Sub(now).Seconds())
		if wait < 1 {
			wait = 1
		}
		f.state.Error = ""
		f.state.WaitSeconds = wait
		f.mu.Unlock()
		return false
	}

	f.sends = append(f.sends, now)
	f.state = ForgotPasswordState{Loading: true}
	f.mu.Unlock()

	err := f.service.ForgotPassword(ctx, email)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Loading = false
	if err != nil {
		f.state.Error = f.service.Classifier().Classify(ctx, err).Message()
		return false
	}
	f.state.EmailSent = true
	return true
}

// pruneLocked drops send timestamps older than the window.
func (f *ForgotPassword) pruneLocked(now time.Time) {
	cutoff := now.Add(-forgotWindow)
	kept := f.sends[:0]
	for _, t := range f.sends {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.sends = kept
}
