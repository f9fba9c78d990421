package flows

import (
	"context"
	"strings"
	"sync"
	"time"

	"keel/internal/auth"
)

const (
	// verifyCooldown blocks resends after each successful send, independent
	// of any server-provided retry-after.
	verifyCooldown = 45 * time.Second
	// verifyMaxSends caps resends inside verifyWindow.
	verifyMaxSends = 3
	verifyWindow   = 5 * time.Minute
)

// VerifyEmailState is a snapshot of the verification-pending flow.
type VerifyEmailState struct {
	Sending bool
	Sent    bool
	Error   string
	// CooldownSeconds counts down at 1Hz after each send; resend is
	// blocked while it is above zero.
	CooldownSeconds int
}

// VerifyEmail drives the "check your inbox" screen shown after sign-up.
type VerifyEmail struct {
	service *auth.Service
	clock   Clock

	mu            sync.Mutex
	state         VerifyEmailState
	cooldownUntil time.Time
	sends         []time.Time
}

func NewVerifyEmail(service *auth.Service, clock Clock) *VerifyEmail {
	if clock == nil {
		clock = time.Now
	}
	return &VerifyEmail{service: service, clock: clock}
}

// State recomputes the countdown from the clock, so callers polling at 1Hz
// see it tick without the flow owning a timer goroutine.
func (f *VerifyEmail) State() VerifyEmailState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state
	st.CooldownSeconds = f.cooldownLocked(f.clock())
	return st
}

func (f *VerifyEmail) cooldownLocked(now time.Time) int {
	if now.After(f.cooldownUntil) {
		return 0
	}
	remaining := int(f.cooldownUntil.Sub(now).Round(time.Second).Seconds())
	if remaining < 1 {
		return 1
	}
	return remaining
}

// Resend re-issues the verification email. Blocked while the cooldown is
// running, and locally rate limited to three sends per five minutes.
func (f *VerifyEmail) Resend(ctx context.Context, email string) bool {
	f.mu.Lock()
	now := f.clock()
	if f.state.Sending || f.cooldownLocked(now) > 0 {
		f.mu.Unlock()
		return false
	}

	cutoff := now.Add(-verifyWindow)
	kept := f.sends[:0]
	for _, t := range f.sends {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.sends = kept
	if len(f.sends) >= verifyMaxSends {
		f.state.Error = auth.CategoryRateLimited.Message()
		f.mu.Unlock()
		return false
	}

	f.state = VerifyEmailState{Sending: true}
	f.mu.Unlock()

	err := f.service.ResendVerification(ctx, email)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Sending = false
	if err != nil {
		f.state.Error = f.service.Classifier().Classify(ctx, err).Message()
		return false
	}
	now = f.clock()
	f.state.Sent = true
	f.sends = append(f.sends, now)
	f.cooldownUntil = now.Add(verifyCooldown)
	return true
}

// MaskEmail hides most of the local part for display: "jo***@example.com".
func MaskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return email
	}
	local := email[:at]
	if len(local) <= 2 {
		return local[:1] + "***" + email[at:]
	}
	return local[:2] + "***" + email[at:]
}
