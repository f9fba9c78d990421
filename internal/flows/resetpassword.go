package flows

import (
	"context"
	"sync"
	"time"
	"unicode"

	"keel/internal/auth"
	"keel/internal/session"
)

// resetRedirectDelay is how long the success screen shows before the flow
// auto-navigates back to sign-in.
const resetRedirectDelay = 3 * time.Second

// ResetPhase names the reset-password flow's states.
type ResetPhase string

const (
	ResetBooting ResetPhase = "booting"
	ResetIdle    ResetPhase = "idle"
	ResetLoading ResetPhase = "loading"
	ResetError   ResetPhase = "error"
	ResetSuccess ResetPhase = "success"
)

// ResetPasswordState is a snapshot of the reset flow.
type ResetPasswordState struct {
	Phase ResetPhase
	Error string
}

// ResetPassword drives the new-password screen. Boot validates that the
// caller is actually entitled to reset: either a recovery session is
// already active, or the route carried a recovery token to exchange.
type ResetPassword struct {
	service       *auth.Service
	sessions      *session.Store
	redirect      func()
	redirectDelay time.Duration

	mu        sync.Mutex
	state     ResetPasswordState
	timer     *time.Timer
	redirOnce sync.Once
}

// NewResetPassword constructs the flow. redirect is invoked exactly once
// after success, either by the auto-redirect timer or by GoNow.
func NewResetPassword(service *auth.Service, sessions *session.Store, redirect func()) *ResetPassword {
	if redirect == nil {
		redirect = func() {}
	}
	return &ResetPassword{
		service:       service,
		sessions:      sessions,
		redirect:      redirect,
		redirectDelay: resetRedirectDelay,
		state:         ResetPasswordState{Phase: ResetBooting},
	}
}

func (f *ResetPassword) State() ResetPasswordState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Boot validates entitlement. tokenHash and linkType come from the route
// params of the deep link that opened the screen; both may be empty when
// the guard forced navigation off an active recovery session.
func (f *ResetPassword) Boot(ctx context.Context, tokenHash, linkType string) {
	if f.sessions.Snapshot().IsRecoverySession {
		f.setPhase(ResetIdle, "")
		return
	}

	if tokenHash == "" || linkType != "recovery" {
		f.setPhase(ResetError, "This reset link is invalid or has expired. Please request a new one.")
		return
	}

	if _, err := f.service.VerifyRecoveryToken(ctx, tokenHash); err != nil {
		f.setPhase(ResetError, "This reset link is invalid or has expired. Please request a new one.")
		return
	}

	// The backend pushes PASSWORD_RECOVERY on a successful exchange, which
	// sets the recovery flag on the session store.
	f.setPhase(ResetIdle, "")
}

// Submit updates the password. On success the recovery flag is cleared and
// the user signed out before the auto-redirect timer is armed, so the guard
// can never route the just-reset user into the authenticated area.
func (f *ResetPassword) Submit(ctx context.Context, password, confirm string) bool {
	f.mu.Lock()
	if f.state.Phase == ResetLoading || f.state.Phase == ResetSuccess {
		f.mu.Unlock()
		return false
	}
	if msg := validateNewPassword(password, confirm); msg != "" {
		f.state = ResetPasswordState{Phase: ResetError, Error: msg}
		f.mu.Unlock()
		return false
	}
	f.state = ResetPasswordState{Phase: ResetLoading}
	f.mu.Unlock()

	if err := f.service.UpdatePassword(ctx, password); err != nil {
		f.setPhase(ResetError, f.service.Classifier().Classify(ctx, err).Message())
		return false
	}

	f.sessions.ClearRecoveryAndSignOut(ctx)

	f.mu.Lock()
	f.state = ResetPasswordState{Phase: ResetSuccess}
	f.timer = time.AfterFunc(f.redirectDelay, f.fireRedirect)
	f.mu.Unlock()
	return true
}

// GoNow skips the auto-redirect delay. The redirect still fires only once.
func (f *ResetPassword) GoNow() {
	f.mu.Lock()
	if f.state.Phase != ResetSuccess {
		f.mu.Unlock()
		return
	}
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.mu.Unlock()
	f.fireRedirect()
}

// Close cancels a pending auto-redirect, for screen unmount.
func (f *ResetPassword) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *ResetPassword) fireRedirect() {
	f.redirOnce.Do(f.redirect)
}

func (f *ResetPassword) setPhase(phase ResetPhase, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = ResetPasswordState{Phase: phase, Error: msg}
}

// validateNewPassword applies the local password policy: both fields,
// matching, at least 8 characters with upper, lower and digit.
func validateNewPassword(password, confirm string) string {
	if password == "" || confirm == "" {
		return "Please fill in both password fields."
	}
	if password != confirm {
		return "Passwords do not match."
	}
	if len(password) < 8 {
		return "Password must be at least 8 characters."
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return "Password must contain an uppercase letter, a lowercase letter and a number."
	}
	return ""
}
