// Package guard is the single authority deciding which screen the user may
// be on. It re-evaluates a prioritized rule list on every relevant state
// change and funnels every forced navigation through one gated replace
// path, so simultaneous state changes cannot cause redirect storms.
package guard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ReplaceLockWindow is the default debounce lease on forced replaces.
const ReplaceLockWindow = 150 * time.Millisecond

var redirects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keel_guard_redirects_total",
	Help: "Forced navigation replaces by target and reason",
}, []string{"target", "reason"})

// Route is a logical destination, not a literal path.
type Route string

const (
	RouteRoot           Route = ""
	RouteSignIn         Route = "sign-in"
	RouteSignUp         Route = "sign-up"
	RouteForgotPassword Route = "forgot-password"
	RouteResetPassword  Route = "reset-password"
	RouteVerifyEmail    Route = "verify-email"
	RouteEmailVerified  Route = "email-verified"
	RouteOnboarding     Route = "onboarding"
	RouteHome           Route = "home"
)

// unauthGroup is the unauthenticated route group.
var unauthGroup = map[Route]bool{
	RouteSignIn:         true,
	RouteSignUp:         true,
	RouteForgotPassword: true,
	RouteResetPassword:  true,
	RouteVerifyEmail:    true,
	RouteEmailVerified:  true,
	RouteOnboarding:     true,
}

// onboardingExceptions are the screens a signed-in but not-yet-onboarded
// user may stay on.
var onboardingExceptions = map[Route]bool{
	RouteVerifyEmail:   true,
	RouteEmailVerified: true,
	RouteOnboarding:    true,
}

// Action says what the guard wants done with the current screen.
type Action string

const (
	ActionNone    Action = "none"
	ActionReplace Action = "replace"
)

// Decision is one rule evaluation result.
type Decision struct {
	Action Action
	Target Route
	// Force bypasses the debounce lease; used by recovery confinement so
	// it can never be swallowed by an earlier replace's lock.
	Force  bool
	Reason string
}

func allow(reason string) Decision {
	return Decision{Action: ActionNone, Reason: reason}
}

func replace(target Route, force bool, reason string) Decision {
	return Decision{Action: ActionReplace, Target: target, Force: force, Reason: reason}
}

// Inputs is everything one evaluation reads. The guard owns none of it.
type Inputs struct {
	Loading         bool
	LinkReady       bool
	LinkProcessing  bool
	SessionPresent  bool
	Onboarded       bool
	RecoverySession bool
	JustVerified    bool
	Route           Route
}

// Decide evaluates the rule list top to bottom, first match wins. Pure, so
// the precedence order is testable in isolation.
func Decide(in Inputs) Decision {
	// Rule 1: undecidable states do nothing. This is what prevents racing
	// a redirect against an in-flight OTP exchange.
	if in.Loading || !in.LinkReady || in.LinkProcessing {
		return allow("not_ready")
	}

	// Rule 2: recovery confinement beats everything below.
	if in.RecoverySession && in.Route != RouteResetPassword {
		return replace(RouteResetPassword, true, "recovery_confinement")
	}

	// Rule 3: the reset flow may run without a session.
	if in.Route == RouteResetPassword || in.Route == RouteForgotPassword {
		return allow("reset_flow")
	}

	if in.SessionPresent {
		if in.JustVerified && in.Route == RouteEmailVerified {
			return allow("just_verified")
		}
		if !in.Onboarded && !onboardingExceptions[in.Route] {
			return replace(RouteOnboarding, false, "needs_onboarding")
		}
		if in.Onboarded && unauthGroup[in.Route] && !onboardingExceptions[in.Route] {
			return replace(RouteHome, false, "already_authenticated")
		}
		return allow("authenticated")
	}

	if in.Route == RouteOnboarding {
		return replace(RouteSignIn, false, "onboarding_requires_session")
	}
	if !unauthGroup[in.Route] && in.Route != RouteRoot {
		return replace(RouteSignIn, false, "unauthenticated")
	}
	return allow("unauthenticated")
}

// Navigator performs the actual screen replace.
type Navigator interface {
	Replace(target Route)
}

// Guard wires rule evaluation to a navigator behind the debounce gate.
type Guard struct {
	nav    Navigator
	logger *slog.Logger
	clock  func() time.Time
	window time.Duration

	mu          sync.Mutex
	current     Route
	lockedUntil time.Time
}

// Option configures a Guard instance.
type Option func(*Guard)

// WithLogger sets the guard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock sets the time source for the debounce lease.
func WithClock(clock func() time.Time) Option {
	return func(g *Guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithLockWindow overrides the debounce lease duration.
func WithLockWindow(window time.Duration) Option {
	return func(g *Guard) {
		if window > 0 {
			g.window = window
		}
	}
}

// New constructs a guard around a navigator.
func New(nav Navigator, opts ...Option) *Guard {
	g := &Guard{
		nav:    nav,
		logger: slog.Default(),
		clock:  time.Now,
		window: ReplaceLockWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// SetRoute records the screen the app is currently showing. Called by the
// navigation layer on every route change, including user-initiated ones.
func (g *Guard) SetRoute(route Route) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = route
}

// CurrentRoute returns the last recorded route.
func (g *Guard) CurrentRoute() Route {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Sync evaluates the rules against the given inputs (Route is overridden
// with the guard's recorded route) and applies any replace through the
// gate. Returns the decision for observability.
func (g *Guard) Sync(in Inputs) Decision {
	in.Route = g.CurrentRoute()
	decision := Decide(in)
	if decision.Action == ActionReplace {
		g.Replace(decision.Target, decision.Force, decision.Reason)
	}
	return decision
}

// Replace performs one gated navigation. No-op when the target is already
// current; dropped while a prior replace's lease is live unless forced.
// Reports whether navigation actually happened.
func (g *Guard) Replace(target Route, force bool, reason string) bool {
	g.mu.Lock()
	if target == g.current {
		g.mu.Unlock()
		return false
	}
	now := g.clock()
	if !force && now.Before(g.lockedUntil) {
		g.mu.Unlock()
		g.logger.Debug("replace dropped by debounce lease", "target", string(target))
		return false
	}
	g.lockedUntil = now.Add(g.window)
	g.current = target
	g.mu.Unlock()

	redirects.WithLabelValues(string(target), reason).Inc()
	g.logger.Debug("replacing route", "target", string(target), "reason", reason)
	g.nav.Replace(target)
	return true
}
