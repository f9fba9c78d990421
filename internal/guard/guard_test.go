package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"keel/internal/platform/logger"
)

func TestDecidePrecedence(t *testing.T) {
	tests := []struct {
		name string
		in   Inputs
		want Decision
	}{
		{
			name: "loading does nothing",
			in:   Inputs{Loading: true, LinkReady: true, SessionPresent: true},
			want: allow("not_ready"),
		},
		{
			name: "unclassified link does nothing",
			in:   Inputs{LinkReady: false, SessionPresent: true},
			want: allow("not_ready"),
		},
		{
			name: "in-flight exchange does nothing",
			in:   Inputs{LinkReady: true, LinkProcessing: true, RecoverySession: true},
			want: allow("not_ready"),
		},
		{
			name: "recovery stays on reset screen",
			in:   Inputs{LinkReady: true, RecoverySession: true, Route: RouteResetPassword},
			want: allow("reset_flow"),
		},
		{
			name: "reset flow allowed without session",
			in:   Inputs{LinkReady: true, Route: RouteForgotPassword},
			want: allow("reset_flow"),
		},
		{
			name: "signed in without onboarding goes to onboarding",
			in:   Inputs{LinkReady: true, SessionPresent: true, Route: RouteHome},
			want: replace(RouteOnboarding, false, "needs_onboarding"),
		},
		{
			name: "not onboarded may stay on verify-email",
			in:   Inputs{LinkReady: true, SessionPresent: true, Route: RouteVerifyEmail},
			want: allow("authenticated"),
		},
		{
			name: "onboarded user bounced off auth screens",
			in:   Inputs{LinkReady: true, SessionPresent: true, Onboarded: true, Route: RouteSignIn},
			want: replace(RouteHome, false, "already_authenticated"),
		},
		{
			name: "onboarded user allowed in app",
			in:   Inputs{LinkReady: true, SessionPresent: true, Onboarded: true, Route: RouteHome},
			want: allow("authenticated"),
		},
		{
			name: "just verified stays on email-verified",
			in:   Inputs{LinkReady: true, SessionPresent: true, JustVerified: true, Route: RouteEmailVerified},
			want: allow("just_verified"),
		},
		{
			name: "no session outside auth group goes to sign-in",
			in:   Inputs{LinkReady: true, Route: RouteHome},
			want: replace(RouteSignIn, false, "unauthenticated"),
		},
		{
			name: "no session on bare root is left alone",
			in:   Inputs{LinkReady: true, Route: RouteRoot},
			want: allow("unauthenticated"),
		},
		{
			name: "onboarding requires a session",
			in:   Inputs{LinkReady: true, Route: RouteOnboarding},
			want: replace(RouteSignIn, false, "onboarding_requires_session"),
		},
		{
			name: "no session on sign-up is allowed",
			in:   Inputs{LinkReady: true, Route: RouteSignUp},
			want: allow("unauthenticated"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.in))
		})
	}
}

// Recovery confinement must beat every other rule for every decidable
// session/route combination.
func TestRecoveryPrecedenceGrid(t *testing.T) {
	routes := []Route{
		RouteRoot, RouteSignIn, RouteSignUp, RouteForgotPassword,
		RouteVerifyEmail, RouteEmailVerified, RouteOnboarding, RouteHome,
	}
	for _, sessionPresent := range []bool{true, false} {
		for _, onboarded := range []bool{true, false} {
			for _, route := range routes {
				d := Decide(Inputs{
					LinkReady:       true,
					SessionPresent:  sessionPresent,
					Onboarded:       onboarded,
					RecoverySession: true,
					Route:           route,
				})
				assert.Equal(t, ActionReplace, d.Action, "route %q", route)
				assert.Equal(t, RouteResetPassword, d.Target, "route %q", route)
				assert.True(t, d.Force, "route %q", route)
			}
		}
	}
}

type recordingNav struct {
	targets []Route
}

func (n *recordingNav) Replace(target Route) {
	n.targets = append(n.targets, target)
}

type ReplaceGateSuite struct {
	suite.Suite
	nav   *recordingNav
	now   time.Time
	guard *Guard
}

func TestReplaceGateSuite(t *testing.T) {
	suite.Run(t, new(ReplaceGateSuite))
}

func (s *ReplaceGateSuite) SetupTest() {
	s.nav = &recordingNav{}
	s.now = time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	s.guard = New(s.nav,
		WithLogger(logger.Discard()),
		WithClock(func() time.Time { return s.now }),
	)
}

func (s *ReplaceGateSuite) TestSameTargetIsNoOp() {
	s.guard.SetRoute(RouteHome)
	s.False(s.guard.Replace(RouteHome, false, "test"))
	s.False(s.guard.Replace(RouteHome, true, "test"))
	s.Empty(s.nav.targets)
}

func (s *ReplaceGateSuite) TestDebounceLease() {
	s.True(s.guard.Replace(RouteSignIn, false, "test"))

	s.Run("second replace inside the window is dropped", func() {
		s.now = s.now.Add(50 * time.Millisecond)
		s.False(s.guard.Replace(RouteHome, false, "test"))
		s.Equal([]Route{RouteSignIn}, s.nav.targets)
	})

	s.Run("third replace after the window succeeds", func() {
		s.now = s.now.Add(ReplaceLockWindow)
		s.True(s.guard.Replace(RouteHome, false, "test"))
		s.Equal([]Route{RouteSignIn, RouteHome}, s.nav.targets)
	})
}

func (s *ReplaceGateSuite) TestForceBypassesLease() {
	s.True(s.guard.Replace(RouteSignIn, false, "test"))
	s.now = s.now.Add(10 * time.Millisecond)
	s.True(s.guard.Replace(RouteResetPassword, true, "recovery"))
	s.Equal([]Route{RouteSignIn, RouteResetPassword}, s.nav.targets)
}

func (s *ReplaceGateSuite) TestSyncAppliesDecision() {
	s.guard.SetRoute(RouteSignIn)
	d := s.guard.Sync(Inputs{LinkReady: true, SessionPresent: true, Onboarded: true})
	s.Equal(ActionReplace, d.Action)
	s.Equal(RouteHome, d.Target)
	s.Equal([]Route{RouteHome}, s.nav.targets)
	s.Equal(RouteHome, s.guard.CurrentRoute())
}
