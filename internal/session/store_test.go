package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"keel/internal/backend"
	"keel/internal/backend/memory"
	"keel/internal/onboarding"
	"keel/internal/platform/logger"
)

type SessionStoreSuite struct {
	suite.Suite
	ctx     context.Context
	backend *memory.Backend
	flags   *onboarding.InMemoryStore
	store   *Store
}

func TestSessionStoreSuite(t *testing.T) {
	suite.Run(t, new(SessionStoreSuite))
}

func (s *SessionStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.backend = memory.New()
	s.flags = onboarding.NewInMemoryStore()
	s.store = New(s.backend, s.flags, WithLogger(logger.Discard()))
}

func (s *SessionStoreSuite) TearDownTest() {
	s.store.Close()
}

func (s *SessionStoreSuite) signIn(email string) *backend.Session {
	s.T().Helper()
	s.backend.SeedUser(email, "hunter2pass", "Test User")
	sess, err := s.backend.SignInWithPassword(s.ctx, email, "hunter2pass")
	s.Require().NoError(err)
	return sess
}

func (s *SessionStoreSuite) TestInitialize() {
	s.Run("starts loading before initialize", func() {
		st := s.store.Snapshot()
		s.True(st.IsLoading)
		s.Nil(st.Session)
	})

	s.Run("no persisted session ends signed out", func() {
		s.store.Initialize(s.ctx)
		st := s.store.Snapshot()
		s.False(st.IsLoading)
		s.Nil(st.Session)
		s.Nil(st.User)
	})

	s.Run("restores an existing session", func() {
		s.signIn("restore@example.com")
		s.store.Initialize(s.ctx)
		st := s.store.Snapshot()
		s.False(st.IsLoading)
		s.Require().NotNil(st.Session)
		s.Equal("restore@example.com", st.User.Email)
	})

	s.Run("re-initialize does not stack subscriptions", func() {
		s.store.Initialize(s.ctx)
		s.store.Initialize(s.ctx)
		s.Equal(1, s.backend.SubscriberCount())
	})
}

func (s *SessionStoreSuite) TestEventReactions() {
	s.store.Initialize(s.ctx)

	s.Run("sign-in event populates state", func() {
		s.signIn("events@example.com")
		st := s.store.Snapshot()
		s.Require().NotNil(st.Session)
		s.Equal("events@example.com", st.User.Email)
		s.False(st.IsRecoverySession)
	})

	s.Run("token refresh keeps recovery flag intact", func() {
		s.store.SetRecoverySession(true)
		sess := s.store.Snapshot().Session
		s.store.handleAuthChange(backend.EventTokenRefreshed, sess)
		s.True(s.store.Snapshot().IsRecoverySession)
	})

	s.Run("signed-out clears everything including recovery", func() {
		s.Require().NoError(s.backend.SignOut(s.ctx))
		st := s.store.Snapshot()
		s.Nil(st.Session)
		s.Nil(st.User)
		s.False(st.IsRecoverySession)
	})
}

func (s *SessionStoreSuite) TestRecoveryEvent() {
	s.store.Initialize(s.ctx)
	s.backend.SeedUser("reco@example.com", "hunter2pass", "Reco")
	s.Require().NoError(s.backend.ResetPasswordForEmail(s.ctx, "reco@example.com", "keel://reset-password"))

	mail, ok := s.backend.LastEmail()
	s.Require().True(ok)

	_, err := s.backend.VerifyOTP(s.ctx, backend.VerifyOTPParams{
		Type:      backend.OTPRecovery,
		TokenHash: mail.TokenHash,
	})
	s.Require().NoError(err)

	st := s.store.Snapshot()
	s.Require().NotNil(st.Session)
	s.True(st.IsRecoverySession)
}

func (s *SessionStoreSuite) TestSignOut() {
	s.Run("clears local state and keeps onboarding flags", func() {
		userID := s.backend.SeedUser("out@example.com", "hunter2pass", "Out")
		_, err := s.backend.SignInWithPassword(s.ctx, "out@example.com", "hunter2pass")
		s.Require().NoError(err)
		s.store.Initialize(s.ctx)
		s.Require().NoError(s.store.SetOnboarded(s.ctx, true))

		s.store.SignOut(s.ctx)

		st := s.store.Snapshot()
		s.Nil(st.Session)
		s.False(st.IsRecoverySession)

		flag, err := s.flags.Get(s.ctx, userID)
		s.Require().NoError(err)
		s.True(flag)
	})

	s.Run("clear-recovery variant drops the flag before signing out", func() {
		s.signIn("out2@example.com")
		s.store.Initialize(s.ctx)
		s.store.SetRecoverySession(true)

		var sawRecoveryWhileSignedIn bool
		sub := s.store.Subscribe(func(st State) {
			if st.Session != nil && st.IsRecoverySession {
				sawRecoveryWhileSignedIn = true
			}
		})
		defer sub.Unsubscribe()
		sawRecoveryWhileSignedIn = false // ignore the registration snapshot

		s.store.ClearRecoveryAndSignOut(s.ctx)

		s.False(sawRecoveryWhileSignedIn)
		s.Nil(s.store.Snapshot().Session)
	})
}

func (s *SessionStoreSuite) TestOnboarding() {
	s.Run("without a user the legacy global slot is used", func() {
		s.store.Initialize(s.ctx)

		s.Require().NoError(s.store.SetOnboarded(s.ctx, true))

		v, present, err := s.flags.LegacyGlobal(s.ctx)
		s.Require().NoError(err)
		s.True(present)
		s.True(v)

		done, err := s.store.IsOnboarded(s.ctx)
		s.Require().NoError(err)
		s.True(done)

		// Leave the slot empty for the per-user scenarios below.
		s.Require().NoError(s.flags.ClearLegacy(s.ctx))
	})

	s.Run("round-trips for the signed-in user", func() {
		s.signIn("flag@example.com")
		s.store.Initialize(s.ctx)

		done, err := s.store.IsOnboarded(s.ctx)
		s.Require().NoError(err)
		s.False(done)

		s.Require().NoError(s.store.SetOnboarded(s.ctx, true))
		done, err = s.store.IsOnboarded(s.ctx)
		s.Require().NoError(err)
		s.True(done)
	})

	s.Run("legacy global flag migrates to the user on sign-in", func() {
		// Drop the session left by the previous scenario so the restore in
		// Initialize cannot drain the legacy slot onto the wrong user.
		s.Require().NoError(s.backend.SignOut(s.ctx))

		s.Require().NoError(s.flags.SetLegacyGlobal(s.ctx, true))
		s.store.Initialize(s.ctx)
		s.signIn("legacy@example.com")

		done, err := s.store.IsOnboarded(s.ctx)
		s.Require().NoError(err)
		s.True(done)

		_, present, err := s.flags.LegacyGlobal(s.ctx)
		s.Require().NoError(err)
		s.False(present)
	})
}

func (s *SessionStoreSuite) TestSubscribe() {
	s.store.Initialize(s.ctx)

	var calls int
	sub := s.store.Subscribe(func(State) { calls++ })
	s.Equal(1, calls) // registration snapshot

	s.signIn("obs@example.com")
	s.Greater(calls, 1)

	before := calls
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent
	s.Require().NoError(s.backend.SignOut(s.ctx))
	s.Equal(before, calls)
}

func (s *SessionStoreSuite) TestAutoRefreshLifecycle() {
	s.store.EnterForeground()
	s.True(s.backend.AutoRefreshRunning())
	s.store.EnterBackground()
	s.False(s.backend.AutoRefreshRunning())
}
