package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"keel/internal/audit"
	"keel/internal/backend"
	"keel/internal/backend/memory"
	"keel/internal/platform/logger"
	dErrors "keel/pkg/domain-errors"
)

type AuthServiceSuite struct {
	suite.Suite
	ctx     context.Context
	backend *memory.Backend
	store   *audit.MemoryStore
	service *Service
}

func TestAuthServiceSuite(t *testing.T) {
	suite.Run(t, new(AuthServiceSuite))
}

func (s *AuthServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.backend = memory.New()
	s.store = audit.NewMemoryStore()
	s.service = New(s.backend, "keel",
		WithLogger(logger.Discard()),
		WithAudit(audit.NewPublisher(s.store, audit.WithLogger(logger.Discard()))),
	)
}

func (s *AuthServiceSuite) auditActions() []string {
	var actions []string
	for _, e := range s.store.All() {
		actions = append(actions, e.Action)
	}
	return actions
}

func (s *AuthServiceSuite) TestRedirectURL() {
	s.Equal("keel://reset-password", s.service.RedirectURL("reset-password"))
	s.Equal("keel://auth/callback", s.service.RedirectURL("/auth/callback"))
}

func (s *AuthServiceSuite) TestSignIn() {
	s.backend.SeedUser("User@Example.com", "correct-horse", "U")

	s.Run("normalizes email before the call", func() {
		sess, err := s.service.SignIn(s.ctx, "  USER@example.COM ", "correct-horse")
		s.Require().NoError(err)
		s.Equal("user@example.com", sess.User.Email)
	})

	s.Run("passes backend errors through unmapped", func() {
		_, err := s.service.SignIn(s.ctx, "user@example.com", "wrong")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
		s.Contains(s.auditActions(), audit.ActionSignInFailed)
	})
}

func (s *AuthServiceSuite) TestSignUp() {
	s.Run("rejects empty name locally", func() {
		_, err := s.service.SignUp(s.ctx, "a@b.c", "longenough", "   ")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects short password locally", func() {
		_, err := s.service.SignUp(s.ctx, "a@b.c", "short", "Ada")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("fresh account needs confirmation", func() {
		out, err := s.service.SignUp(s.ctx, "new@example.com", "longenough", "Ada")
		s.Require().NoError(err)
		s.True(out.NeedsConfirmation)
		s.Nil(out.Session)
	})

	s.Run("duplicate via empty identities normalizes to conflict", func() {
		_, err := s.service.SignUp(s.ctx, "dupe@example.com", "longenough", "Ada")
		s.Require().NoError(err)

		_, err = s.service.SignUp(s.ctx, "dupe@example.com", "longenough", "Ada")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
		s.Contains(s.auditActions(), audit.ActionSignUpDuplicate)
	})

	s.Run("auto-verified backends skip confirmation", func() {
		b := memory.New(memory.WithRequireConfirmation(false))
		svc := New(b, "keel", WithLogger(logger.Discard()))

		out, err := svc.SignUp(s.ctx, "auto@example.com", "longenough", "Ada")
		s.Require().NoError(err)
		s.False(out.NeedsConfirmation)
		s.NotNil(out.Session)
	})
}

func (s *AuthServiceSuite) TestForgotAndResend() {
	s.Run("empty email rejected locally", func() {
		s.True(dErrors.HasCode(s.service.ForgotPassword(s.ctx, "  "), dErrors.CodeValidation))
		s.True(dErrors.HasCode(s.service.ResendVerification(s.ctx, ""), dErrors.CodeValidation))
	})

	s.Run("recovery email carries the reset deep link", func() {
		s.backend.SeedUser("reco@example.com", "correct-horse", "R")
		s.Require().NoError(s.service.ForgotPassword(s.ctx, "Reco@Example.com"))

		mail, ok := s.backend.LastEmail()
		s.Require().True(ok)
		s.Equal(backend.OTPRecovery, mail.Type)
		s.Equal("keel://reset-password", mail.RedirectTo)
	})

	s.Run("unknown address is a silent success", func() {
		s.NoError(s.service.ForgotPassword(s.ctx, "ghost@example.com"))
	})
}

func (s *AuthServiceSuite) TestUpdatePassword() {
	s.Run("short password rejected locally", func() {
		s.True(dErrors.HasCode(s.service.UpdatePassword(s.ctx, "short"), dErrors.CodeValidation))
	})

	s.Run("no session blocks before the network", func() {
		err := s.service.UpdatePassword(s.ctx, "longenough")
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("updates and audits with a session", func() {
		s.backend.SeedUser("up@example.com", "correct-horse", "U")
		_, err := s.backend.SignInWithPassword(s.ctx, "up@example.com", "correct-horse")
		s.Require().NoError(err)

		s.Require().NoError(s.service.UpdatePassword(s.ctx, "new-password-1"))
		s.Contains(s.auditActions(), audit.ActionPasswordUpdated)

		_, err = s.backend.SignInWithPassword(s.ctx, "up@example.com", "new-password-1")
		s.NoError(err)
	})
}

func (s *AuthServiceSuite) TestProcessAuthCallback() {
	s.backend.SeedUser("cb@example.com", "correct-horse", "C")

	s.Run("hash tokens set the session directly", func() {
		sess, err := s.backend.SignInWithPassword(s.ctx, "cb@example.com", "correct-horse")
		s.Require().NoError(err)

		url := "keel://callback#access_token=" + sess.AccessToken + "&refresh_token=" + sess.RefreshToken
		result, err := s.service.ProcessAuthCallback(s.ctx, url)
		s.Require().NoError(err)
		s.Equal(ModeHash, result.Mode)
		s.Require().NotNil(result.Session)
		s.Equal("cb@example.com", result.Session.User.Email)
	})

	s.Run("code goes through pkce exchange exactly once", func() {
		s.backend.ArmOAuthIdentity("cb@example.com")
		_, err := s.backend.SignInWithOAuth(s.ctx, backend.OAuthParams{Provider: "google"})
		s.Require().NoError(err)
		code := s.backend.PendingCode()

		result, err := s.service.ProcessAuthCallback(s.ctx, "keel://callback?code="+code)
		s.Require().NoError(err)
		s.Equal(ModeCode, result.Mode)
		s.NotNil(result.Session)

		_, err = s.service.ProcessAuthCallback(s.ctx, "keel://callback?code="+code)
		s.Error(err)
	})

	s.Run("token hash goes through otp verification", func() {
		s.Require().NoError(s.backend.ResetPasswordForEmail(s.ctx, "cb@example.com", "keel://reset-password"))
		mail, ok := s.backend.LastEmail()
		s.Require().True(ok)

		result, err := s.service.ProcessAuthCallback(s.ctx,
			"keel://reset-password?token_hash="+mail.TokenHash+"&type=recovery")
		s.Require().NoError(err)
		s.Equal(ModeOTP, result.Mode)
		s.Equal(backend.OTPRecovery, result.OTPType)
		s.NotNil(result.Session)
	})

	s.Run("no recognizable shape returns none without error", func() {
		result, err := s.service.ProcessAuthCallback(s.ctx, "keel://home?utm=campaign")
		s.Require().NoError(err)
		s.Equal(ModeNone, result.Mode)
		s.Nil(result.Session)
	})

	s.Run("provider error parameter surfaces as unauthorized", func() {
		_, err := s.service.ProcessAuthCallback(s.ctx,
			"keel://callback#error=access_denied&error_description=denied")
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}

type fakeCredentials struct {
	available bool
	token     string
	err       error
	gotNonce  string
}

func (f *fakeCredentials) Available(context.Context) bool { return f.available }

func (f *fakeCredentials) Prompt(_ context.Context, hashedNonce string) (AppleCredential, error) {
	f.gotNonce = hashedNonce
	if f.err != nil {
		return AppleCredential{}, f.err
	}
	return AppleCredential{IdentityToken: f.token}, nil
}

func (s *AuthServiceSuite) TestSignInWithApple() {
	s.Run("unavailable provider is a clear failure", func() {
		svc := New(s.backend, "keel", WithLogger(logger.Discard()),
			WithCredentialProvider(&fakeCredentials{available: false}))
		_, err := svc.SignInWithApple(s.ctx)
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	})

	s.Run("cancellation is a non-error outcome", func() {
		creds := &fakeCredentials{
			available: true,
			err:       dErrors.New(dErrors.CodeCancelled, "user cancelled"),
		}
		svc := New(s.backend, "keel", WithLogger(logger.Discard()), WithCredentialProvider(creds))

		out, err := svc.SignInWithApple(s.ctx)
		s.Require().NoError(err)
		s.True(out.Cancelled)
		s.NotEmpty(creds.gotNonce)
	})

	s.Run("successful prompt exchanges the id token", func() {
		s.backend.SeedUser("apple@example.com", "correct-horse", "A")
		s.backend.ArmIDToken("apple-id-token", "apple@example.com")

		creds := &fakeCredentials{available: true, token: "apple-id-token"}
		svc := New(s.backend, "keel", WithLogger(logger.Discard()), WithCredentialProvider(creds))

		out, err := svc.SignInWithApple(s.ctx)
		s.Require().NoError(err)
		s.False(out.Cancelled)
		s.Require().NotNil(out.Session)
		s.Equal("apple@example.com", out.Session.User.Email)
	})
}

type fakeBrowser struct {
	backend   *memory.Backend
	cancelled bool
	gotURL    string
}

func (f *fakeBrowser) RedirectURL() string { return "keel://auth/callback" }

func (f *fakeBrowser) Open(_ context.Context, authURL string) (BrowserResult, error) {
	f.gotURL = authURL
	if f.cancelled {
		return BrowserResult{Cancelled: true}, nil
	}
	return BrowserResult{URL: "keel://auth/callback?code=" + f.backend.PendingCode()}, nil
}

func (s *AuthServiceSuite) TestSignInWithBrowser() {
	s.backend.SeedUser("web@example.com", "correct-horse", "W")
	s.backend.ArmOAuthIdentity("web@example.com")

	s.Run("dismissed browser is a cancelled outcome", func() {
		svc := New(s.backend, "keel", WithLogger(logger.Discard()),
			WithBrowserOpener(&fakeBrowser{backend: s.backend, cancelled: true}))
		out, err := svc.SignInWithGoogle(s.ctx)
		s.Require().NoError(err)
		s.True(out.Cancelled)
	})

	s.Run("completed flow exchanges the returned code", func() {
		browser := &fakeBrowser{backend: s.backend}
		svc := New(s.backend, "keel", WithLogger(logger.Discard()), WithBrowserOpener(browser))

		out, err := svc.SignInWithGoogle(s.ctx)
		s.Require().NoError(err)
		s.False(out.Cancelled)
		s.Require().NotNil(out.Session)
		s.Equal("web@example.com", out.Session.User.Email)
		s.Contains(browser.gotURL, "provider=google")
	})
}

func (s *AuthServiceSuite) TestClassifier() {
	c := s.service.Classifier()

	cases := []struct {
		name string
		err  error
		want Category
	}{
		{"conflict code", dErrors.New(dErrors.CodeConflict, "x"), CategoryDuplicateEmail},
		{"duplicate text", dErrors.New(dErrors.CodeInternal, "User already registered"), CategoryDuplicateEmail},
		{"invalid creds text", dErrors.New(dErrors.CodeUnauthorized, "Invalid login credentials"), CategoryInvalidCredentials},
		{"unconfirmed beats unauthorized code", dErrors.New(dErrors.CodeUnauthorized, "Email not confirmed"), CategoryEmailNotConfirmed},
		{"bare unauthorized", dErrors.New(dErrors.CodeUnauthorized, "nope"), CategoryInvalidCredentials},
		{"rate limit", dErrors.New(dErrors.CodeRateLimited, "x"), CategoryRateLimited},
		{"network", dErrors.New(dErrors.CodeUnavailable, "x"), CategoryNetwork},
		{"unknown falls through", dErrors.New(dErrors.CodeInternal, "weird backend string"), CategoryUnknown},
	}
	for _, tt := range cases {
		s.Run(tt.name, func() {
			s.Equal(tt.want, c.Classify(s.ctx, tt.err))
		})
	}

	s.Run("unmatched message is audited", func() {
		c.Classify(s.ctx, dErrors.New(dErrors.CodeInternal, "totally novel failure"))
		s.Contains(s.auditActions(), audit.ActionUnmatchedError)
	})
}
