package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"keel/internal/backend"
	dErrors "keel/pkg/domain-errors"
)

// AppleCredential is what the native prompt hands back.
type AppleCredential struct {
	IdentityToken string
	FullName      string
}

// CredentialProvider is the platform-native credential prompt behind the
// Apple flow. Implementations report user cancellation with a
// CodeCancelled error so it can be told apart from genuine failure.
type CredentialProvider interface {
	Available(ctx context.Context) bool
	// Prompt shows the native sheet. hashedNonce is bound into the
	// returned identity token by the provider.
	Prompt(ctx context.Context, hashedNonce string) (AppleCredential, error)
}

// BrowserResult is the terminal state of one browser OAuth round-trip.
type BrowserResult struct {
	// Cancelled is true when the user dismissed the browser without
	// completing the flow.
	Cancelled bool
	// URL is the callback URL the provider redirected to. Empty when
	// cancelled.
	URL string
}

// BrowserOpener launches the system browser for redirect OAuth and waits
// for the return leg.
type BrowserOpener interface {
	// RedirectURL is the address the provider sends the browser back to.
	RedirectURL() string
	// Open launches authURL and blocks until the flow returns, the user
	// dismisses it, or ctx ends.
	Open(ctx context.Context, authURL string) (BrowserResult, error)
}

// OAuthOutcome reports one social sign-in attempt. Cancelled outcomes are
// not errors; loading state should clear silently.
type OAuthOutcome struct {
	Session   *backend.Session
	Cancelled bool
}

// newNonce returns the raw nonce sent to the backend and its SHA-256 hash
// sent to the native prompt. Binding the pair prevents token replay.
func newNonce() (raw string, hashed string, err error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeInternal, "generate nonce")
	}
	raw = hex.EncodeToString(buf)
	sum := sha256.Sum256([]byte(raw))
	return raw, hex.EncodeToString(sum[:]), nil
}

// SignInWithApple runs the native credential flow. Returns a cancelled
// outcome when the user backs out of the prompt.
func (s *Service) SignInWithApple(ctx context.Context) (OAuthOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "auth.SignInWithApple")
	defer span.End()

	if s.credentials == nil || !s.credentials.Available(ctx) {
		return OAuthOutcome{}, dErrors.New(dErrors.CodeUnavailable, "apple sign-in is not available on this device")
	}

	raw, hashed, err := newNonce()
	if err != nil {
		return OAuthOutcome{}, err
	}

	cred, err := s.credentials.Prompt(ctx, hashed)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeCancelled) {
			return OAuthOutcome{Cancelled: true}, nil
		}
		return OAuthOutcome{}, err
	}

	sess, err := s.client.SignInWithIDToken(ctx, "apple", cred.IdentityToken, raw)
	if err != nil {
		return OAuthOutcome{}, err
	}
	return OAuthOutcome{Session: sess}, nil
}

// SignInWithGoogle runs the browser-redirect flow against Google.
func (s *Service) SignInWithGoogle(ctx context.Context) (OAuthOutcome, error) {
	return s.signInWithBrowser(ctx, "google")
}

// SignInWithFacebook runs the browser-redirect flow against Facebook.
func (s *Service) SignInWithFacebook(ctx context.Context) (OAuthOutcome, error) {
	return s.signInWithBrowser(ctx, "facebook")
}

func (s *Service) signInWithBrowser(ctx context.Context, provider string) (OAuthOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "auth.SignInWithBrowser")
	defer span.End()

	if s.browser == nil {
		return OAuthOutcome{}, dErrors.New(dErrors.CodeUnavailable, "no browser opener configured")
	}

	authURL, err := s.client.SignInWithOAuth(ctx, backend.OAuthParams{
		Provider:            provider,
		RedirectTo:          s.browser.RedirectURL(),
		SkipBrowserRedirect: true,
	})
	if err != nil {
		return OAuthOutcome{}, err
	}

	result, err := s.browser.Open(ctx, authURL)
	if err != nil {
		return OAuthOutcome{}, err
	}
	if result.Cancelled {
		s.logger.Debug("browser oauth dismissed", "provider", provider)
		return OAuthOutcome{Cancelled: true}, nil
	}

	exchanged, err := s.ProcessAuthCallback(ctx, result.URL)
	if err != nil {
		return OAuthOutcome{}, err
	}
	if exchanged.Session == nil {
		return OAuthOutcome{}, dErrors.New(dErrors.CodeUnauthorized, "oauth return carried no usable credentials")
	}
	return OAuthOutcome{Session: exchanged.Session}, nil
}
