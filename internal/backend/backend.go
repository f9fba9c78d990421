// Package backend defines the Identity Backend contract the orchestration
// layer depends on. The hosted provider owns credential storage, token
// issuance and email delivery; this package only names the surface keel
// calls and the events it pushes back.
package backend

import (
	"context"
	"time"
)

// Event names pushed through OnAuthStateChange subscriptions.
type Event string

const (
	EventInitialSession   Event = "INITIAL_SESSION"
	EventSignedIn         Event = "SIGNED_IN"
	EventSignedOut        Event = "SIGNED_OUT"
	EventPasswordRecovery Event = "PASSWORD_RECOVERY"
	EventTokenRefreshed   Event = "TOKEN_REFRESHED"
	EventUserUpdated      Event = "USER_UPDATED"
)

// OTPType tags out-of-band token links.
type OTPType string

const (
	OTPRecovery    OTPType = "recovery"
	OTPSignup      OTPType = "signup"
	OTPEmailChange OTPType = "email_change"
	OTPMagicLink   OTPType = "magiclink"
	OTPInvite      OTPType = "invite"
)

// Identity is one linked credential on a user record. A successful sign-up
// response whose user carries an empty identity list is the backend's signal
// that the email is already registered.
type Identity struct {
	ID       string
	Provider string
}

// User is the identity record associated with a session.
type User struct {
	ID               string
	Email            string
	EmailConfirmedAt *time.Time
	Metadata         map[string]string
	Identities       []Identity
}

// Confirmed reports whether the user's email address has been verified.
func (u *User) Confirmed() bool {
	return u != nil && u.EmailConfirmedAt != nil
}

// Session is the opaque credential bundle issued by the backend. Keel holds
// a cached copy and only replaces it wholesale.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         *User
}

// TokenPair carries tokens recovered from a hash-fragment callback.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// SignUpParams mirrors the backend sign-up request.
type SignUpParams struct {
	Email    string
	Password string
	Metadata map[string]string
	// EmailRedirectTo is embedded in the verification link.
	EmailRedirectTo string
}

// SignUpResult is the backend sign-up response. Session is nil when email
// confirmation is required before a session can be issued.
type SignUpResult struct {
	User    *User
	Session *Session
}

// VerifyOTPParams identifies a single-use emailed token.
type VerifyOTPParams struct {
	Type      OTPType
	TokenHash string
	Email     string
}

// OAuthParams configures a browser-redirect OAuth start.
type OAuthParams struct {
	Provider            string
	RedirectTo          string
	SkipBrowserRedirect bool
	Scopes              string
	QueryParams         map[string]string
}

// AuthChangeFunc receives backend-pushed auth transitions. The session is
// nil for signed-out states.
type AuthChangeFunc func(event Event, session *Session)

// Subscription is the handle for one OnAuthStateChange registration.
type Subscription interface {
	Unsubscribe()
}

// Client is the full Identity Backend surface keel relies on.
type Client interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, params SignUpParams) (*SignUpResult, error)
	SignOut(ctx context.Context) error
	GetSession(ctx context.Context) (*Session, error)
	GetUser(ctx context.Context) (*User, error)
	OnAuthStateChange(fn AuthChangeFunc) Subscription
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	VerifyOTP(ctx context.Context, params VerifyOTPParams) (*Session, error)
	ExchangeCodeForSession(ctx context.Context, code string) (*Session, error)
	SetSession(ctx context.Context, tokens TokenPair) (*Session, error)
	UpdateUser(ctx context.Context, password string) (*User, error)
	Resend(ctx context.Context, typ OTPType, email string) error
	SignInWithIDToken(ctx context.Context, provider, idToken, nonce string) (*Session, error)
	SignInWithOAuth(ctx context.Context, params OAuthParams) (string, error)
	StartAutoRefresh()
	StopAutoRefresh()
	// HealthCheck probes connectivity. Unauthorized or empty-result
	// responses count as reachable; only transport failures are errors.
	HealthCheck(ctx context.Context) error
}
