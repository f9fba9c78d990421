// Package memory provides an in-memory Identity Backend. It implements the
// full backend.Client contract so tests and the demo binary can run the
// orchestration layer against a deterministic provider: bcrypt credentials,
// HS256 access tokens, single-use OTP hashes and PKCE codes, and event
// fan-out to subscribers. Delivered emails land in an outbox instead of an
// inbox.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"keel/internal/backend"
	dErrors "keel/pkg/domain-errors"
	emailpkg "keel/pkg/email"
)

const accessTokenTTL = time.Hour

// Email is one message the backend "sent".
type Email struct {
	To         string
	Type       backend.OTPType
	TokenHash  string
	RedirectTo string
}

type account struct {
	id           string
	email        string
	passwordHash []byte
	confirmedAt  *time.Time
	metadata     map[string]string
	identities   []backend.Identity
}

type otpToken struct {
	typ   backend.OTPType
	email string
}

// Backend is the in-memory Identity Backend.
type Backend struct {
	mu sync.Mutex

	signingKey []byte
	// RequireConfirmation makes SignUp withhold the session until the
	// emailed signup token is verified, matching hosted defaults.
	requireConfirmation bool

	accounts map[string]*account // keyed by normalized email
	session  *backend.Session
	otps     map[string]otpToken // token_hash -> claim
	codes    map[string]string   // PKCE code -> email

	subs    map[int]backend.AuthChangeFunc
	nextSub int

	outbox []Email

	// Armed out-of-band identities for the native and browser OAuth flows.
	idTokens    map[string]string // id token -> email
	oauthEmail  string
	pendingCode string

	autoRefreshRunning bool
}

// Option configures the backend.
type Option func(*Backend)

// WithRequireConfirmation toggles the email-confirmation-before-session
// behavior. Defaults to on.
func WithRequireConfirmation(v bool) Option {
	return func(b *Backend) { b.requireConfirmation = v }
}

// New builds an empty in-memory backend.
func New(opts ...Option) *Backend {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		// crypto/rand never fails on supported platforms; a zero key only
		// weakens a test double.
		copy(key, []byte("keel-memory-backend-signing-key!"))
	}
	b := &Backend{
		signingKey:          key,
		requireConfirmation: true,
		accounts:            make(map[string]*account),
		otps:                make(map[string]otpToken),
		codes:               make(map[string]string),
		subs:                make(map[int]backend.AuthChangeFunc),
		idTokens:            make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func newTokenHash() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "pkce_" + hex.EncodeToString(buf)
}

func (b *Backend) mintSession(acct *account) (*backend.Session, error) {
	expires := time.Now().Add(accessTokenTTL)
	claims := jwt.MapClaims{
		"sub":   acct.id,
		"email": acct.email,
		"exp":   jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.signingKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "sign access token")
	}
	return &backend.Session{
		AccessToken:  token,
		RefreshToken: uuid.NewString(),
		ExpiresAt:    expires,
		User:         b.userView(acct),
	}, nil
}

func (b *Backend) userView(acct *account) *backend.User {
	meta := make(map[string]string, len(acct.metadata))
	for k, v := range acct.metadata {
		meta[k] = v
	}
	ids := append([]backend.Identity(nil), acct.identities...)
	var confirmed *time.Time
	if acct.confirmedAt != nil {
		t := *acct.confirmedAt
		confirmed = &t
	}
	return &backend.User{
		ID:               acct.id,
		Email:            acct.email,
		EmailConfirmedAt: confirmed,
		Metadata:         meta,
		Identities:       ids,
	}
}

// emit invokes subscribers outside the lock so callbacks can call back into
// the backend without deadlocking.
func (b *Backend) emit(event backend.Event, session *backend.Session) {
	b.mu.Lock()
	fns := make([]backend.AuthChangeFunc, 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(event, session)
	}
}

// SignInWithPassword authenticates a credential pair.
func (b *Backend) SignInWithPassword(ctx context.Context, email, password string) (*backend.Session, error) {
	b.mu.Lock()
	acct, ok := b.accounts[normalize(email)]
	if !ok {
		b.mu.Unlock()
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid login credentials")
	}
	if err := bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(password)); err != nil {
		b.mu.Unlock()
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid login credentials")
	}
	if b.requireConfirmation && acct.confirmedAt == nil {
		b.mu.Unlock()
		return nil, dErrors.New(dErrors.CodeUnauthorized, "email not confirmed")
	}
	session, err := b.mintSession(acct)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.session = session
	b.mu.Unlock()

	b.emit(backend.EventSignedIn, session)
	return session, nil
}

// SignUp registers a new account. A duplicate email is reported the way the
// hosted backend does: success with an empty identity list and no session.
func (b *Backend) SignUp(ctx context.Context, params backend.SignUpParams) (*backend.SignUpResult, error) {
	email := normalize(params.Email)

	b.mu.Lock()
	if existing, ok := b.accounts[email]; ok {
		view := b.userView(existing)
		view.Identities = []backend.Identity{}
		b.mu.Unlock()
		return &backend.SignUpResult{User: view}, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcrypt.DefaultCost)
	if err != nil {
		b.mu.Unlock()
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "hash password")
	}
	meta := make(map[string]string, len(params.Metadata)+1)
	for k, v := range params.Metadata {
		meta[k] = v
	}
	if meta["full_name"] == "" {
		meta["full_name"] = emailpkg.DeriveDisplayName(email)
	}
	acct := &account{
		id:           uuid.NewString(),
		email:        email,
		passwordHash: hash,
		metadata:     meta,
		identities:   []backend.Identity{{ID: uuid.NewString(), Provider: "email"}},
	}
	b.accounts[email] = acct

	if !b.requireConfirmation {
		now := time.Now()
		acct.confirmedAt = &now
		session, err := b.mintSession(acct)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.session = session
		result := &backend.SignUpResult{User: session.User, Session: session}
		b.mu.Unlock()
		b.emit(backend.EventSignedIn, session)
		return result, nil
	}

	hash2 := newTokenHash()
	b.otps[hash2] = otpToken{typ: backend.OTPSignup, email: email}
	b.outbox = append(b.outbox, Email{
		To:         email,
		Type:       backend.OTPSignup,
		TokenHash:  hash2,
		RedirectTo: params.EmailRedirectTo,
	})
	result := &backend.SignUpResult{User: b.userView(acct)}
	b.mu.Unlock()
	return result, nil
}

// SignOut destroys the current session.
func (b *Backend) SignOut(ctx context.Context) error {
	b.mu.Lock()
	b.session = nil
	b.mu.Unlock()
	b.emit(backend.EventSignedOut, nil)
	return nil
}

// GetSession returns the cached session, nil when signed out.
func (b *Backend) GetSession(ctx context.Context) (*backend.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session, nil
}

// GetUser re-reads the user behind the current session.
func (b *Backend) GetUser(ctx context.Context) (*backend.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil || b.session.User == nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "no active session")
	}
	acct, ok := b.accounts[normalize(b.session.User.Email)]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "user not found")
	}
	return b.userView(acct), nil
}

type subscription struct {
	cancel func()
	once   sync.Once
}

func (s *subscription) Unsubscribe() { s.once.Do(s.cancel) }

// OnAuthStateChange registers an event callback.
func (b *Backend) OnAuthStateChange(fn backend.AuthChangeFunc) backend.Subscription {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()
	return &subscription{cancel: func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}}
}

// ResetPasswordForEmail issues a recovery token. Unknown addresses are a
// silent success, matching hosted enumeration-safety behavior.
func (b *Backend) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	email = normalize(email)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.accounts[email]; !ok {
		return nil
	}
	hash := newTokenHash()
	b.otps[hash] = otpToken{typ: backend.OTPRecovery, email: email}
	b.outbox = append(b.outbox, Email{
		To:         email,
		Type:       backend.OTPRecovery,
		TokenHash:  hash,
		RedirectTo: redirectTo,
	})
	return nil
}

// VerifyOTP redeems a single-use emailed token for a session.
func (b *Backend) VerifyOTP(ctx context.Context, params backend.VerifyOTPParams) (*backend.Session, error) {
	b.mu.Lock()
	claim, ok := b.otps[params.TokenHash]
	if !ok || (params.Type != "" && claim.typ != params.Type) {
		b.mu.Unlock()
		return nil, dErrors.New(dErrors.CodeUnauthorized, "token is invalid or expired")
	}
	delete(b.otps, params.TokenHash)
	acct, ok := b.accounts[claim.email]
	if !ok {
		b.mu.Unlock()
		return nil, dErrors.New(dErrors.CodeNotFound, "user not found")
	}
	if claim.typ == backend.OTPSignup || claim.typ == backend.OTPEmailChange {
		now := time.Now()
		acct.confirmedAt = &now
	}
	session, err := b.mintSession(acct)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.session = session
	b.mu.Unlock()

	if claim.typ == backend.OTPRecovery {
		b.emit(backend.EventPasswordRecovery, session)
	} else {
		b.emit(backend.EventSignedIn, session)
	}
	return session, nil
}

// ExchangeCodeForSession redeems a single-use authorization code.
func (b *Backend) ExchangeCodeForSession(ctx context.Context, code string) (*backend.Session, error) {
	b.mu.Lock()
	email, ok := b.codes[code]
	if !ok {
		b.mu.Unlock()
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid authorization code")
	}
	delete(b.codes, code)
	acct := b.accounts[email]
	session, err := b.mintSession(acct)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.session = session
	b.mu.Unlock()

	b.emit(backend.EventSignedIn, session)
	return session, nil
}

// SetSession installs a session from a raw token pair.
func (b *Backend) SetSession(ctx context.Context, tokens backend.TokenPair) (*backend.Session, error) {
	claims, err := backend.DecodeAccessClaims(tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	acct, ok := b.accounts[normalize(claims.Email)]
	if !ok {
		b.mu.Unlock()
		return nil, dErrors.New(dErrors.CodeUnauthorized, "unknown token subject")
	}
	session := &backend.Session{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    claims.ExpiresAt,
		User:         b.userView(acct),
	}
	b.session = session
	b.mu.Unlock()

	b.emit(backend.EventSignedIn, session)
	return session, nil
}

// UpdateUser changes the current user's password.
func (b *Backend) UpdateUser(ctx context.Context, password string) (*backend.User, error) {
	b.mu.Lock()
	if b.session == nil || b.session.User == nil {
		b.mu.Unlock()
		return nil, dErrors.New(dErrors.CodeUnauthorized, "no active session")
	}
	acct, ok := b.accounts[normalize(b.session.User.Email)]
	if !ok {
		b.mu.Unlock()
		return nil, dErrors.New(dErrors.CodeNotFound, "user not found")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		b.mu.Unlock()
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "hash password")
	}
	acct.passwordHash = hash
	user := b.userView(acct)
	session := b.session
	b.mu.Unlock()

	b.emit(backend.EventUserUpdated, session)
	return user, nil
}

// Resend re-issues a pending verification token.
func (b *Backend) Resend(ctx context.Context, typ backend.OTPType, email string) error {
	email = normalize(email)
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[email]
	if !ok {
		return dErrors.New(dErrors.CodeNotFound, "user not found")
	}
	if typ == backend.OTPSignup && acct.confirmedAt != nil {
		return dErrors.New(dErrors.CodeConflict, "email already confirmed")
	}
	hash := newTokenHash()
	b.otps[hash] = otpToken{typ: typ, email: email}
	b.outbox = append(b.outbox, Email{To: email, Type: typ, TokenHash: hash})
	return nil
}

// SignInWithIDToken handles the native-credential (Apple) exchange. The test
// double accepts any token previously armed via ArmIDToken.
func (b *Backend) SignInWithIDToken(ctx context.Context, provider, idToken, nonce string) (*backend.Session, error) {
	b.mu.Lock()
	email, ok := b.idTokens[idToken]
	if !ok {
		b.mu.Unlock()
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid id token")
	}
	acct, ok := b.accounts[email]
	if !ok {
		b.mu.Unlock()
		return nil, dErrors.New(dErrors.CodeNotFound, "user not found")
	}
	session, err := b.mintSession(acct)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.session = session
	b.mu.Unlock()

	b.emit(backend.EventSignedIn, session)
	return session, nil
}

// SignInWithOAuth returns the provider authorization URL and arms a
// single-use code for the armed OAuth user.
func (b *Backend) SignInWithOAuth(ctx context.Context, params backend.OAuthParams) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.oauthEmail == "" {
		return "", dErrors.New(dErrors.CodeUnavailable, "no oauth identity armed")
	}
	code := newTokenHash()
	b.codes[code] = b.oauthEmail
	b.pendingCode = code
	return "https://auth.invalid/authorize?provider=" + params.Provider +
		"&redirect_to=" + params.RedirectTo + "&code=" + code, nil
}

// StartAutoRefresh / StopAutoRefresh track foreground transitions.
func (b *Backend) StartAutoRefresh() {
	b.mu.Lock()
	b.autoRefreshRunning = true
	b.mu.Unlock()
}

func (b *Backend) StopAutoRefresh() {
	b.mu.Lock()
	b.autoRefreshRunning = false
	b.mu.Unlock()
}

// HealthCheck always succeeds for the in-memory backend.
func (b *Backend) HealthCheck(ctx context.Context) error { return nil }
