// Package auth is the stateless façade between the per-flow state machines
// and the Identity Backend. It owns input validation, duplicate-account
// normalization, OAuth strategy selection and callback-to-session exchange.
// It holds no flow state; cooldowns and attempt counters live in the flows.
package auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"keel/internal/audit"
	"keel/internal/backend"
	"keel/internal/callback"
	dErrors "keel/pkg/domain-errors"
)

const minPasswordLength = 8

var callbacksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keel_auth_callbacks_processed_total",
	Help: "Callback exchanges by mode and outcome",
}, []string{"mode", "outcome"})

// CallbackMode tags which exchange path a callback took.
type CallbackMode string

const (
	ModeHash CallbackMode = "hash"
	ModeCode CallbackMode = "code"
	ModeOTP  CallbackMode = "otp"
	ModeNone CallbackMode = "none"
)

// CallbackResult is the outcome of one ProcessAuthCallback call.
type CallbackResult struct {
	Mode    CallbackMode
	Session *backend.Session
	// OTPType is set for ModeOTP so the caller can route recovery and
	// verification links differently.
	OTPType backend.OTPType
}

// SignUpOutcome is a successful registration. Session is nil and
// NeedsConfirmation true when the backend requires email verification
// before issuing credentials.
type SignUpOutcome struct {
	User              *backend.User
	Session           *backend.Session
	NeedsConfirmation bool
}

// Service bridges flows to the backend.
type Service struct {
	client     backend.Client
	scheme     string
	logger     *slog.Logger
	audit      *audit.Publisher
	classifier *Classifier
	tracer     trace.Tracer

	credentials CredentialProvider
	browser     BrowserOpener
}

// Option configures a Service instance.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAudit attaches an audit publisher.
func WithAudit(p *audit.Publisher) Option {
	return func(s *Service) { s.audit = p }
}

// WithCredentialProvider installs the native credential prompt used by the
// Apple flow.
func WithCredentialProvider(p CredentialProvider) Option {
	return func(s *Service) { s.credentials = p }
}

// WithBrowserOpener installs the browser launcher used by redirect OAuth.
func WithBrowserOpener(b BrowserOpener) Option {
	return func(s *Service) { s.browser = b }
}

// New constructs the service. scheme is the app's deep-link scheme, e.g.
// "keel".
func New(client backend.Client, scheme string, opts ...Option) *Service {
	s := &Service{
		client: client,
		scheme: scheme,
		logger: slog.Default(),
		tracer: otel.Tracer("keel/internal/auth"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.classifier = NewClassifier(s.audit, s.logger)
	return s
}

// Classifier exposes the error-category mapper so flows share one table.
func (s *Service) Classifier() *Classifier {
	return s.classifier
}

// RedirectURL builds a deep-link URL back into the app.
func (s *Service) RedirectURL(path string) string {
	return s.scheme + "://" + strings.TrimPrefix(path, "/")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SignIn authenticates a credential pair. Backend errors pass through
// unmapped: the sign-in flow owns its error taxonomy, because the same
// backend message can mean different things in different flows.
func (s *Service) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	ctx, span := s.tracer.Start(ctx, "auth.SignIn")
	defer span.End()

	email = normalizeEmail(email)
	sess, err := s.client.SignInWithPassword(ctx, email, password)
	if err != nil {
		s.emit(ctx, audit.Event{
			Action: audit.ActionSignInFailed,
			Detail: map[string]string{"email": email},
		})
		return nil, err
	}
	return sess, nil
}

// SignUp registers a new account. Local validation fails fast before any
// network call. A duplicate email is detected two ways: an explicit backend
// conflict, or a success response whose user carries no identities. Both
// normalize to the same conflict error, and a best-effort verification
// resend is fired so the original owner gets a fresh link.
func (s *Service) SignUp(ctx context.Context, email, password, fullName string) (*SignUpOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "auth.SignUp")
	defer span.End()

	if strings.TrimSpace(fullName) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "full name is required")
	}
	if len(password) < minPasswordLength {
		return nil, dErrors.Newf(dErrors.CodeValidation, "password must be at least %d characters", minPasswordLength)
	}
	email = normalizeEmail(email)

	result, err := s.client.SignUp(ctx, backend.SignUpParams{
		Email:           email,
		Password:        password,
		Metadata:        map[string]string{"full_name": strings.TrimSpace(fullName)},
		EmailRedirectTo: s.RedirectURL("auth/callback"),
	})
	if err != nil {
		if s.classifier.Classify(ctx, err) == CategoryDuplicateEmail {
			return nil, s.duplicateSignUp(ctx, email, err)
		}
		return nil, err
	}

	if result.User != nil && len(result.User.Identities) == 0 {
		return nil, s.duplicateSignUp(ctx, email, nil)
	}

	return &SignUpOutcome{
		User:              result.User,
		Session:           result.Session,
		NeedsConfirmation: result.Session == nil,
	}, nil
}

func (s *Service) duplicateSignUp(ctx context.Context, email string, cause error) error {
	s.emit(ctx, audit.Event{
		Action: audit.ActionSignUpDuplicate,
		Detail: map[string]string{"email": email},
	})

	// Fire-and-forget: the resend must not change the returned error.
	go func() {
		if err := s.client.Resend(context.Background(), backend.OTPSignup, email); err != nil {
			s.logger.Debug("duplicate sign-up resend failed", "error", err)
		}
	}()

	if cause != nil {
		return dErrors.Wrap(cause, dErrors.CodeConflict, "email already registered")
	}
	return dErrors.New(dErrors.CodeConflict, "email already registered")
}

// ForgotPassword requests a recovery email. The backend answers success for
// unknown addresses, so callers cannot enumerate accounts through this.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	ctx, span := s.tracer.Start(ctx, "auth.ForgotPassword")
	defer span.End()

	email = normalizeEmail(email)
	if email == "" {
		return dErrors.New(dErrors.CodeValidation, "email is required")
	}
	return s.client.ResetPasswordForEmail(ctx, email, s.RedirectURL("reset-password"))
}

// ResendVerification re-issues the signup confirmation email.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	ctx, span := s.tracer.Start(ctx, "auth.ResendVerification")
	defer span.End()

	email = normalizeEmail(email)
	if email == "" {
		return dErrors.New(dErrors.CodeValidation, "email is required")
	}
	return s.client.Resend(ctx, backend.OTPSignup, email)
}

// UpdatePassword changes the current user's password. Requires an active
// session; the check happens locally so a signed-out caller never reaches
// the network.
func (s *Service) UpdatePassword(ctx context.Context, password string) error {
	ctx, span := s.tracer.Start(ctx, "auth.UpdatePassword")
	defer span.End()

	if len(password) < minPasswordLength {
		return dErrors.Newf(dErrors.CodeValidation, "password must be at least %d characters", minPasswordLength)
	}

	sess, err := s.client.GetSession(ctx)
	if err != nil || sess == nil {
		return dErrors.New(dErrors.CodeUnauthorized, "no active session for password update")
	}

	user, err := s.client.UpdateUser(ctx, password)
	if err != nil {
		return err
	}

	event := audit.Event{Action: audit.ActionPasswordUpdated}
	if user != nil {
		event.UserID = user.ID
	}
	s.emit(ctx, event)
	return nil
}

// VerifyRecoveryToken exchanges an emailed recovery token for a session.
// Used by the reset-password flow when it boots from route params instead
// of an already-established recovery session.
func (s *Service) VerifyRecoveryToken(ctx context.Context, tokenHash string) (*backend.Session, error) {
	ctx, span := s.tracer.Start(ctx, "auth.VerifyRecoveryToken")
	defer span.End()

	if tokenHash == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "recovery token is required")
	}
	return s.client.VerifyOTP(ctx, backend.VerifyOTPParams{
		Type:      backend.OTPRecovery,
		TokenHash: tokenHash,
	})
}

// ProcessAuthCallback exchanges one callback URL for a session. Exactly one
// branch fires per call: hash tokens set the session directly, a code goes
// through PKCE exchange, a token_hash through OTP verification. A URL with
// none of the three shapes returns ModeNone without error.
func (s *Service) ProcessAuthCallback(ctx context.Context, rawURL string) (CallbackResult, error) {
	ctx, span := s.tracer.Start(ctx, "auth.ProcessAuthCallback")
	defer span.End()

	params := callback.Parse(rawURL)

	if params.Error != "" {
		callbacksProcessed.WithLabelValues(string(ModeNone), "provider_error").Inc()
		msg := params.Error
		if params.ErrorDescription != "" {
			msg = params.ErrorDescription
		}
		return CallbackResult{Mode: ModeNone}, dErrors.New(dErrors.CodeUnauthorized, "provider returned error: "+msg)
	}

	switch {
	case params.AccessToken != "" && params.RefreshToken != "":
		sess, err := s.client.SetSession(ctx, backend.TokenPair{
			AccessToken:  params.AccessToken,
			RefreshToken: params.RefreshToken,
		})
		return s.finishCallback(ctx, ModeHash, "", sess, err)

	case params.Code != "":
		sess, err := s.client.ExchangeCodeForSession(ctx, params.Code)
		return s.finishCallback(ctx, ModeCode, "", sess, err)

	case params.TokenHash != "" && params.Type != "":
		otpType := backend.OTPType(params.Type)
		sess, err := s.client.VerifyOTP(ctx, backend.VerifyOTPParams{
			Type:      otpType,
			TokenHash: params.TokenHash,
			Email:     params.Email,
		})
		return s.finishCallback(ctx, ModeOTP, otpType, sess, err)

	default:
		callbacksProcessed.WithLabelValues(string(ModeNone), "ok").Inc()
		return CallbackResult{Mode: ModeNone}, nil
	}
}

func (s *Service) finishCallback(ctx context.Context, mode CallbackMode, otpType backend.OTPType, sess *backend.Session, err error) (CallbackResult, error) {
	if err != nil {
		callbacksProcessed.WithLabelValues(string(mode), "error").Inc()
		return CallbackResult{Mode: mode, OTPType: otpType}, err
	}
	callbacksProcessed.WithLabelValues(string(mode), "ok").Inc()

	event := audit.Event{
		Action: audit.ActionCallbackProcessed,
		Detail: map[string]string{"mode": string(mode)},
	}
	if sess != nil && sess.User != nil {
		event.UserID = sess.User.ID
	}
	s.emit(ctx, event)

	return CallbackResult{Mode: mode, Session: sess, OTPType: otpType}, nil
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.audit != nil {
		s.audit.Emit(ctx, event)
	}
}
