package auth

import (
	"context"
	"log/slog"
	"strings"

	"keel/internal/audit"
	dErrors "keel/pkg/domain-errors"
)

// Category is the coarse user-facing bucket a backend failure lands in.
// The backend reports free-text messages, so mapping is heuristic by
// construction; unmatched messages fall through to CategoryUnknown and the
// raw text is audited for future pattern additions.
type Category string

const (
	CategoryDuplicateEmail     Category = "DUPLICATE_EMAIL"
	CategoryInvalidCredentials Category = "INVALID_CREDENTIALS"
	CategoryEmailNotConfirmed  Category = "EMAIL_NOT_CONFIRMED"
	CategoryRateLimited        Category = "RATE_LIMITED"
	CategoryNetwork            Category = "NETWORK_ERROR"
	CategoryCancelled          Category = "OAUTH_CANCELLED"
	CategoryUnknown            Category = "UNKNOWN"
)

// Message returns display copy for a category. Flows may override per
// context; this is the shared fallback.
func (c Category) Message() string {
	switch c {
	case CategoryDuplicateEmail:
		return "An account with this email already exists."
	case CategoryInvalidCredentials:
		return "Invalid email or password."
	case CategoryEmailNotConfirmed:
		return "Please verify your email address before signing in."
	case CategoryRateLimited:
		return "Too many attempts. Please wait a moment and try again."
	case CategoryNetwork:
		return "Connection problem. Check your network and try again."
	case CategoryCancelled:
		return "Sign-in was cancelled."
	default:
		return "Something went wrong. Please try again."
	}
}

type pattern struct {
	substrings []string
	category   Category
}

// Ordered: first match wins.
var patterns = []pattern{
	{[]string{"already registered", "already exists", "already been registered"}, CategoryDuplicateEmail},
	{[]string{"invalid login credentials", "invalid credentials", "invalid password"}, CategoryInvalidCredentials},
	{[]string{"email not confirmed", "not been confirmed"}, CategoryEmailNotConfirmed},
	{[]string{"rate limit", "too many requests", "over_email_send_rate_limit"}, CategoryRateLimited},
	{[]string{"network", "fetch failed", "connection refused", "timeout", "timed out"}, CategoryNetwork},
	{[]string{"cancelled", "canceled", "dismissed"}, CategoryCancelled},
}

// Classifier maps backend errors to categories. Coded errors are trusted
// first; free-text matching is the fallback.
type Classifier struct {
	audit  *audit.Publisher
	logger *slog.Logger
}

// NewClassifier builds a classifier. audit may be nil; unmatched messages
// are then only logged.
func NewClassifier(auditPub *audit.Publisher, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{audit: auditPub, logger: logger}
}

// Classify buckets an error. Nil maps to CategoryUnknown; callers should
// not classify nil errors.
func (c *Classifier) Classify(ctx context.Context, err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	switch dErrors.CodeOf(err) {
	case dErrors.CodeConflict:
		return CategoryDuplicateEmail
	case dErrors.CodeUnauthorized:
		// The backend reuses unauthorized for both bad credentials and
		// unconfirmed email; the message decides below.
	case dErrors.CodeRateLimited:
		return CategoryRateLimited
	case dErrors.CodeUnavailable:
		return CategoryNetwork
	case dErrors.CodeCancelled:
		return CategoryCancelled
	}

	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		for _, sub := range p.substrings {
			if strings.Contains(msg, sub) {
				return p.category
			}
		}
	}

	if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
		return CategoryInvalidCredentials
	}

	c.logger.Debug("unmatched backend error pattern", "error", err)
	if c.audit != nil {
		c.audit.Emit(ctx, audit.Event{
			Action: audit.ActionUnmatchedError,
			Detail: map[string]string{"message": err.Error()},
		})
	}
	return CategoryUnknown
}
