package backend

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	dErrors "keel/pkg/domain-errors"
)

// AccessClaims is the subset of access-token claims keel reads. The token is
// issued and validated by the backend; keel only decodes it to derive the
// user id and expiry for a session it was handed, so no signature check
// happens here.
type AccessClaims struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

type accessTokenClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// DecodeAccessClaims decodes an access token without verifying it.
func DecodeAccessClaims(token string) (AccessClaims, error) {
	var claims accessTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return AccessClaims{}, dErrors.Wrap(err, dErrors.CodeValidation, "malformed access token")
	}
	out := AccessClaims{
		UserID: claims.Subject,
		Email:  claims.Email,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
