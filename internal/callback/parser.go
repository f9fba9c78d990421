// Package callback turns raw incoming deep-link URLs into normalized auth
// parameters. Everything here is pure: no I/O, no state, and malformed input
// degrades to an empty result rather than an error.
package callback

import (
	"net/url"
	"regexp"
	"strings"

	"keel/internal/backend"
)

// Params is the flat parameter set extracted from one URL. At most one of
// the three flow shapes (token pair, code, token hash) is expected; more
// than one populated shape means the link is malformed.
type Params struct {
	AccessToken      string
	RefreshToken     string
	Code             string
	TokenHash        string
	Type             string
	Email            string
	Error            string
	ErrorDescription string
}

// Kind classifies a callback URL.
type Kind string

const (
	KindOAuth    Kind = "oauth"
	KindRecovery Kind = "recovery"
	KindVerify   Kind = "verify"
	KindUnknown  Kind = "unknown"
)

// recognized parameter keys; anything else in the URL is ignored.
var paramKeys = []string{
	"code",
	"access_token",
	"refresh_token",
	"token_hash",
	"type",
	"email",
	"error",
	"error_description",
}

// Mobile deep-link schemes sometimes emit scheme:///path; collapse the
// separator so net/url sees a host-ful URL.
func normalizeURL(raw string) string {
	return strings.Replace(raw, ":///", "://", 1)
}

func (p *Params) apply(key, value string) {
	switch key {
	case "code":
		p.Code = value
	case "access_token":
		p.AccessToken = value
	case "refresh_token":
		p.RefreshToken = value
	case "token_hash":
		p.TokenHash = value
	case "type":
		p.Type = value
	case "email":
		p.Email = value
	case "error":
		p.Error = value
	case "error_description":
		p.ErrorDescription = value
	}
}

func applyValues(p *Params, values url.Values) {
	for _, key := range paramKeys {
		if v := values.Get(key); v != "" {
			p.apply(key, v)
		}
	}
}

// Parse extracts auth parameters from both the query string and the hash
// fragment of a URL, merging them into one flat result. The fragment is
// parsed second, so its values win on duplicate keys.
func Parse(raw string) Params {
	var p Params
	if raw == "" {
		return p
	}
	normalized := normalizeURL(raw)

	// Split the fragment off manually: implicit-flow fragments are query
	// strings in disguise and url.Parse would keep them opaque.
	withoutFragment := normalized
	fragment := ""
	if i := strings.IndexByte(normalized, '#'); i >= 0 {
		withoutFragment = normalized[:i]
		fragment = normalized[i+1:]
	}

	if u, err := url.Parse(withoutFragment); err == nil {
		applyValues(&p, u.Query())
	}
	if fragment != "" {
		if values, err := url.ParseQuery(fragment); err == nil {
			applyValues(&p, values)
		}
	}
	return p
}

var oauthCallbackPath = regexp.MustCompile(`(?i)/(?:auth/)?callback(\?|#|$)`)

// IsOAuthCallback reports whether the URL path is the OAuth return route,
// independent of its query or fragment content.
func IsOAuthCallback(raw string) bool {
	if raw == "" {
		return false
	}
	return oauthCallbackPath.MatchString(normalizeURL(raw))
}

// Classify derives the callback kind from the parsed parameters.
func Classify(raw string) Kind {
	return ClassifyParams(Parse(raw))
}

// ClassifyParams classifies an already-parsed parameter set.
func ClassifyParams(p Params) Kind {
	switch {
	case p.Code != "" || p.AccessToken != "":
		return KindOAuth
	case p.TokenHash != "" && p.Type == string(backend.OTPRecovery):
		return KindRecovery
	case p.TokenHash != "" && (p.Type == string(backend.OTPSignup) || p.Type == string(backend.OTPEmailChange)):
		return KindVerify
	default:
		return KindUnknown
	}
}
