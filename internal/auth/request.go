package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// MonitorAudience is the aud claim expected on monitor tokens.
const MonitorAudience = "topicmaster-monitor"

// ErrMissingToken is returned when a request carries no token.
var ErrMissingToken = errors.New("missing auth token")

// RequestAuthenticator resolves the caller of an HTTP request.
type RequestAuthenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AllowAll accepts every request anonymously.
type AllowAll struct{}

// Authenticate implements RequestAuthenticator.
func (AllowAll) Authenticate(*http.Request) (string, error) { return "", nil }

// TokenAuthenticator validates an HS256 token from the auth_token query
// parameter or the X-Auth-Token header.
type TokenAuthenticator struct {
	verifier *Verifier
}

// NewRequestAuthenticator returns AllowAll for an empty secret and a token
// authenticator otherwise.
func NewRequestAuthenticator(secret string) (RequestAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return AllowAll{}, nil
	}
	verifier, err := NewVerifier(secret, MonitorAudience, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &TokenAuthenticator{verifier: verifier}, nil
}

// Authenticate implements RequestAuthenticator and returns the token subject.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", ErrMissingToken
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
