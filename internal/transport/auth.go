package transport

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"velthoric/physsync/internal/auth"
)

// TokenLeeway absorbs clock skew between token issuer and this server.
const TokenLeeway = 2 * time.Second

// Authenticator resolves the observer identity of an upgrade request. An empty identity lets the
// hub fall back to the observer query parameter.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AllowAll accepts every connection.
type AllowAll struct{}

// Authenticate implements Authenticator.
func (AllowAll) Authenticate(*http.Request) (string, error) {
	return "", nil
}

// TokenAuthenticator requires a signed token whose subject becomes the observer id.
type TokenAuthenticator struct {
	verifier *auth.HMACTokenVerifier
}

// NewTokenAuthenticator builds an authenticator for the shared secret.
func NewTokenAuthenticator(secret string) (*TokenAuthenticator, error) {
	verifier, err := auth.NewHMACTokenVerifier(secret, TokenLeeway)
	if err != nil {
		return nil, err
	}
	return &TokenAuthenticator{verifier: verifier}, nil
}

// Verifier exposes the underlying verifier so tests and tools can mint tokens.
func (a *TokenAuthenticator) Verifier() *auth.HMACTokenVerifier { return a.verifier }

// Authenticate reads the token from the auth_token query parameter or the X-Auth-Token header.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", errors.New("missing auth token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// AuthenticatorFor selects token authentication when a secret is configured.
func AuthenticatorFor(secret string) (Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return AllowAll{}, nil
	}
	return NewTokenAuthenticator(secret)
}
