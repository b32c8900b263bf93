// Package auth resolves the identity behind an incoming connection. Session
// tokens are HS256 JWTs issued elsewhere; bot API keys are checked with the
// account service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/park285/chess-arena/internal/domain"
)

var (
	ErrNoCredentials = errors.New("no credentials presented")
	ErrInvalidToken  = errors.New("invalid session token")
)

type APIKeyVerifier interface {
	VerifyAPIKey(ctx context.Context, key string) (domain.Identity, error)
}

// Claims is the payload of a session token. Subject is the participant id.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Bot  bool   `json:"bot,omitempty"`
}

type TokenVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokenVerifier(secret, issuer string) (*TokenVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &TokenVerifier{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

func (v *TokenVerifier) Verify(raw string) (domain.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return domain.Identity{ParticipantID: claims.Subject, Name: name, IsBot: claims.Bot}, nil
}

// Authenticator checks, in order, the X-API-Key header, a Bearer token and
// the token query parameter. Browsers cannot set headers on websocket
// upgrades, hence the query fallback.
type Authenticator struct {
	Tokens *TokenVerifier
	Keys   APIKeyVerifier
}

func (a *Authenticator) Authenticate(r *http.Request) (domain.Identity, error) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		if a.Keys == nil {
			return domain.Identity{}, fmt.Errorf("api keys not accepted")
		}
		id, err := a.Keys.VerifyAPIKey(r.Context(), key)
		if err != nil {
			return domain.Identity{}, err
		}
		id.IsBot = true
		return id, nil
	}
	token := bearer(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return domain.Identity{}, ErrNoCredentials
	}
	if a.Tokens == nil {
		return domain.Identity{}, fmt.Errorf("%w: session tokens not accepted", ErrInvalidToken)
	}
	return a.Tokens.Verify(token)
}

func bearer(h string) string {
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
