// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

// Package auth verifies HS256 bearer tokens that scope a caller to one
// organization. Tokens are issued elsewhere.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorOrg in the org claim grants access to every organization and to
// operator endpoints.
const OperatorOrg = "*"

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 32

var (
	// ErrWeakSecret is returned for secrets shorter than MinSecretLength.
	ErrWeakSecret = errors.New("jwt secret must be at least 32 characters")

	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken wraps every verification failure.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carried by callstream tokens. Role optionally narrows what the
// token may do inside Org.
type Claims struct {
	Org  string `json:"org"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IsOperator reports whether the claims carry the operator org.
func (c *Claims) IsOperator() bool {
	return c.Org == OperatorOrg
}

// Verifier validates tokens signed with a shared HMAC secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a verifier for secret. leeway absorbs clock skew on
// exp and nbf.
func NewVerifier(secret string, leeway time.Duration) (*Verifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(leeway),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify parses tokenString and returns its claims. Tokens without an org
// claim are rejected.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Org == "" {
		return nil, fmt.Errorf("%w: missing org claim", ErrInvalidToken)
	}
	return claims, nil
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the access_token query parameter that browser websocket
// clients use.
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}
