// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func orgClaims(org string, exp time.Time) *Claims {
	return &Claims{
		Org: org,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestNewVerifierRejectsWeakSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewVerifier("short", 0); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewVerifier() error = %v, want ErrWeakSecret", err)
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	v, err := NewVerifier(testSecret, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name    string
		token   string
		wantOrg string
	}{
		{"valid", sign(t, jwt.SigningMethodHS256, []byte(testSecret), orgClaims("org-1", future)), "org-1"},
		{"operator", sign(t, jwt.SigningMethodHS256, []byte(testSecret), orgClaims(OperatorOrg, future)), OperatorOrg},
		{"wrong secret", sign(t, jwt.SigningMethodHS256, []byte("ffffffffffffffffffffffffffffffff"), orgClaims("org-1", future)), ""},
		{"wrong algorithm", sign(t, jwt.SigningMethodHS512, []byte(testSecret), orgClaims("org-1", future)), ""},
		{"expired", sign(t, jwt.SigningMethodHS256, []byte(testSecret), orgClaims("org-1", time.Now().Add(-time.Hour))), ""},
		{"no expiry", sign(t, jwt.SigningMethodHS256, []byte(testSecret), &Claims{Org: "org-1"}), ""},
		{"no org", sign(t, jwt.SigningMethodHS256, []byte(testSecret), orgClaims("", future)), ""},
		{"garbage", "not.a.token", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			claims, err := v.Verify(tt.token)
			if tt.wantOrg == "" {
				if !errors.Is(err, ErrInvalidToken) {
					t.Fatalf("Verify() error = %v, want ErrInvalidToken", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if claims.Org != tt.wantOrg {
				t.Errorf("Org = %q, want %q", claims.Org, tt.wantOrg)
			}
		})
	}
}

func TestClaimsOperator(t *testing.T) {
	t.Parallel()

	if (&Claims{Org: "org-1", Role: "operator"}).IsOperator() {
		t.Error("a role claim must not make an org token an operator")
	}
	if !(&Claims{Org: OperatorOrg}).IsOperator() {
		t.Error("operator org claims are not an operator")
	}
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		url     string
		want    string
		wantErr error
	}{
		{"bearer header", "Bearer abc", "/", "abc", nil},
		{"lowercase scheme", "bearer abc", "/", "abc", nil},
		{"query parameter", "", "/?access_token=xyz", "xyz", nil},
		{"basic scheme", "Basic Zm9vOmJhcg==", "/", "", ErrInvalidToken},
		{"empty bearer", "Bearer ", "/", "", ErrInvalidToken},
		{"missing", "", "/", "", ErrMissingToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := TokenFromRequest(r)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("TokenFromRequest() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("TokenFromRequest() = %q, %v, want %q", got, err, tt.want)
			}
		})
	}
}

func TestClaimsContext(t *testing.T) {
	t.Parallel()

	if _, ok := ClaimsFromContext(context.Background()); ok {
		t.Error("empty context has claims")
	}
	ctx := WithClaims(context.Background(), &Claims{Org: "org-1"})
	c, ok := ClaimsFromContext(ctx)
	if !ok || c.Org != "org-1" {
		t.Errorf("ClaimsFromContext() = %+v, %v", c, ok)
	}
}
