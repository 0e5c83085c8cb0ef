package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "ok", header: "Bearer header.payload.signature", want: "header.payload.signature"},
		{name: "padded", header: "  Bearer a.b.c  ", want: "a.b.c"},
		{name: "missing", header: "", wantErr: errMissingAuthorization},
		{name: "scheme", header: "Basic a.b.c", wantErr: errBadAuthorization},
		{name: "not a jwt", header: "Bearer " + strings.Repeat(".", 1000), wantErr: errBadAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bearerToken(tt.header)
			if err != tt.wantErr {
				t.Fatalf("bearerToken(%q) error = %v, want %v", tt.header, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestUserIDFromAuthHeaderHS256(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewAuth(AuthConfig{Audience: "api://board", Issuer: "https://issuer/", TestSecret: secret})
	token := signHS256(t, secret, jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://board",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
	})

	userID, err := auth.UserIDFromAuthHeader("Bearer " + token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromTokenRejects(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewAuth(AuthConfig{Audience: "api://board", TestSecret: secret})
	valid := jwt.MapClaims{"sub": "u", "aud": "api://board", "exp": time.Now().Add(time.Hour).Unix()}

	cases := map[string]string{
		"wrong secret": signHS256(t, []byte("other"), valid),
		"expired":      signHS256(t, secret, jwt.MapClaims{"sub": "u", "aud": "api://board", "exp": time.Now().Add(-time.Hour).Unix()}),
		"audience":     signHS256(t, secret, jwt.MapClaims{"sub": "u", "aud": "api://other", "exp": time.Now().Add(time.Hour).Unix()}),
		"no subject":   signHS256(t, secret, jwt.MapClaims{"aud": "api://board", "exp": time.Now().Add(time.Hour).Unix()}),
		"empty":        "",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := auth.UserIDFromToken(token); err == nil {
				t.Fatalf("expected token to be rejected")
			}
		})
	}
}

func TestRS256WithoutJWKSFails(t *testing.T) {
	auth := NewAuth(AuthConfig{})
	token := signHS256(t, []byte("x"), jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := auth.UserIDFromToken(token); err == nil {
		t.Fatalf("expected HS256 token to be rejected in RS256 mode")
	}
}
