package service

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-dismissal-api/internal/models"
	"github.com/noah-isme/sma-dismissal-api/pkg/config"
	appErrors "github.com/noah-isme/sma-dismissal-api/pkg/errors"
)

func signToken(t *testing.T, secret string, claims models.JWTClaims, method jwt.SigningMethod) string {
	t.Helper()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestTokenVerifierAcceptsValidToken(t *testing.T) {
	verifier := NewTokenVerifier(config.JWTConfig{Secret: "s3cret", Issuer: "sma-auth"})
	token := signToken(t, "s3cret", models.JWTClaims{
		UserID:   "office-1",
		TenantID: "tenant-1",
		Role:     models.RoleOffice,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "sma-auth",
		},
	}, jwt.SigningMethodHS256)

	claims, err := verifier.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, models.ActorContext{ActorID: "office-1", TenantID: "tenant-1", Role: models.RoleOffice}, claims.Actor())
}

func TestTokenVerifierRejections(t *testing.T) {
	verifier := NewTokenVerifier(config.JWTConfig{Secret: "s3cret", Issuer: "sma-auth"})
	base := models.JWTClaims{
		UserID:           "u-1",
		TenantID:         "tenant-1",
		Role:             models.RoleParent,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "sma-auth"},
	}

	cases := []struct {
		name   string
		token  func() string
		expect *appErrors.Error
	}{
		{"wrong secret", func() string { return signToken(t, "other", base, jwt.SigningMethodHS256) }, appErrors.ErrUnauthorized},
		{"wrong issuer", func() string {
			claims := base
			claims.Issuer = "someone-else"
			return signToken(t, "s3cret", claims, jwt.SigningMethodHS256)
		}, appErrors.ErrUnauthorized},
		{"expired", func() string {
			claims := base
			claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
			return signToken(t, "s3cret", claims, jwt.SigningMethodHS256)
		}, appErrors.ErrUnauthorized},
		{"other algorithm", func() string { return signToken(t, "s3cret", base, jwt.SigningMethodHS512) }, appErrors.ErrUnauthorized},
		{"missing tenant", func() string {
			claims := base
			claims.TenantID = " "
			return signToken(t, "s3cret", claims, jwt.SigningMethodHS256)
		}, appErrors.ErrTenantMissing},
		{"system role", func() string {
			claims := base
			claims.Role = models.RoleSystem
			return signToken(t, "s3cret", claims, jwt.SigningMethodHS256)
		}, appErrors.ErrForbidden},
		{"garbage", func() string { return "not.a.token" }, appErrors.ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := verifier.ValidateToken(tc.token())
			assert.True(t, errors.Is(err, tc.expect), "got %v", err)
		})
	}
}
