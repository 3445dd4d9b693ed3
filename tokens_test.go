package main

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenIssuerRejectsBadSecrets(t *testing.T) {
	_, err := NewTokenIssuer(TokenConfig{AccessSecret: []byte("a")})
	require.Error(t, err)

	_, err = NewTokenIssuer(TokenConfig{AccessSecret: []byte("same"), RefreshSecret: []byte("same")})
	require.Error(t, err)
}

func TestIssueTokens(t *testing.T) {
	tokens := newTestIssuer(t)

	pair, err := tokens.IssueTokens(context.Background(), "user-1", "a@example.com", RoleAdmin)
	require.NoError(t, err)
	assert.EqualValues(t, 900, pair.ExpiresIn)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	access, err := tokens.Verify(AccessToken, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", access.Subject)
	assert.Equal(t, "a@example.com", access.Email)
	assert.Equal(t, RoleAdmin, access.Role)

	refresh, err := tokens.Verify(RefreshToken, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, access.Subject, refresh.Subject)
	assert.Equal(t, access.Role, refresh.Role)
}

func TestTokensAreBoundToTheirSecret(t *testing.T) {
	tokens := newTestIssuer(t)
	pair, err := tokens.IssueTokens(context.Background(), "user-1", "a@example.com", RoleUser)
	require.NoError(t, err)

	_, err = tokens.Verify(AccessToken, pair.RefreshToken)
	require.ErrorIs(t, err, ErrUnauthenticated)

	_, err = tokens.Verify(RefreshToken, pair.AccessToken)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestConsecutivePairsDiffer(t *testing.T) {
	tokens := newTestIssuer(t)
	first, err := tokens.IssueTokens(context.Background(), "user-1", "a@example.com", RoleUser)
	require.NoError(t, err)
	second, err := tokens.IssueTokens(context.Background(), "user-1", "a@example.com", RoleUser)
	require.NoError(t, err)

	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, fingerprint(first.RefreshToken), fingerprint(second.RefreshToken))
}

func TestVerifyExpiredToken(t *testing.T) {
	tokens := newTestIssuer(t)
	issuedAt := time.Now().Add(-time.Hour)
	tokens.now = func() time.Time { return issuedAt }
	pair, err := tokens.IssueTokens(context.Background(), "user-1", "a@example.com", RoleUser)
	require.NoError(t, err)

	tokens.now = time.Now
	_, err = tokens.Verify(AccessToken, pair.AccessToken)
	require.ErrorIs(t, err, ErrUnauthenticated)

	// refresh lifetime is a day, so the refresh token is still fine
	_, err = tokens.Verify(RefreshToken, pair.RefreshToken)
	require.NoError(t, err)
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	tokens := newTestIssuer(t)

	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{
			name:  "garbage",
			token: func(*testing.T) string { return "not-a-jwt" },
		},
		{
			name: "other secret",
			token: func(t *testing.T) string {
				s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
					RegisteredClaims: jwt.RegisteredClaims{
						Subject:   "user-1",
						ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
					},
					Type: "access",
				}).SignedString([]byte("someone-else"))
				require.NoError(t, err)
				return s
			},
		},
		{
			name: "no expiry",
			token: func(t *testing.T) string {
				s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
					RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
					Type:             "access",
				}).SignedString([]byte("test-access-secret"))
				require.NoError(t, err)
				return s
			},
		},
		{
			name: "no subject",
			token: func(t *testing.T) string {
				s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
					RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
					Type:             "access",
				}).SignedString([]byte("test-access-secret"))
				require.NoError(t, err)
				return s
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tokens.Verify(AccessToken, tt.token(t))
			require.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestIssueTokensSigningFailure(t *testing.T) {
	tokens := newTestIssuer(t)
	// an RSA method cannot sign with a byte-slice secret
	tokens.method = jwt.SigningMethodRS256

	pair, err := tokens.IssueTokens(context.Background(), "user-1", "a@example.com", RoleUser)
	require.ErrorIs(t, err, ErrSigning)
	require.ErrorIs(t, err, jwt.ErrInvalidKeyType)
	assert.Equal(t, TokenPair{}, pair)

	status, code, ok := statusFor(err)
	assert.Equal(t, 500, status)
	assert.Equal(t, "INTERNAL_ERROR", code)
	assert.False(t, ok)
}
