package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TokenKind tells which secret a token is signed with.
type TokenKind int

const (
	AccessToken TokenKind = iota
	RefreshToken
)

func (k TokenKind) String() string {
	if k == RefreshToken {
		return "refresh"
	}
	return "access"
}

// TokenConfig holds the two independent signing secrets and lifetimes.
type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Claims is the payload embedded in both access and refresh tokens.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  Role   `json:"role"`
	Type  string `json:"typ"`
}

type TokenIssuer struct {
	cfg    TokenConfig
	method jwt.SigningMethod
	now    func() time.Time
}

func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("access and refresh secrets are required")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 24 * time.Hour
	}
	return &TokenIssuer{cfg: cfg, method: jwt.SigningMethodHS256, now: time.Now}, nil
}

func (t *TokenIssuer) secret(kind TokenKind) []byte {
	if kind == RefreshToken {
		return t.cfg.RefreshSecret
	}
	return t.cfg.AccessSecret
}

func (t *TokenIssuer) ttl(kind TokenKind) time.Duration {
	if kind == RefreshToken {
		return t.cfg.RefreshTTL
	}
	return t.cfg.AccessTTL
}

func (t *TokenIssuer) sign(kind TokenKind, userID, email string, role Role) (string, error) {
	now := t.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl(kind))),
		},
		Email: email,
		Role:  role,
		Type:  kind.String(),
	}
	s, err := jwt.NewWithClaims(t.method, claims).SignedString(t.secret(kind))
	if err != nil {
		return "", fmt.Errorf("%w: %s token: %w", ErrSigning, kind, err)
	}
	return s, nil
}

// IssueTokens signs an access and a refresh token for the same payload.
// Both are signed concurrently; if either fails no pair is returned.
func (t *TokenIssuer) IssueTokens(ctx context.Context, userID, email string, role Role) (TokenPair, error) {
	var pair TokenPair
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		pair.AccessToken, err = t.sign(AccessToken, userID, email, role)
		return err
	})
	g.Go(func() (err error) {
		pair.RefreshToken, err = t.sign(RefreshToken, userID, email, role)
		return err
	})
	if err := g.Wait(); err != nil {
		return TokenPair{}, err
	}
	pair.ExpiresIn = int64(t.cfg.AccessTTL / time.Second)
	return pair, nil
}

// Verify checks signature, expiry and token type against the secret for kind.
func (t *TokenIssuer) Verify(kind TokenKind, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return t.secret(kind), nil
	},
		jwt.WithValidMethods([]string{t.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.Type != kind.String() {
		return nil, fmt.Errorf("%w: expected %s token", ErrUnauthenticated, kind)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims, nil
}
