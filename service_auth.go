package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
)

const (
	minPasswordLength = 6
	// bcrypt only accepts up to 72 bytes of input
	maxPasswordBytes = 72
)

// AuthService registers users and manages their token sessions.
// A user has at most one active refresh session: the store keeps the
// fingerprint of the latest refresh token and every login or refresh replaces it.
type AuthService struct {
	db      DB
	hasher  PasswordHasher
	tokens  *TokenIssuer
	log     *slog.Logger
	metrics *Metrics
}

func NewAuthService(db DB, hasher PasswordHasher, tokens *TokenIssuer, log *slog.Logger, metrics *Metrics) *AuthService {
	return &AuthService{db: db, hasher: hasher, tokens: tokens, log: log, metrics: metrics}
}

func validateCredentials(email, password string) error {
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("%w: invalid email", ErrInvalidArgument)
	}
	return validatePassword(password)
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidArgument, minPasswordLength)
	}
	if len([]byte(password)) > maxPasswordBytes {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidArgument, maxPasswordBytes)
	}
	return nil
}

func (s *AuthService) Register(ctx context.Context, email, password string) (*AuthResult, error) {
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}
	existing, err := s.db.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: user with this email already exists", ErrConflict)
	}

	hashed, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	// the unique constraint still catches a concurrent registration of the same email
	user, err := s.db.CreateUser(ctx, email, hashed, RoleUser)
	if err != nil {
		return nil, err
	}

	tokens, err := s.tokens.IssueTokens(ctx, user.ID, user.Email, user.Role)
	if err != nil {
		return nil, err
	}
	// The account exists at this point. A failed fingerprint write leaves the
	// caller with a refresh token the store does not know; the next login fixes it.
	if err := s.db.SetRefreshFingerprint(ctx, user.ID, fingerprint(tokens.RefreshToken)); err != nil {
		s.log.ErrorContext(ctx, "persist refresh fingerprint", "user_id", user.ID, "err", err)
	}
	s.metrics.authEvent("register", "ok")
	s.log.InfoContext(ctx, "user registered", "user_id", user.ID)
	return &AuthResult{User: user.Public(), Tokens: tokens}, nil
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	user, err := s.db.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || !s.hasher.Verify(password, user.PasswordHash) {
		s.metrics.authEvent("login", "denied")
		return nil, fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
	}

	tokens, err := s.startSession(ctx, user)
	if err != nil {
		return nil, err
	}
	s.metrics.authEvent("login", "ok")
	return &AuthResult{User: user.Public(), Tokens: tokens}, nil
}

// startSession issues a token pair and records its refresh fingerprint,
// replacing any earlier session.
func (s *AuthService) startSession(ctx context.Context, user *User) (TokenPair, error) {
	tokens, err := s.tokens.IssueTokens(ctx, user.ID, user.Email, user.Role)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.db.SetRefreshFingerprint(ctx, user.ID, fingerprint(tokens.RefreshToken)); err != nil {
		return TokenPair{}, err
	}
	return tokens, nil
}

// Logout ends the refresh session. Logging out twice is not an error.
func (s *AuthService) Logout(ctx context.Context, userID string) error {
	if err := s.db.ClearRefreshFingerprint(ctx, userID); err != nil {
		return err
	}
	s.metrics.authEvent("logout", "ok")
	return nil
}

// RefreshTokens rotates the session: the presented token stops working as
// soon as the new pair is stored. Two concurrent refreshes with the same
// token race on a conditional update and only one of them wins.
func (s *AuthService) RefreshTokens(ctx context.Context, userID, presented string) (TokenPair, error) {
	user, err := s.db.GetUserByID(ctx, userID)
	if err != nil {
		return TokenPair{}, err
	}
	if user == nil || !fingerprintMatches(user.RefreshFingerprint, presented) {
		s.metrics.authEvent("refresh", "denied")
		return TokenPair{}, fmt.Errorf("%w: access denied", ErrUnauthenticated)
	}

	tokens, err := s.tokens.IssueTokens(ctx, user.ID, user.Email, user.Role)
	if err != nil {
		return TokenPair{}, err
	}
	swapped, err := s.db.SwapRefreshFingerprint(ctx, user.ID, *user.RefreshFingerprint, fingerprint(tokens.RefreshToken))
	if err != nil {
		return TokenPair{}, err
	}
	if !swapped {
		s.metrics.authEvent("refresh", "denied")
		s.log.WarnContext(ctx, "refresh token rotated concurrently", "user_id", user.ID)
		return TokenPair{}, fmt.Errorf("%w: refresh token already used", ErrUnauthenticated)
	}
	s.metrics.authEvent("refresh", "ok")
	return tokens, nil
}

// UpdatePassword replaces the password hash. Existing sessions stay valid.
func (s *AuthService) UpdatePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	user, err := s.db.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("%w: user not found", ErrUnauthenticated)
	}
	if !s.hasher.Verify(oldPassword, user.PasswordHash) {
		return fmt.Errorf("%w: invalid old password", ErrUnauthenticated)
	}

	hashed, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.db.UpdatePassword(ctx, user.ID, hashed); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "password updated", "user_id", user.ID)
	return nil
}

// EnsureAdmin creates an ADMIN account for email unless a user with that email exists.
func (s *AuthService) EnsureAdmin(ctx context.Context, email, password string) error {
	if err := validateCredentials(email, password); err != nil {
		return err
	}
	existing, err := s.db.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Role != RoleAdmin {
			s.log.WarnContext(ctx, "admin email belongs to a non-admin user", "user_id", existing.ID)
		}
		return nil
	}
	hashed, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user, err := s.db.CreateUser(ctx, email, hashed, RoleAdmin)
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "admin account created", "user_id", user.ID)
	return nil
}
