package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

// RouteMeta is the access declaration attached to a route.
type RouteMeta struct {
	Public       bool
	AllowedRoles []Role // empty means any authenticated caller
	TokenKind    TokenKind
}

// Decision is the outcome of Guard.Evaluate. Err is set when Allowed is false.
type Decision struct {
	Allowed      bool
	Err          error
	Claims       *Claims
	RefreshToken string
}

// Principal is the authenticated caller, stored in the request context by Protect.
type Principal struct {
	UserID       string
	Email        string
	Role         Role
	RefreshToken string
}

type principalKey struct{}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// guardState is threaded through the steps of one evaluation.
type guardState struct {
	meta   RouteMeta
	req    *http.Request
	token  string
	claims *Claims
	done   bool
}

type guardStep func(ctx context.Context, g *Guard, st *guardState) error

// guardSteps run in this order: a public route needs no token, and a
// caller is authenticated before its role is looked at.
var guardSteps = []guardStep{
	publicBypass,
	verifyToken,
	crossCheckRefresh,
	checkRole,
}

type Guard struct {
	tokens  *TokenIssuer
	db      DB
	log     *slog.Logger
	metrics *Metrics
}

func NewGuard(tokens *TokenIssuer, db DB, log *slog.Logger, metrics *Metrics) *Guard {
	return &Guard{tokens: tokens, db: db, log: log, metrics: metrics}
}

// Evaluate decides whether r may reach a route declared with meta.
func (g *Guard) Evaluate(ctx context.Context, meta RouteMeta, r *http.Request) Decision {
	st := &guardState{meta: meta, req: r}
	for _, step := range guardSteps {
		if err := step(ctx, g, st); err != nil {
			return Decision{Err: err}
		}
		if st.done {
			break
		}
	}
	d := Decision{Allowed: true, Claims: st.claims}
	if meta.TokenKind == RefreshToken {
		d.RefreshToken = st.token
	}
	return d
}

func publicBypass(_ context.Context, _ *Guard, st *guardState) error {
	st.done = st.meta.Public
	return nil
}

func verifyToken(_ context.Context, g *Guard, st *guardState) error {
	st.token = bearerToken(st.req.Header.Get("Authorization"))
	if st.token == "" {
		return fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	claims, err := g.tokens.Verify(st.meta.TokenKind, st.token)
	if err != nil {
		return err
	}
	st.claims = claims
	return nil
}

// crossCheckRefresh binds a refresh token to the session the store knows
// about, so logout and rotation take effect before the token expires.
func crossCheckRefresh(ctx context.Context, g *Guard, st *guardState) error {
	if st.meta.TokenKind != RefreshToken {
		return nil
	}
	user, err := g.db.GetUserByID(ctx, st.claims.Subject)
	if err != nil {
		return err
	}
	if user == nil || !fingerprintMatches(user.RefreshFingerprint, st.token) {
		return fmt.Errorf("%w: invalid refresh token", ErrUnauthenticated)
	}
	return nil
}

func checkRole(_ context.Context, _ *Guard, st *guardState) error {
	if len(st.meta.AllowedRoles) == 0 || slices.Contains(st.meta.AllowedRoles, st.claims.Role) {
		return nil
	}
	return fmt.Errorf("%w: role %s is not allowed", ErrForbidden, st.claims.Role)
}

// bearerToken returns the token of a "Bearer <token>" header, or "" when
// the header uses another scheme or none.
func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	i := strings.IndexAny(header, " \t")
	if i < 0 || !strings.EqualFold(header[:i], "Bearer") {
		return ""
	}
	return strings.TrimSpace(header[i:])
}

// Protect wraps next with the guard for meta.
func (g *Guard) Protect(meta RouteMeta, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Evaluate(r.Context(), meta, r)
		if !d.Allowed {
			g.metrics.guardDenied(d.Err)
			switch {
			case errors.Is(d.Err, ErrForbidden):
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient role")
			case errors.Is(d.Err, ErrUnauthenticated):
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token")
			default:
				g.log.ErrorContext(r.Context(), "guard evaluation failed", "path", r.URL.Path, "err", d.Err)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
			}
			return
		}
		if d.Claims == nil {
			next.ServeHTTP(w, r)
			return
		}
		p := &Principal{
			UserID:       d.Claims.Subject,
			Email:        d.Claims.Email,
			Role:         d.Claims.Role,
			RefreshToken: d.RefreshToken,
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}
