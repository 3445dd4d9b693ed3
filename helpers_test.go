package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	tokens, err := NewTokenIssuer(TokenConfig{
		AccessSecret:  []byte("test-access-secret"),
		RefreshSecret: []byte("test-refresh-secret"),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
	})
	require.NoError(t, err)
	return tokens
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	return NewApp(NewMemoryDB(), newTestIssuer(t), newBcryptHasher(bcrypt.MinCost), discardLogger(), NewMetrics("test"))
}

// seedUsers creates n users directly in the store and returns their ids.
func seedUsers(t *testing.T, db DB, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		u, err := db.CreateUser(context.Background(), emailFor(i), "hash", RoleUser)
		require.NoError(t, err)
		ids = append(ids, u.ID)
	}
	return ids
}

func emailFor(i int) string {
	return "user" + string(rune('a'+i/26)) + string(rune('a'+i%26)) + "@example.com"
}
