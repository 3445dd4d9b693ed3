package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.close() })
	return db
}

// testStores runs fn against every embedded store implementation.
func testStores(t *testing.T, fn func(t *testing.T, db DB)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryDB()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLite(t)) })
}

func TestStoreUsers(t *testing.T) {
	testStores(t, func(t *testing.T, db DB) {
		ctx := context.Background()

		u, err := db.CreateUser(ctx, "a@example.com", "hash", RoleAdmin)
		require.NoError(t, err)
		require.NotEmpty(t, u.ID)
		assert.Equal(t, RoleAdmin, u.Role)
		assert.NotNil(t, u.Segments)

		_, err = db.CreateUser(ctx, "a@example.com", "other", RoleUser)
		require.ErrorIs(t, err, ErrConflict)

		byEmail, err := db.GetUserByEmail(ctx, "a@example.com")
		require.NoError(t, err)
		require.NotNil(t, byEmail)
		assert.Equal(t, u.ID, byEmail.ID)
		assert.Equal(t, "hash", byEmail.PasswordHash)
		assert.Nil(t, byEmail.RefreshFingerprint)
		assert.WithinDuration(t, u.CreatedAt, byEmail.CreatedAt, 0)

		missing, err := db.GetUserByEmail(ctx, "nobody@example.com")
		require.NoError(t, err)
		assert.Nil(t, missing)
		missing, err = db.GetUserByID(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, missing)

		require.NoError(t, db.UpdatePassword(ctx, u.ID, "new-hash"))
		byID, err := db.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "new-hash", byID.PasswordHash)
		require.ErrorIs(t, db.UpdatePassword(ctx, "nobody", "x"), ErrNotFound)

		n, err := db.CountUsers(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestStoreRefreshFingerprint(t *testing.T) {
	testStores(t, func(t *testing.T, db DB) {
		ctx := context.Background()
		u, err := db.CreateUser(ctx, "a@example.com", "hash", RoleUser)
		require.NoError(t, err)

		ok, err := db.SwapRefreshFingerprint(ctx, u.ID, "fp0", "fp1")
		require.NoError(t, err)
		assert.False(t, ok, "nothing to swap before a session exists")

		require.NoError(t, db.SetRefreshFingerprint(ctx, u.ID, "fp1"))
		ok, err = db.SwapRefreshFingerprint(ctx, u.ID, "fp1", "fp2")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = db.SwapRefreshFingerprint(ctx, u.ID, "fp1", "fp3")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := db.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.NotNil(t, got.RefreshFingerprint)
		assert.Equal(t, "fp2", *got.RefreshFingerprint)

		require.NoError(t, db.ClearRefreshFingerprint(ctx, u.ID))
		require.NoError(t, db.ClearRefreshFingerprint(ctx, u.ID))
		require.NoError(t, db.ClearRefreshFingerprint(ctx, "nobody"))
		got, err = db.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Nil(t, got.RefreshFingerprint)

		require.ErrorIs(t, db.SetRefreshFingerprint(ctx, "nobody", "fp"), ErrNotFound)
	})
}

func TestStoreSegments(t *testing.T) {
	testStores(t, func(t *testing.T, db DB) {
		ctx := context.Background()
		u, err := db.CreateUser(ctx, "a@example.com", "hash", RoleUser)
		require.NoError(t, err)

		added, err := db.AddSegment(ctx, u.ID, SegmentMailGPT)
		require.NoError(t, err)
		assert.True(t, added)
		added, err = db.AddSegment(ctx, u.ID, SegmentMailGPT)
		require.NoError(t, err)
		assert.False(t, added)
		added, err = db.AddSegment(ctx, u.ID, SegmentCloudDiscount30)
		require.NoError(t, err)
		assert.True(t, added)

		got, err := db.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []Segment{SegmentMailGPT, SegmentCloudDiscount30}, got.Segments)

		removed, err := db.RemoveSegment(ctx, u.ID, SegmentMailGPT)
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = db.RemoveSegment(ctx, u.ID, SegmentMailGPT)
		require.NoError(t, err)
		assert.False(t, removed)

		got, err = db.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, []Segment{SegmentCloudDiscount30}, got.Segments)
	})
}

func TestStoreAddSegmentUnknownUser(t *testing.T) {
	ctx := context.Background()

	_, err := NewMemoryDB().AddSegment(ctx, "nobody", SegmentMailGPT)
	require.ErrorIs(t, err, ErrNotFound)

	// the insert selects from users, so nothing is written for an unknown id
	added, err := newTestSQLite(t).AddSegment(ctx, "nobody", SegmentMailGPT)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestStoreListUsers(t *testing.T) {
	testStores(t, func(t *testing.T, db DB) {
		ctx := context.Background()
		ids := seedUsers(t, db, 5)
		_, err := db.AddSegment(ctx, ids[1], SegmentMailVoiceMessages)
		require.NoError(t, err)
		_, err = db.AddSegment(ctx, ids[4], SegmentMailVoiceMessages)
		require.NoError(t, err)

		all, err := db.ListUsers(ctx, UserFilter{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt))
		}

		newest, err := db.ListUsers(ctx, UserFilter{NewestFirst: true})
		require.NoError(t, err)
		require.Len(t, newest, 5)
		for i := 1; i < len(newest); i++ {
			assert.False(t, newest[i].CreatedAt.After(newest[i-1].CreatedAt))
		}

		page, err := db.ListUsers(ctx, UserFilter{Skip: 2, Take: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, all[2].ID, page[0].ID)
		assert.Equal(t, all[3].ID, page[1].ID)

		past, err := db.ListUsers(ctx, UserFilter{Skip: 10})
		require.NoError(t, err)
		assert.Empty(t, past)

		seg := SegmentMailVoiceMessages
		members, err := db.ListUsers(ctx, UserFilter{Segment: &seg})
		require.NoError(t, err)
		got := []string{}
		for _, u := range members {
			got = append(got, u.ID)
		}
		assert.ElementsMatch(t, []string{ids[1], ids[4]}, got)
	})
}

func TestMemDBReturnsCopies(t *testing.T) {
	db := NewMemoryDB()
	ctx := context.Background()
	u, err := db.CreateUser(ctx, "a@example.com", "hash", RoleUser)
	require.NoError(t, err)

	u.Segments = append(u.Segments, SegmentMailGPT)
	u.PasswordHash = "tampered"

	got, err := db.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Segments)
	assert.Equal(t, "hash", got.PasswordHash)
}

func TestSplitSegments(t *testing.T) {
	assert.Equal(t, []Segment{}, splitSegments(""))
	assert.Equal(t, []Segment{SegmentCloudDiscount30, SegmentMailGPT}, splitSegments("MAIL_GPT,CLOUD_DISCOUNT_30"))
}
