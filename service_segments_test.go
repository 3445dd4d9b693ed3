package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSegmentToUser(t *testing.T) {
	db := NewMemoryDB()
	svc := NewSegmentService(db, discardLogger())
	ctx := context.Background()
	id := seedUsers(t, db, 1)[0]

	require.NoError(t, svc.AddSegmentToUser(ctx, id, SegmentMailGPT))
	err := svc.AddSegmentToUser(ctx, id, SegmentMailGPT)
	require.ErrorIs(t, err, ErrAlreadyHasSegment)

	u, err := db.GetUserByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []Segment{SegmentMailGPT}, u.Segments)

	err = svc.AddSegmentToUser(ctx, "missing", SegmentMailGPT)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddSegmentToUsers(t *testing.T) {
	db := NewMemoryDB()
	svc := NewSegmentService(db, discardLogger())
	ctx := context.Background()
	ids := seedUsers(t, db, 3)

	require.NoError(t, svc.AddSegmentToUser(ctx, ids[0], SegmentCloudDiscount30))

	res, err := svc.AddSegmentToUsers(ctx, ids, SegmentCloudDiscount30)
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Success: 2, Failed: 1}, res)

	_, err = svc.AddSegmentToUsers(ctx, []string{"missing"}, SegmentCloudDiscount30)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddSegmentToPercentage(t *testing.T) {
	db := NewMemoryDB()
	svc := NewSegmentService(db, discardLogger())
	ctx := context.Background()
	seedUsers(t, db, 10)

	res, err := svc.AddSegmentToPercentage(ctx, SegmentMailVoiceMessages, 30)
	require.NoError(t, err)
	assert.Equal(t, 3, res.AffectedUsers)
	assert.Contains(t, res.Message, "30%")

	members, err := svc.UsersInSegment(ctx, SegmentMailVoiceMessages)
	require.NoError(t, err)
	assert.Len(t, members, 3)
}

func TestAddSegmentToPercentageBounds(t *testing.T) {
	db := NewMemoryDB()
	svc := NewSegmentService(db, discardLogger())
	ctx := context.Background()

	for _, p := range []int{0, -5, 101} {
		_, err := svc.AddSegmentToPercentage(ctx, SegmentMailGPT, p)
		require.ErrorIs(t, err, ErrInvalidArgument, "percentage %d", p)
	}

	seedUsers(t, db, 3)
	res, err := svc.AddSegmentToPercentage(ctx, SegmentMailGPT, 10)
	require.NoError(t, err)
	assert.Zero(t, res.AffectedUsers)
	assert.Equal(t, "Cannot assign segment to 10% of users. Need at least 10 users.", res.Message)

	res, err = svc.AddSegmentToPercentage(ctx, SegmentMailGPT, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, res.AffectedUsers)

	res, err = svc.AddSegmentToPercentage(ctx, SegmentMailGPT, 100)
	require.NoError(t, err)
	assert.Zero(t, res.AffectedUsers)
	assert.Equal(t, "All users already have the segment MAIL_GPT", res.Message)
}

func TestAddSegmentToPercentageSelectsOnlyEligible(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(1, 2))

	for n := 1; n <= 20; n++ {
		for _, p := range []int{1, 10, 25, 50, 99, 100} {
			for pre := 0; pre <= n; pre += max(1, n/3) {
				t.Run(fmt.Sprintf("n=%d p=%d pre=%d", n, p, pre), func(t *testing.T) {
					db := NewMemoryDB()
					svc := NewSegmentService(db, discardLogger())
					svc.intn = rng.IntN
					ids := seedUsers(t, db, n)
					for _, id := range ids[:pre] {
						_, err := db.AddSegment(ctx, id, SegmentMailGPT)
						require.NoError(t, err)
					}

					res, err := svc.AddSegmentToPercentage(ctx, SegmentMailGPT, p)
					require.NoError(t, err)

					target := n * p / 100
					want := min(target, n-pre)
					assert.Equal(t, want, res.AffectedUsers)

					members, err := svc.UsersInSegment(ctx, SegmentMailGPT)
					require.NoError(t, err)
					if target == 0 {
						assert.Len(t, members, pre)
					} else {
						assert.Len(t, members, pre+want)
					}
				})
			}
		}
	}
}

func TestSample(t *testing.T) {
	svc := &SegmentService{intn: func(n int) int { return n - 1 }}
	got := svc.sample([]string{"a", "b", "c", "d"}, 2)
	assert.Equal(t, []string{"d", "a"}, got)

	svc.intn = rand.IntN
	got = svc.sample([]string{"a", "b", "c", "d", "e"}, 5)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, got)
}

func TestRemoveSegmentFromUser(t *testing.T) {
	db := NewMemoryDB()
	svc := NewSegmentService(db, discardLogger())
	ctx := context.Background()
	id := seedUsers(t, db, 1)[0]

	err := svc.RemoveSegmentFromUser(ctx, id, SegmentMailGPT)
	require.ErrorIs(t, err, ErrDoesNotHaveSegment)

	require.NoError(t, svc.AddSegmentToUser(ctx, id, SegmentMailGPT))
	require.NoError(t, svc.RemoveSegmentFromUser(ctx, id, SegmentMailGPT))

	u, err := db.GetUserByID(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, u.Segments)

	err = svc.RemoveSegmentFromUser(ctx, "missing", SegmentMailGPT)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSegmentsStats(t *testing.T) {
	ctx := context.Background()

	stores := map[string]func(t *testing.T) DB{
		"memory": func(*testing.T) DB { return NewMemoryDB() },
		"sqlite": func(t *testing.T) DB { return newTestSQLite(t) },
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			db := open(t)
			svc := NewSegmentService(db, discardLogger())

			stats, err := svc.SegmentsStats(ctx)
			require.NoError(t, err)
			require.Len(t, stats, len(AllSegments))
			for _, st := range stats {
				assert.Zero(t, st.Count)
				assert.Zero(t, st.Percentage)
			}

			ids := seedUsers(t, db, 3)
			for _, id := range ids {
				require.NoError(t, svc.AddSegmentToUser(ctx, id, SegmentMailGPT))
			}
			require.NoError(t, svc.AddSegmentToUser(ctx, ids[0], SegmentCloudDiscount30))
			require.NoError(t, svc.AddSegmentToUser(ctx, ids[1], SegmentCloudDiscount30))

			stats, err = svc.SegmentsStats(ctx)
			require.NoError(t, err)
			assert.Equal(t, []SegmentStat{
				{Segment: SegmentMailVoiceMessages, Count: 0, Percentage: 0},
				{Segment: SegmentCloudDiscount30, Count: 2, Percentage: 67},
				{Segment: SegmentMailGPT, Count: 3, Percentage: 100},
			}, stats)

			sum := 0
			for _, st := range stats {
				sum += st.Percentage
			}
			assert.Greater(t, sum, 100)
		})
	}
}

func TestUsersInSegment(t *testing.T) {
	db := NewMemoryDB()
	svc := NewSegmentService(db, discardLogger())
	ctx := context.Background()
	ids := seedUsers(t, db, 4)

	require.NoError(t, svc.AddSegmentToUser(ctx, ids[1], SegmentMailVoiceMessages))
	require.NoError(t, svc.AddSegmentToUser(ctx, ids[3], SegmentMailVoiceMessages))

	got, err := svc.UsersInSegment(ctx, SegmentMailVoiceMessages)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ids[1], ids[3]}, got)

	got, err = svc.UsersInSegment(ctx, SegmentMailGPT)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAllSegments(t *testing.T) {
	svc := NewSegmentService(NewMemoryDB(), discardLogger())
	got := svc.AllSegments()
	assert.Equal(t, AllSegments, got)

	got[0] = "MUTATED"
	assert.Equal(t, SegmentMailVoiceMessages, AllSegments[0])
}
