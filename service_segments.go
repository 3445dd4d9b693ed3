package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
)

// segmentCounter is implemented by stores that can aggregate membership themselves.
type segmentCounter interface {
	SegmentCounts(ctx context.Context) (map[Segment]int, error)
}

// SegmentService assigns segments to users.
//
// AddSegmentToPercentage reads the population and then writes, without a lock:
// two concurrent calls for the same segment may sample from the same eligible
// set and together assign more than the requested share of users.
type SegmentService struct {
	db   DB
	intn func(n int) int
	log  *slog.Logger
}

func NewSegmentService(db DB, log *slog.Logger) *SegmentService {
	return &SegmentService{db: db, intn: rand.IntN, log: log}
}

func (s *SegmentService) AllSegments() []Segment {
	return append([]Segment(nil), AllSegments...)
}

func (s *SegmentService) AddSegmentToUser(ctx context.Context, userID string, seg Segment) error {
	user, err := s.db.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("%w: user with ID %s not found", ErrNotFound, userID)
	}
	if user.HasSegment(seg) {
		return fmt.Errorf("%w: %s", ErrAlreadyHasSegment, seg)
	}
	added, err := s.db.AddSegment(ctx, userID, seg)
	if err != nil {
		return err
	}
	if !added {
		// assigned by someone else between the read and the write
		return fmt.Errorf("%w: %s", ErrAlreadyHasSegment, seg)
	}
	return nil
}

// AddSegmentToUsers assigns seg to each user in turn. Users that already
// have the segment are counted as failed; any other error stops the batch.
func (s *SegmentService) AddSegmentToUsers(ctx context.Context, userIDs []string, seg Segment) (BulkResult, error) {
	var res BulkResult
	for _, id := range userIDs {
		err := s.AddSegmentToUser(ctx, id, seg)
		switch {
		case err == nil:
			res.Success++
		case errors.Is(err, ErrAlreadyHasSegment):
			res.Failed++
		default:
			return res, err
		}
	}
	return res, nil
}

// AddSegmentToPercentage assigns seg to floor(total*percentage/100) users
// drawn uniformly from those that do not have it yet.
func (s *SegmentService) AddSegmentToPercentage(ctx context.Context, seg Segment, percentage int) (PercentageResult, error) {
	if percentage < 1 || percentage > 100 {
		return PercentageResult{}, fmt.Errorf("%w: percentage must be between 1 and 100", ErrInvalidArgument)
	}

	users, err := s.db.ListUsers(ctx, UserFilter{})
	if err != nil {
		return PercentageResult{}, err
	}
	total := len(users)
	target := total * percentage / 100
	if target == 0 {
		return PercentageResult{
			Message: fmt.Sprintf("Cannot assign segment to %d%% of users. Need at least %d users.",
				percentage, int(math.Ceil(100/float64(percentage)))),
		}, nil
	}

	eligible := make([]string, 0, len(users))
	for _, u := range users {
		if !u.HasSegment(seg) {
			eligible = append(eligible, u.ID)
		}
	}
	if len(eligible) == 0 {
		return PercentageResult{Message: fmt.Sprintf("All users already have the segment %s", seg)}, nil
	}

	selected := s.sample(eligible, min(target, len(eligible)))
	s.log.DebugContext(ctx, "percentage assignment",
		"segment", seg, "total", total, "target", target, "eligible", len(eligible), "selected", len(selected))

	assigned := 0
	for _, id := range selected {
		added, err := s.db.AddSegment(ctx, id, seg)
		if err != nil {
			return PercentageResult{}, err
		}
		if added {
			assigned++
		}
	}
	return PercentageResult{
		AffectedUsers: assigned,
		Message:       fmt.Sprintf("Segment %s assigned to %d users (%d%% of %d)", seg, assigned, percentage, total),
	}, nil
}

// sample picks k distinct ids uniformly at random with a partial Fisher-Yates shuffle.
// ids is reordered in place.
func (s *SegmentService) sample(ids []string, k int) []string {
	for i := 0; i < k; i++ {
		j := i + s.intn(len(ids)-i)
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids[:k]
}

func (s *SegmentService) RemoveSegmentFromUser(ctx context.Context, userID string, seg Segment) error {
	user, err := s.db.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("%w: user with ID %s not found", ErrNotFound, userID)
	}
	if !user.HasSegment(seg) {
		return fmt.Errorf("%w: %s", ErrDoesNotHaveSegment, seg)
	}
	removed, err := s.db.RemoveSegment(ctx, userID, seg)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrDoesNotHaveSegment, seg)
	}
	return nil
}

// SegmentsStats reports membership per segment. Segments overlap, so the
// percentages need not add up to 100.
func (s *SegmentService) SegmentsStats(ctx context.Context) ([]SegmentStat, error) {
	total, err := s.db.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.segmentCounts(ctx)
	if err != nil {
		return nil, err
	}

	stats := make([]SegmentStat, 0, len(AllSegments))
	for _, seg := range AllSegments {
		st := SegmentStat{Segment: seg, Count: counts[seg]}
		if total > 0 {
			st.Percentage = int(math.Round(float64(st.Count) / float64(total) * 100))
		}
		stats = append(stats, st)
	}
	return stats, nil
}

func (s *SegmentService) segmentCounts(ctx context.Context) (map[Segment]int, error) {
	if c, ok := s.db.(segmentCounter); ok {
		return c.SegmentCounts(ctx)
	}
	users, err := s.db.ListUsers(ctx, UserFilter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[Segment]int, len(AllSegments))
	for _, u := range users {
		for _, seg := range u.Segments {
			counts[seg]++
		}
	}
	return counts, nil
}

// UsersInSegment returns the ids of members of seg ordered by creation time.
func (s *SegmentService) UsersInSegment(ctx context.Context, seg Segment) ([]string, error) {
	users, err := s.db.ListUsers(ctx, UserFilter{Segment: &seg})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids, nil
}
