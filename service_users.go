package main

import (
	"context"
	"fmt"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type UserService struct {
	db DB
}

func NewUserService(db DB) *UserService {
	return &UserService{db: db}
}

func (s *UserService) UserSegments(ctx context.Context, userID string) (*UserSegments, error) {
	user, err := s.db.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: user with ID %s not found", ErrNotFound, userID)
	}
	p := user.Public()
	return &UserSegments{UserID: p.ID, Email: p.Email, Segments: p.Segments, JoinedAt: p.CreatedAt}, nil
}

// ListUsers returns one page of users, newest first. Non-positive page and
// limit fall back to the first page of defaultPageSize users.
func (s *UserService) ListUsers(ctx context.Context, page, limit int) (*UserPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	total, err := s.db.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := &UserPage{
		Users:      []PublicUser{},
		Total:      total,
		Page:       page,
		TotalPages: (total + limit - 1) / limit,
	}
	// past the last page; also keeps (page-1)*limit from overflowing
	if page-1 >= out.TotalPages {
		return out, nil
	}

	users, err := s.db.ListUsers(ctx, UserFilter{Skip: (page - 1) * limit, Take: limit, NewestFirst: true})
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		out.Users = append(out.Users, u.Public())
	}
	return out, nil
}
