package main

import (
	"fmt"
	"slices"
	"time"
)

// Role is the access level carried in every token.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Segment is a cohort tag attached to a user for feature targeting.
type Segment string

const (
	SegmentMailVoiceMessages Segment = "MAIL_VOICE_MESSAGES"
	SegmentCloudDiscount30   Segment = "CLOUD_DISCOUNT_30"
	SegmentMailGPT           Segment = "MAIL_GPT"
)

// AllSegments lists every known segment in declaration order.
var AllSegments = []Segment{
	SegmentMailVoiceMessages,
	SegmentCloudDiscount30,
	SegmentMailGPT,
}

// ParseSegment validates s against the closed set of segments.
func ParseSegment(s string) (Segment, error) {
	seg := Segment(s)
	if !slices.Contains(AllSegments, seg) {
		return "", fmt.Errorf("%w: unknown segment %q", ErrInvalidArgument, s)
	}
	return seg, nil
}

func parseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// User represents a user in the system
type User struct {
	ID                 string
	Email              string
	PasswordHash       string
	Role               Role
	Segments           []Segment
	RefreshFingerprint *string // nil when no refresh session is active
	CreatedAt          time.Time
}

func (u *User) HasSegment(s Segment) bool {
	return slices.Contains(u.Segments, s)
}

// Public strips the password hash and refresh fingerprint.
func (u *User) Public() PublicUser {
	segs := u.Segments
	if segs == nil {
		segs = []Segment{}
	}
	return PublicUser{
		ID:        u.ID,
		Email:     u.Email,
		Role:      u.Role,
		Segments:  segs,
		CreatedAt: u.CreatedAt,
	}
}

// PublicUser is the user projection that is safe to return to clients.
type PublicUser struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	Segments  []Segment `json:"segments"`
	CreatedAt time.Time `json:"createdAt"`
}

// TokenPair is returned by register, login and refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type AuthResult struct {
	User   PublicUser `json:"user"`
	Tokens TokenPair  `json:"tokens"`
}

// UserFilter selects users for ListUsers. Zero value means all users, oldest first.
type UserFilter struct {
	Segment     *Segment
	Skip        int
	Take        int // 0 means no limit
	NewestFirst bool
}

type SegmentStat struct {
	Segment    Segment `json:"segment"`
	Count      int     `json:"count"`
	Percentage int     `json:"percentage"`
}

type BulkResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type PercentageResult struct {
	AffectedUsers int    `json:"affectedUsers"`
	Message       string `json:"message"`
}

type UserSegments struct {
	UserID   string    `json:"userId"`
	Email    string    `json:"email"`
	Segments []Segment `json:"segments"`
	JoinedAt time.Time `json:"joinedAt"`
}

type UserPage struct {
	Users      []PublicUser `json:"users"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	TotalPages int          `json:"totalPages"`
}
