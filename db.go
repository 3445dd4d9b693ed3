package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DB is the credential store. Lookups return (nil, nil) when no user matches.
type DB interface {
	Init() error
	// User operations
	CreateUser(ctx context.Context, email, passwordHash string, role Role) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	CountUsers(ctx context.Context) (int, error)
	ListUsers(ctx context.Context, f UserFilter) ([]*User, error)
	// Refresh session operations
	SetRefreshFingerprint(ctx context.Context, id, fp string) error
	// SwapRefreshFingerprint replaces expected with next and reports whether
	// the stored value was still expected.
	SwapRefreshFingerprint(ctx context.Context, id, expected, next string) (bool, error)
	// ClearRefreshFingerprint nulls the fingerprint only if one is set.
	ClearRefreshFingerprint(ctx context.Context, id string) error
	// Segment operations; the bool reports whether membership changed.
	AddSegment(ctx context.Context, id string, s Segment) (bool, error)
	RemoveSegment(ctx context.Context, id string, s Segment) (bool, error)
}

// Memory DB
type MemDB struct {
	mu      sync.RWMutex
	users   map[string]*User // by id
	byEmail map[string]string
}

func NewMemoryDB() *MemDB {
	return &MemDB{users: map[string]*User{}, byEmail: map[string]string{}}
}

func (m *MemDB) Init() error { return nil }

func cloneUser(u *User) *User {
	c := *u
	c.Segments = slices.Clone(u.Segments)
	if u.RefreshFingerprint != nil {
		fp := *u.RefreshFingerprint
		c.RefreshFingerprint = &fp
	}
	return &c
}

func (m *MemDB) CreateUser(_ context.Context, email, passwordHash string, role Role) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[email]; ok {
		return nil, fmt.Errorf("%w: user with email %s already exists", ErrConflict, email)
	}
	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		Segments:     []Segment{},
		CreatedAt:    time.Now().UTC(),
	}
	m.users[u.ID] = u
	m.byEmail[email] = u.ID
	return cloneUser(u), nil
}

func (m *MemDB) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byEmail[email]; ok {
		return cloneUser(m.users[id]), nil
	}
	return nil, nil
}

func (m *MemDB) GetUserByID(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		return cloneUser(u), nil
	}
	return nil, nil
}

func (m *MemDB) UpdatePassword(_ context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m *MemDB) CountUsers(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

func (m *MemDB) ListUsers(_ context.Context, f UserFilter) ([]*User, error) {
	m.mu.RLock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		if f.Segment != nil && !u.HasSegment(*f.Segment) {
			continue
		}
		out = append(out, cloneUser(u))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if f.NewestFirst {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return paginate(out, f.Skip, f.Take), nil
}

func paginate(users []*User, skip, take int) []*User {
	if skip >= len(users) {
		return []*User{}
	}
	users = users[max(skip, 0):]
	if take > 0 && take < len(users) {
		users = users[:take]
	}
	return users
}

func (m *MemDB) SetRefreshFingerprint(_ context.Context, id, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	u.RefreshFingerprint = &fp
	return nil
}

func (m *MemDB) SwapRefreshFingerprint(_ context.Context, id, expected, next string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.RefreshFingerprint == nil || *u.RefreshFingerprint != expected {
		return false, nil
	}
	u.RefreshFingerprint = &next
	return true, nil
}

func (m *MemDB) ClearRefreshFingerprint(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok && u.RefreshFingerprint != nil {
		u.RefreshFingerprint = nil
	}
	return nil
}

func (m *MemDB) AddSegment(_ context.Context, id string, s Segment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return false, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	if u.HasSegment(s) {
		return false, nil
	}
	u.Segments = append(u.Segments, s)
	return true, nil
}

func (m *MemDB) RemoveSegment(_ context.Context, id string, s Segment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return false, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	i := slices.Index(u.Segments, s)
	if i < 0 {
		return false, nil
	}
	u.Segments = slices.Delete(u.Segments, i, i+1)
	return true, nil
}

// SQLite DB
type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers and keeps :memory: databases shared
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'USER',
			refresh_fingerprint TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS user_segments (
			user_id TEXT NOT NULL REFERENCES users(id),
			segment TEXT NOT NULL,
			PRIMARY KEY (user_id, segment)
		);`,
		`CREATE INDEX IF NOT EXISTS user_segments_segment_idx ON user_segments(segment);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// fixed width so that created_at sorts chronologically as text
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteUserColumns = `u.id, u.email, u.password_hash, u.role, u.refresh_fingerprint, u.created_at,
	COALESCE((SELECT group_concat(segment, ',') FROM user_segments s WHERE s.user_id = u.id), '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteUser(row rowScanner) (*User, error) {
	var (
		u        User
		role     string
		fp       sql.NullString
		created  string
		segments string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &fp, &created, &segments); err != nil {
		return nil, err
	}
	r, err := parseRole(role)
	if err != nil {
		return nil, err
	}
	u.Role = r
	if fp.Valid {
		u.RefreshFingerprint = &fp.String
	}
	if u.CreatedAt, err = time.Parse(sqliteTimeLayout, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	u.Segments = splitSegments(segments)
	return &u, nil
}

func splitSegments(s string) []Segment {
	out := []Segment{}
	if s == "" {
		return out
	}
	for _, p := range strings.Split(s, ",") {
		out = append(out, Segment(p))
	}
	slices.Sort(out)
	return out
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteDB) CreateUser(ctx context.Context, email, passwordHash string, role Role) (*User, error) {
	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		Segments:     []Segment{},
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(id,email,password_hash,role,created_at) VALUES(?,?,?,?,?)`,
		u.ID, u.Email, u.PasswordHash, string(u.Role), u.CreatedAt.Format(sqliteTimeLayout))
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, fmt.Errorf("%w: user with email %s already exists", ErrConflict, email)
		}
		return nil, err
	}
	return u, nil
}

func (s *SQLiteDB) getUser(ctx context.Context, where string, arg any) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users u WHERE `+where, arg)
	u, err := scanSQLiteUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

func (s *SQLiteDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, `u.email = ?`, email)
}

func (s *SQLiteDB) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, `u.id = ?`, id)
}

func (s *SQLiteDB) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteDB) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *SQLiteDB) ListUsers(ctx context.Context, f UserFilter) ([]*User, error) {
	q := `SELECT ` + sqliteUserColumns + ` FROM users u`
	var args []any
	if f.Segment != nil {
		q += ` WHERE EXISTS (SELECT 1 FROM user_segments s WHERE s.user_id = u.id AND s.segment = ?)`
		args = append(args, string(*f.Segment))
	}
	if f.NewestFirst {
		q += ` ORDER BY u.created_at DESC, u.id`
	} else {
		q += ` ORDER BY u.created_at, u.id`
	}
	limit := -1
	if f.Take > 0 {
		limit = f.Take
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Skip, 0))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := []*User{}
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteDB) SetRefreshFingerprint(ctx context.Context, id, fp string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET refresh_fingerprint = ? WHERE id = ?`, fp, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteDB) SwapRefreshFingerprint(ctx context.Context, id, expected, next string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET refresh_fingerprint = ? WHERE id = ? AND refresh_fingerprint = ?`, next, id, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteDB) ClearRefreshFingerprint(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET refresh_fingerprint = NULL WHERE id = ? AND refresh_fingerprint IS NOT NULL`, id)
	return err
}

func (s *SQLiteDB) AddSegment(ctx context.Context, id string, seg Segment) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO user_segments(user_id, segment) SELECT id, ? FROM users WHERE id = ? ON CONFLICT DO NOTHING`, string(seg), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteDB) RemoveSegment(ctx context.Context, id string, seg Segment) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_segments WHERE user_id = ? AND segment = ?`, id, string(seg))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }

func (s *SQLiteDB) close() error { return s.db.Close() }
func (s *SQLiteDB) ping() bool   { return s.db.Ping() == nil }

func (s *SQLiteDB) SegmentCounts(ctx context.Context) (map[Segment]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT segment, COUNT(*) FROM user_segments GROUP BY segment`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[Segment]int{}
	for rows.Next() {
		var seg string
		var n int
		if err := rows.Scan(&seg, &n); err != nil {
			return nil, err
		}
		if slices.Contains(AllSegments, Segment(seg)) {
			counts[Segment(seg)] = n
		}
	}
	return counts, rows.Err()
}
