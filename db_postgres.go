package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// rely on migrations to create tables; just verify connectivity
	if err := p.db.Ping(); err != nil {
		return err
	}
	return nil
}

const pgUserColumns = `u.id, u.email, u.password_hash, u.role, u.refresh_fingerprint, u.created_at,
	COALESCE(ARRAY(SELECT s.segment FROM user_segments s WHERE s.user_id = u.id ORDER BY s.segment), '{}')`

func scanPostgresUser(row rowScanner) (*User, error) {
	var (
		u        User
		role     string
		fp       sql.NullString
		segments []string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &fp, &u.CreatedAt, pq.Array(&segments)); err != nil {
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
	u.Segments = make([]Segment, 0, len(segments))
	for _, s := range segments {
		u.Segments = append(u.Segments, Segment(s))
	}
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresDB) CreateUser(ctx context.Context, email, passwordHash string, role Role) (*User, error) {
	u := &User{ID: uuid.NewString(), Email: email, PasswordHash: passwordHash, Role: role, Segments: []Segment{}}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO users(id,email,password_hash,role,created_at) VALUES($1,$2,$3,$4,now()) RETURNING created_at`,
		u.ID, email, passwordHash, string(role)).Scan(&u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: user with email %s already exists", ErrConflict, email)
		}
		return nil, err
	}
	return u, nil
}

func (p *PostgresDB) getUser(ctx context.Context, where string, arg any) (*User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+pgUserColumns+` FROM users u WHERE `+where, arg)
	u, err := scanPostgresUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

func (p *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return p.getUser(ctx, `u.email = $1`, email)
}

func (p *PostgresDB) GetUserByID(ctx context.Context, id string) (*User, error) {
	if _, err := uuid.Parse(id); err != nil {
		// the id column is uuid; anything else cannot match
		return nil, nil
	}
	return p.getUser(ctx, `u.id = $1`, id)
}

func (p *PostgresDB) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, passwordHash, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return nil
}

func (p *PostgresDB) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (p *PostgresDB) ListUsers(ctx context.Context, f UserFilter) ([]*User, error) {
	q := `SELECT ` + pgUserColumns + ` FROM users u`
	args := []any{}
	if f.Segment != nil {
		args = append(args, string(*f.Segment))
		q += fmt.Sprintf(` WHERE EXISTS (SELECT 1 FROM user_segments s WHERE s.user_id = u.id AND s.segment = $%d)`, len(args))
	}
	if f.NewestFirst {
		q += ` ORDER BY u.created_at DESC, u.id`
	} else {
		q += ` ORDER BY u.created_at, u.id`
	}
	if f.Take > 0 {
		args = append(args, f.Take)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	args = append(args, max(f.Skip, 0))
	q += fmt.Sprintf(` OFFSET $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := []*User{}
	for rows.Next() {
		u, err := scanPostgresUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *PostgresDB) SetRefreshFingerprint(ctx context.Context, id, fp string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET refresh_fingerprint = $1 WHERE id = $2`, fp, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return nil
}

func (p *PostgresDB) SwapRefreshFingerprint(ctx context.Context, id, expected, next string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET refresh_fingerprint = $1 WHERE id = $2 AND refresh_fingerprint = $3`, next, id, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresDB) ClearRefreshFingerprint(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE users SET refresh_fingerprint = NULL WHERE id = $1 AND refresh_fingerprint IS NOT NULL`, id)
	return err
}

func (p *PostgresDB) AddSegment(ctx context.Context, id string, seg Segment) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO user_segments(user_id, segment) VALUES($1,$2) ON CONFLICT DO NOTHING`, id, string(seg))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return false, fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresDB) RemoveSegment(ctx context.Context, id string, seg Segment) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM user_segments WHERE user_id = $1 AND segment = $2`, id, string(seg))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SegmentCounts aggregates membership server side; SegmentService uses it when available.
func (p *PostgresDB) SegmentCounts(ctx context.Context) (map[Segment]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT segment, COUNT(*) FROM user_segments GROUP BY segment`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[Segment]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		if slices.Contains(AllSegments, Segment(s)) {
			counts[Segment(s)] = n
		}
	}
	return counts, rows.Err()
}

func (p *PostgresDB) close() error { return p.db.Close() }
func (p *PostgresDB) ping() bool   { return p.db.Ping() == nil }
