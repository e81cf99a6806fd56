package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound  = errors.New("user not found")
	ErrDuplicate = errors.New("username or email already taken")
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, u *User) (*User, error) {
	u.ID = uuid.NewString()
	query := `INSERT INTO users (id, username, email, password) VALUES ($1, $2, $3, $4)
		RETURNING created_at, last_seen`

	err := r.db.QueryRowContext(ctx, query, u.ID, u.Username, strings.ToLower(u.Email), u.Password).
		Scan(&u.CreatedAt, &u.LastSeen)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return r.getOne(ctx, "email = $1", strings.ToLower(email))
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	return r.getOne(ctx, "id = $1", id)
}

func (r *Repository) getOne(ctx context.Context, where string, arg any) (*User, error) {
	u := &User{}
	var avatar sql.NullString
	query := `SELECT id, username, email, password, avatar, is_online, last_seen, created_at
		FROM users WHERE ` + where

	err := r.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Username, &u.Email, &u.Password, &avatar, &u.IsOnline, &u.LastSeen, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Avatar = avatar.String
	return u, nil
}

// SearchUsers matches username or email, excluding the caller.
func (r *Repository) SearchUsers(ctx context.Context, query, excludeID string) ([]Summary, error) {
	// We limit to 10 to keep it fast
	return r.summaries(ctx, `SELECT id, username, avatar, is_online, last_seen FROM users
		WHERE (username ILIKE $1 OR email ILIKE $1) AND id <> $2
		ORDER BY username LIMIT 10`, "%"+query+"%", excludeID)
}

func (r *Repository) summaries(ctx context.Context, query string, args ...any) ([]Summary, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []Summary{}
	for rows.Next() {
		var s Summary
		var avatar sql.NullString
		if err := rows.Scan(&s.ID, &s.Username, &avatar, &s.IsOnline, &s.LastSeen); err != nil {
			return nil, err
		}
		s.Avatar = avatar.String
		users = append(users, s)
	}
	return users, rows.Err()
}

// ListUsers returns every user but the caller, by username.
func (r *Repository) ListUsers(ctx context.Context, excludeID string) ([]Summary, error) {
	return r.summaries(ctx, `SELECT id, username, avatar, is_online, last_seen FROM users
		WHERE id <> $1 ORDER BY username`, excludeID)
}

// UpdateProfile sets the non-empty fields and returns the updated user.
func (r *Repository) UpdateProfile(ctx context.Context, id, username, avatar string) (*User, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET
			username = COALESCE(NULLIF($2, ''), username),
			avatar = COALESCE(NULLIF($3, ''), avatar)
		WHERE id = $1`, id, username, avatar)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("update profile: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	return r.GetUserByID(ctx, id)
}

// SetOnline flips the stored online flag when a user's first connection opens.
func (r *Repository) SetOnline(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET is_online = TRUE WHERE id = $1`, userID)
	return err
}

// PersistLastSeen clears the online flag and stamps last_seen once the user's
// last connection closes.
func (r *Repository) PersistLastSeen(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_online = FALSE, last_seen = $2 WHERE id = $1`, userID, at)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
