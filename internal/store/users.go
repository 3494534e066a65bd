package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"filebot/internal/domain"
)

const userColumns = `id, platform_user_id, username, first_name, last_name, email, active, state, version, created_at, updated_at`

// Users implements domain.UserRepository on SQLite.
type Users struct {
	db *sql.DB
}

var _ domain.UserRepository = (*Users)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.UserRecord, error) {
	var (
		u     domain.UserRecord
		email sql.NullString
		state string
	)
	err := row.Scan(&u.ID, &u.PlatformUserID, &u.Username, &u.FirstName, &u.LastName,
		&email, &u.Active, &state, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if email.Valid {
		u.Email = &email.String
	}
	u.State = domain.UserState(state)
	return &u, nil
}

func (r *Users) findOne(ctx context.Context, where string, arg any) (*domain.UserRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

func (r *Users) FindByID(ctx context.Context, id uint64) (*domain.UserRecord, error) {
	return r.findOne(ctx, "id = ?", int64(id))
}

func (r *Users) FindByPlatformID(ctx context.Context, platformUserID int64) (*domain.UserRecord, error) {
	return r.findOne(ctx, "platform_user_id = ?", platformUserID)
}

func (r *Users) FindByEmail(ctx context.Context, email string) (*domain.UserRecord, error) {
	return r.findOne(ctx, "email = ?", email)
}

// FindOrCreate inserts u unless a record with the same platform id exists,
// then returns whatever is stored. Concurrent first sightings converge on
// one row.
func (r *Users) FindOrCreate(ctx context.Context, u domain.UserRecord) (*domain.UserRecord, error) {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}
	if u.State == "" {
		u.State = domain.StateBasic
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (platform_user_id, username, first_name, last_name, email, active, state, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(platform_user_id) DO NOTHING`,
		u.PlatformUserID, u.Username, u.FirstName, u.LastName, nullString(u.Email),
		u.Active, string(u.State), u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user %d: %w", u.PlatformUserID, err)
	}

	stored, err := r.FindByPlatformID(ctx, u.PlatformUserID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("user %d vanished after insert: %w", u.PlatformUserID, domain.ErrNotFound)
	}
	return stored, nil
}

// Update performs a compare-and-set on the version column.
func (r *Users) Update(ctx context.Context, u *domain.UserRecord) error {
	if u == nil {
		return domain.ErrMalformedInput
	}
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx,
		`UPDATE users
		    SET username = ?, first_name = ?, last_name = ?, email = ?, active = ?, state = ?,
		        version = version + 1, updated_at = ?
		  WHERE id = ? AND version = ?`,
		u.Username, u.FirstName, u.LastName, nullString(u.Email), u.Active, string(u.State),
		now, int64(u.ID), u.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrEmailTaken
		}
		return fmt.Errorf("update user %d: %w", u.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user %d: %w", u.ID, err)
	}
	if n == 0 {
		existing, err := r.FindByID(ctx, u.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("user %d: %w", u.ID, domain.ErrNotFound)
		}
		return domain.ErrVersionConflict
	}

	u.Version++
	u.UpdatedAt = now
	return nil
}

// List returns users ordered by id. limit <= 0 returns all rows.
func (r *Users) List(ctx context.Context, limit int) ([]domain.UserRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []domain.UserRecord
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
