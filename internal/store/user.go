package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/amaterasu/apiserver/internal/db"
	"github.com/amaterasu/apiserver/types"
)

const userColumns = `id, email, first_name, last_name, password_digest, admin, activated, activated_at,
		activation_digest, activation_sent_at, remember_digest, reset_digest, reset_sent_at,
		created_at, updated_at`

// UserRepository handles persistence for users.
type UserRepository struct {
	db db.DBTX
}

func NewUserRepository(conn db.DBTX) *UserRepository {
	return &UserRepository{db: conn}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (types.User, error) {
	var user types.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.FirstName,
		&user.LastName,
		&user.PasswordDigest,
		&user.Admin,
		&user.Activated,
		&user.ActivatedAt,
		&user.ActivationDigest,
		&user.ActivationSentAt,
		&user.RememberDigest,
		&user.ResetDigest,
		&user.ResetSentAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

// GetByEmail looks a user up by email, ignoring case.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, strings.ToLower(email)))
}

// Create inserts a user. A duplicate email yields ErrConflict.
func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := time.Now().UTC()
	user.Email = strings.ToLower(user.Email)
	user.CreatedAt = now
	user.UpdatedAt = now

	const query = `
		INSERT INTO users (email, first_name, last_name, password_digest, admin, activated, activated_at,
			activation_digest, activation_sent_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		user.Email,
		user.FirstName,
		user.LastName,
		user.PasswordDigest,
		user.Admin,
		user.Activated,
		user.ActivatedAt,
		user.ActivationDigest,
		user.ActivationSentAt,
		user.CreatedAt,
		user.UpdatedAt,
	).Scan(&user.ID); err != nil {
		if IsUniqueViolation(err) {
			return types.User{}, ErrConflict
		}
		return types.User{}, err
	}
	return user, nil
}

// Update writes the profile attributes and password digest. Admin,
// activation and token columns are left untouched.
func (r *UserRepository) Update(ctx context.Context, user types.User) (types.User, error) {
	user.Email = strings.ToLower(user.Email)
	user.UpdatedAt = time.Now().UTC()

	const query = `
		UPDATE users
		SET email = $1,
			first_name = $2,
			last_name = $3,
			password_digest = $4,
			updated_at = $5
		WHERE id = $6`
	result, err := r.db.ExecContext(
		ctx,
		query,
		user.Email,
		user.FirstName,
		user.LastName,
		user.PasswordDigest,
		user.UpdatedAt,
		user.ID,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return types.User{}, ErrConflict
		}
		return types.User{}, err
	}
	if err := expectOne(result); err != nil {
		return types.User{}, err
	}
	return user, nil
}

// SetRememberDigest stores or clears (nil) the remember digest.
func (r *UserRepository) SetRememberDigest(ctx context.Context, id int64, digest *string) error {
	const query = `UPDATE users SET remember_digest = $1 WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, digest, id)
	if err != nil {
		return err
	}
	return expectOne(result)
}

// SetActivationDigest replaces the pending activation digest and its issue time.
func (r *UserRepository) SetActivationDigest(ctx context.Context, id int64, digest string, sentAt time.Time) error {
	const query = `UPDATE users SET activation_digest = $1, activation_sent_at = $2 WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, digest, sentAt.UTC(), id)
	if err != nil {
		return err
	}
	return expectOne(result)
}

// Activate marks the user active only if the stored activation digest still
// equals digest, so a token can be consumed at most once. It reports whether
// the row was updated.
func (r *UserRepository) Activate(ctx context.Context, id int64, digest string, at time.Time) (bool, error) {
	const query = `
		UPDATE users
		SET activated = $1,
			activated_at = $2,
			activation_digest = NULL,
			activation_sent_at = NULL,
			updated_at = $2
		WHERE id = $3 AND activated = $4 AND activation_digest = $5`
	result, err := r.db.ExecContext(ctx, query, true, at.UTC(), id, false, digest)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// SetResetDigest replaces the pending password reset digest and its issue time.
func (r *UserRepository) SetResetDigest(ctx context.Context, id int64, digest string, sentAt time.Time) error {
	const query = `UPDATE users SET reset_digest = $1, reset_sent_at = $2 WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, digest, sentAt.UTC(), id)
	if err != nil {
		return err
	}
	return expectOne(result)
}

// ResetPassword swaps the password digest if the reset digest still matches,
// consuming the reset token and dropping any remember digest.
func (r *UserRepository) ResetPassword(ctx context.Context, id int64, resetDigest, passwordDigest string) (bool, error) {
	const query = `
		UPDATE users
		SET password_digest = $1,
			reset_digest = NULL,
			reset_sent_at = NULL,
			remember_digest = NULL,
			updated_at = $2
		WHERE id = $3 AND reset_digest = $4`
	result, err := r.db.ExecContext(ctx, query, passwordDigest, time.Now().UTC(), id, resetDigest)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *UserRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM users WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return expectOne(result)
}

// ListActivated returns a page of activated users ordered by id and the
// total number of activated users.
func (r *UserRepository) ListActivated(ctx context.Context, offset, limit int) ([]types.User, int, error) {
	offset, limit = normalizePage(offset, limit)

	const countQuery = `SELECT COUNT(1) FROM users WHERE activated = $1`
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, true).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT ` + userColumns + `
		FROM users
		WHERE activated = $1
		ORDER BY id
		LIMIT $2 OFFSET $3`
	users, err := r.query(ctx, listQuery, true, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func (r *UserRepository) query(ctx context.Context, query string, args ...any) ([]types.User, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]types.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func expectOne(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizePage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return offset, limit
}
