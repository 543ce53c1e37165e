package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/amaterasu/apiserver/internal/db"
	"github.com/amaterasu/apiserver/types"
)

// RelationshipRepository handles persistence for follow edges.
type RelationshipRepository struct {
	db db.DBTX
}

func NewRelationshipRepository(conn db.DBTX) *RelationshipRepository {
	return &RelationshipRepository{db: conn}
}

// Create inserts the edge follower -> followed. It reports false when the
// edge already existed, including when a concurrent insert won the race.
func (r *RelationshipRepository) Create(ctx context.Context, followerID, followedID int64) (bool, error) {
	const query = `
		INSERT INTO relationships (follower_id, followed_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (follower_id, followed_id) DO NOTHING`
	result, err := r.db.ExecContext(ctx, query, followerID, followedID, time.Now().UTC())
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Delete removes the edge follower -> followed and reports whether it existed.
func (r *RelationshipRepository) Delete(ctx context.Context, followerID, followedID int64) (bool, error) {
	const query = `DELETE FROM relationships WHERE follower_id = $1 AND followed_id = $2`
	result, err := r.db.ExecContext(ctx, query, followerID, followedID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *RelationshipRepository) Get(ctx context.Context, id int64) (types.Relationship, error) {
	const query = `
		SELECT id, follower_id, followed_id, created_at
		FROM relationships
		WHERE id = $1`
	var rel types.Relationship
	err := r.db.QueryRowContext(ctx, query, id).Scan(&rel.ID, &rel.FollowerID, &rel.FollowedID, &rel.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Relationship{}, ErrNotFound
		}
		return types.Relationship{}, err
	}
	return rel, nil
}

// Find returns the edge follower -> followed.
func (r *RelationshipRepository) Find(ctx context.Context, followerID, followedID int64) (types.Relationship, error) {
	const query = `
		SELECT id, follower_id, followed_id, created_at
		FROM relationships
		WHERE follower_id = $1 AND followed_id = $2`
	var rel types.Relationship
	err := r.db.QueryRowContext(ctx, query, followerID, followedID).Scan(&rel.ID, &rel.FollowerID, &rel.FollowedID, &rel.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Relationship{}, ErrNotFound
		}
		return types.Relationship{}, err
	}
	return rel, nil
}

// Exists is served by the (follower_id, followed_id) unique index.
func (r *RelationshipRepository) Exists(ctx context.Context, followerID, followedID int64) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM relationships WHERE follower_id = $1 AND followed_id = $2
		)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, followerID, followedID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *RelationshipRepository) CountFollowing(ctx context.Context, userID int64) (int, error) {
	const query = `SELECT COUNT(1) FROM relationships WHERE follower_id = $1`
	var n int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *RelationshipRepository) CountFollowers(ctx context.Context, userID int64) (int, error) {
	const query = `SELECT COUNT(1) FROM relationships WHERE followed_id = $1`
	var n int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ListFollowing returns a page of users that userID follows.
func (r *RelationshipRepository) ListFollowing(ctx context.Context, userID int64, offset, limit int) ([]types.User, error) {
	offset, limit = normalizePage(offset, limit)
	query := `
		SELECT ` + prefixedUserColumns + `
		FROM users u
		JOIN relationships r ON r.followed_id = u.id
		WHERE r.follower_id = $1
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT $2 OFFSET $3`
	return r.listUsers(ctx, query, userID, limit, offset)
}

// ListFollowers returns a page of users that follow userID.
func (r *RelationshipRepository) ListFollowers(ctx context.Context, userID int64, offset, limit int) ([]types.User, error) {
	offset, limit = normalizePage(offset, limit)
	query := `
		SELECT ` + prefixedUserColumns + `
		FROM users u
		JOIN relationships r ON r.follower_id = u.id
		WHERE r.followed_id = $1
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT $2 OFFSET $3`
	return r.listUsers(ctx, query, userID, limit, offset)
}

// DeleteByUser removes every edge in which userID is follower or followed.
func (r *RelationshipRepository) DeleteByUser(ctx context.Context, userID int64) (int64, error) {
	const query = `DELETE FROM relationships WHERE follower_id = $1 OR followed_id = $1`
	result, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *RelationshipRepository) listUsers(ctx context.Context, query string, args ...any) ([]types.User, error) {
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

const prefixedUserColumns = `u.id, u.email, u.first_name, u.last_name, u.password_digest, u.admin, u.activated,
		u.activated_at, u.activation_digest, u.activation_sent_at, u.remember_digest, u.reset_digest,
		u.reset_sent_at, u.created_at, u.updated_at`
