package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/amaterasu/apiserver/internal/db"
	"github.com/amaterasu/apiserver/types"
)

// MicropostRepository handles persistence for microposts.
type MicropostRepository struct {
	db db.DBTX
}

func NewMicropostRepository(conn db.DBTX) *MicropostRepository {
	return &MicropostRepository{db: conn}
}

func (r *MicropostRepository) Create(ctx context.Context, post types.Micropost) (types.Micropost, error) {
	post.CreatedAt = time.Now().UTC()

	const query = `
		INSERT INTO microposts (user_id, content, picture_key, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	if err := r.db.QueryRowContext(ctx, query, post.UserID, post.Content, post.PictureKey, post.CreatedAt).Scan(&post.ID); err != nil {
		return types.Micropost{}, err
	}
	return post, nil
}

func (r *MicropostRepository) Get(ctx context.Context, id int64) (types.Micropost, error) {
	const query = `
		SELECT id, user_id, content, picture_key, created_at
		FROM microposts
		WHERE id = $1`
	var post types.Micropost
	err := r.db.QueryRowContext(ctx, query, id).Scan(&post.ID, &post.UserID, &post.Content, &post.PictureKey, &post.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Micropost{}, ErrNotFound
		}
		return types.Micropost{}, err
	}
	return post, nil
}

func (r *MicropostRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM microposts WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return expectOne(result)
}

// ListByUser returns a page of the user's microposts, newest first.
func (r *MicropostRepository) ListByUser(ctx context.Context, userID int64, offset, limit int) ([]types.Micropost, error) {
	offset, limit = normalizePage(offset, limit)
	const query = `
		SELECT id, user_id, content, picture_key, created_at
		FROM microposts
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	return r.list(ctx, query, userID, limit, offset)
}

func (r *MicropostRepository) CountByUser(ctx context.Context, userID int64) (int, error) {
	const query = `SELECT COUNT(1) FROM microposts WHERE user_id = $1`
	var n int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Feed returns microposts authored by userID or by anyone userID currently
// follows, newest first. Edges are read at query time.
func (r *MicropostRepository) Feed(ctx context.Context, userID int64, offset, limit int) ([]types.Micropost, error) {
	offset, limit = normalizePage(offset, limit)
	const query = `
		SELECT id, user_id, content, picture_key, created_at
		FROM microposts
		WHERE user_id = $1
			OR user_id IN (SELECT followed_id FROM relationships WHERE follower_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	return r.list(ctx, query, userID, limit, offset)
}

// PictureKeysByUser lists the object keys of every picture the user attached.
func (r *MicropostRepository) PictureKeysByUser(ctx context.Context, userID int64) ([]string, error) {
	const query = `SELECT picture_key FROM microposts WHERE user_id = $1 AND picture_key IS NOT NULL`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *MicropostRepository) DeleteByUser(ctx context.Context, userID int64) (int64, error) {
	const query = `DELETE FROM microposts WHERE user_id = $1`
	result, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *MicropostRepository) list(ctx context.Context, query string, args ...any) ([]types.Micropost, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := make([]types.Micropost, 0)
	for rows.Next() {
		var post types.Micropost
		if err := rows.Scan(&post.ID, &post.UserID, &post.Content, &post.PictureKey, &post.CreatedAt); err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return posts, nil
}
