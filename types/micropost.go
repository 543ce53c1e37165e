package types

import "time"

// Micropost is a short piece of content owned by exactly one user.
type Micropost struct {
	ID      int64  `json:"id" db:"id"`
	UserID  int64  `json:"user_id" db:"user_id"`
	Content string `json:"content" db:"content"`

	// PictureKey is the object storage key of an attached picture, if any.
	PictureKey *string `json:"picture_key,omitempty" db:"picture_key"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
