package services

import (
	"context"
	"log/slog"
	"strings"

	"github.com/amaterasu/apiserver/internal/storage"
	"github.com/amaterasu/apiserver/internal/store"
	"github.com/amaterasu/apiserver/types"
)

// PictureStore keeps micropost pictures in object storage.
type PictureStore interface {
	Save(ctx context.Context, userID int64, upload storage.Upload) (string, error)
	Remove(ctx context.Context, keys ...string) error
}

// MicropostService manages the content owned by users.
type MicropostService struct {
	store    Store
	pictures PictureStore
	log      *slog.Logger
}

// NewMicropostService wires the service. pictures may be nil, in which case
// attaching a picture fails with ErrPicturesDisabled.
func NewMicropostService(st Store, pictures PictureStore, log *slog.Logger) *MicropostService {
	return &MicropostService{store: st, pictures: pictures, log: log}
}

// Create stores a micropost for authorID with an optional picture.
func (s *MicropostService) Create(ctx context.Context, authorID int64, content string, picture *storage.Upload) (types.Micropost, error) {
	content = strings.TrimSpace(content)
	if err := validateMicropostContent(content); err != nil {
		return types.Micropost{}, err
	}

	post := types.Micropost{UserID: authorID, Content: content}
	if picture != nil {
		if s.pictures == nil {
			return types.Micropost{}, ErrPicturesDisabled
		}
		if err := storage.ValidateUpload(*picture); err != nil {
			return types.Micropost{}, fieldError("picture", err.Error())
		}
		key, err := s.pictures.Save(ctx, authorID, *picture)
		if err != nil {
			return types.Micropost{}, err
		}
		post.PictureKey = &key
	}

	var created types.Micropost
	err := s.store.InTx(ctx, func(ctx context.Context, repos store.Repos) error {
		var err error
		created, err = repos.Microposts.Create(ctx, post)
		return err
	})
	if err != nil {
		if post.PictureKey != nil {
			s.removePictures(ctx, *post.PictureKey)
		}
		return types.Micropost{}, err
	}
	return created, nil
}

// Delete removes a micropost owned by actorID.
func (s *MicropostService) Delete(ctx context.Context, actorID, id int64) error {
	var post types.Micropost
	err := s.store.InTx(ctx, func(ctx context.Context, repos store.Repos) error {
		var err error
		post, err = repos.Microposts.Get(ctx, id)
		if err != nil {
			return err
		}
		if post.UserID != actorID {
			return ErrForbidden
		}
		return repos.Microposts.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	if post.PictureKey != nil {
		s.removePictures(ctx, *post.PictureKey)
	}
	return nil
}

func (s *MicropostService) Get(ctx context.Context, id int64) (types.Micropost, error) {
	return s.store.Repositories().Microposts.Get(ctx, id)
}

// ListByUser returns a page of the user's microposts, newest first.
func (s *MicropostService) ListByUser(ctx context.Context, userID int64, offset, limit int) ([]types.Micropost, error) {
	if _, err := s.store.Repositories().Users.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.Repositories().Microposts.ListByUser(ctx, userID, offset, limit)
}

func (s *MicropostService) removePictures(ctx context.Context, keys ...string) {
	if s.pictures == nil {
		return
	}
	if err := s.pictures.Remove(ctx, keys...); err != nil {
		s.log.WarnContext(ctx, "failed to remove micropost pictures", "keys", keys, "error", err)
	}
}
