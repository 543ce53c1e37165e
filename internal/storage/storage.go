package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/amaterasu/apiserver/config"
	"github.com/google/uuid"
)

// ErrObjectNotFound is returned by Get for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// MaxPictureSize is the largest picture accepted for a micropost.
const MaxPictureSize = 5 << 20

var pictureExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
}

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Bucket() string
}

// Upload is a picture received from a client.
type Upload struct {
	Body        io.Reader
	Size        int64
	ContentType string
}

// ValidateUpload checks the picture format and size.
func ValidateUpload(u Upload) error {
	if _, ok := pictureExtensions[u.ContentType]; !ok {
		return errors.New("must be a JPEG, PNG or GIF image")
	}
	if u.Size <= 0 {
		return errors.New("must not be empty")
	}
	if u.Size > MaxPictureSize {
		return fmt.Errorf("should be less than %dMB", MaxPictureSize>>20)
	}
	return nil
}

// PictureContentType derives the content type from a picture key's extension.
func PictureContentType(key string) string {
	ext := path.Ext(key)
	for contentType, e := range pictureExtensions {
		if e == ext {
			return contentType
		}
	}
	return "application/octet-stream"
}

// Pictures stores micropost pictures under per-user random keys.
type Pictures struct {
	backend ObjectStorage
}

// NewPictures wraps an ObjectStorage backend.
func NewPictures(backend ObjectStorage) *Pictures {
	return &Pictures{backend: backend}
}

// Save uploads the picture and returns its object key.
func (p *Pictures) Save(ctx context.Context, userID int64, u Upload) (string, error) {
	if err := ValidateUpload(u); err != nil {
		return "", err
	}
	key := path.Join("microposts", fmt.Sprint(userID), uuid.NewString()+pictureExtensions[u.ContentType])
	if err := p.backend.Put(ctx, key, io.LimitReader(u.Body, u.Size), u.Size, u.ContentType); err != nil {
		return "", fmt.Errorf("upload picture: %w", err)
	}
	return key, nil
}

// Open returns a reader for a stored picture.
func (p *Pictures) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return p.backend.Get(ctx, key)
}

// Remove deletes every key, continuing past failures. The returned error
// joins all failures.
func (p *Pictures) Remove(ctx context.Context, keys ...string) error {
	var errs []error
	for _, key := range keys {
		if err := p.backend.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// Bucket returns the configured bucket name.
func (p *Pictures) Bucket() string {
	return p.backend.Bucket()
}

// NewBackend builds the configured object storage backend and makes sure its
// bucket exists. It returns nil when storage is disabled.
func NewBackend(ctx context.Context, cfg config.StorageConfig) (ObjectStorage, error) {
	var (
		backend ObjectStorage
		err     error
	)
	switch cfg.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendMinio:
		backend, err = NewMinioClient(cfg.Minio)
	case config.BackendGCS:
		backend, err = NewGCSClient(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if err := backend.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", backend.Bucket(), err)
	}
	return backend, nil
}
