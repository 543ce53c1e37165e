package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/amaterasu/apiserver/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) EnsureBucket(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockBackend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	body, _ := io.ReadAll(r)
	return m.Called(ctx, key, string(body), size, contentType).Error(0)
}

func (m *mockBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	args := m.Called(ctx, key)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1)
}

func (m *mockBackend) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *mockBackend) Bucket() string {
	return "pictures"
}

func TestValidateUpload(t *testing.T) {
	assert.NoError(t, ValidateUpload(Upload{Size: 10, ContentType: "image/png"}))
	assert.Error(t, ValidateUpload(Upload{Size: 10, ContentType: "application/pdf"}))
	assert.Error(t, ValidateUpload(Upload{Size: 0, ContentType: "image/png"}))
	assert.Error(t, ValidateUpload(Upload{Size: MaxPictureSize + 1, ContentType: "image/jpeg"}))
}

func TestPictures_Save(t *testing.T) {
	backend := &mockBackend{}
	backend.On("Put", mock.Anything, mock.MatchedBy(func(key string) bool {
		return strings.HasPrefix(key, "microposts/7/") && strings.HasSuffix(key, ".png")
	}), "png-bytes", int64(9), "image/png").Return(nil).Once()

	key, err := NewPictures(backend).Save(context.Background(), 7, Upload{
		Body:        strings.NewReader("png-bytes"),
		Size:        9,
		ContentType: "image/png",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "microposts/7/"))
	backend.AssertExpectations(t)
}

func TestPictures_SaveRejectsInvalid(t *testing.T) {
	backend := &mockBackend{}
	_, err := NewPictures(backend).Save(context.Background(), 7, Upload{
		Body:        strings.NewReader("%PDF"),
		Size:        4,
		ContentType: "application/pdf",
	})
	require.Error(t, err)
	backend.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPictures_RemoveContinuesPastFailures(t *testing.T) {
	backend := &mockBackend{}
	backend.On("Delete", mock.Anything, "a").Return(errors.New("unavailable")).Once()
	backend.On("Delete", mock.Anything, "b").Return(nil).Once()

	err := NewPictures(backend).Remove(context.Background(), "a", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete a")
	backend.AssertExpectations(t)
}

func TestNewBackend_Disabled(t *testing.T) {
	backend, err := NewBackend(context.Background(), config.StorageConfig{Backend: config.BackendNone})
	require.NoError(t, err)
	assert.Nil(t, backend)
}

func TestNewBackend_MinioRequiresEndpoint(t *testing.T) {
	_, err := NewBackend(context.Background(), config.StorageConfig{Backend: config.BackendMinio})
	require.Error(t, err)
}

func TestPictureContentType(t *testing.T) {
	assert.Equal(t, "image/png", PictureContentType("microposts/1/abc.png"))
	assert.Equal(t, "image/jpeg", PictureContentType("microposts/1/abc.jpg"))
	assert.Equal(t, "application/octet-stream", PictureContentType("microposts/1/abc"))
}
