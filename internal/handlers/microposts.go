package handlers

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/amaterasu/apiserver/internal/services"
	"github.com/amaterasu/apiserver/internal/storage"
	"github.com/go-chi/chi/v5"
)

const (
	maxMultipartMemory = storage.MaxPictureSize + 1<<20
	formFieldContent   = "content"
	formFieldPicture   = "picture"
	sniffLen           = 512
)

// MicropostHandler serves micropost creation, deletion, pictures and the feed.
type MicropostHandler struct {
	microposts *services.MicropostService
	graph      *services.GraphService
	pictures   *storage.Pictures
	sessions   *Sessions
}

// NewMicropostHandler constructs the handler. pictures may be nil when
// object storage is disabled.
func NewMicropostHandler(microposts *services.MicropostService, graph *services.GraphService, pictures *storage.Pictures, sessions *Sessions) *MicropostHandler {
	return &MicropostHandler{microposts: microposts, graph: graph, pictures: pictures, sessions: sessions}
}

// MicropostRouter registers micropost routes on the given router.
func MicropostRouter(r chi.Router, h *MicropostHandler) {
	r.With(h.sessions.RequireUser).Post("/", h.CreateMicropost)
	r.Route("/{micropostID}", func(r chi.Router) {
		r.Get("/picture", h.GetPicture)
		r.With(h.sessions.RequireUser).Delete("/", h.DeleteMicropost)
	})
}

// CreateMicropost accepts JSON or a multipart form carrying an optional picture.
func (h *MicropostHandler) CreateMicropost(w http.ResponseWriter, r *http.Request) {
	var (
		content string
		upload  *storage.Upload
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxMultipartMemory)
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		content = r.FormValue(formFieldContent)

		file, header, err := r.FormFile(formFieldPicture)
		switch {
		case errors.Is(err, http.ErrMissingFile):
		case err != nil:
			writeError(w, http.StatusBadRequest, "failed to read picture")
			return
		default:
			defer file.Close()
			upload, err = pictureUpload(file, header.Size)
			if err != nil {
				writeError(w, http.StatusBadRequest, "failed to read picture")
				return
			}
		}
	} else {
		var req CreateMicropostRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		content = req.Content
	}

	actor, _ := currentUser(r.Context())
	post, err := h.microposts.Create(r.Context(), actor.ID, content, upload)
	if err != nil {
		writeServiceError(w, err, "failed to create micropost")
		return
	}

	writeJSON(w, http.StatusCreated, post)
}

func (h *MicropostHandler) DeleteMicropost(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "micropostID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor, _ := currentUser(r.Context())
	if err := h.microposts.Delete(r.Context(), actor.ID, id); err != nil {
		writeServiceError(w, err, "failed to delete micropost")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetPicture streams the picture attached to a micropost.
func (h *MicropostHandler) GetPicture(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "micropostID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	post, err := h.microposts.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "failed to fetch micropost")
		return
	}
	if post.PictureKey == nil || h.pictures == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	body, err := h.pictures.Open(r.Context(), *post.PictureKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch picture")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", storage.PictureContentType(*post.PictureKey))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

// Feed returns the signed-in user's feed, newest first.
func (h *MicropostHandler) Feed(w http.ResponseWriter, r *http.Request) {
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor, _ := currentUser(r.Context())
	items, err := h.graph.FeedScope(r.Context(), actor.ID, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load feed")
		return
	}

	writeJSON(w, http.StatusOK, newListResponse(items, page, limit, 0))
}

// pictureUpload sniffs the content type rather than trusting the client.
func pictureUpload(file io.Reader, size int64) (*storage.Upload, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	head = head[:n]
	contentType, _, _ := strings.Cut(http.DetectContentType(head), ";")

	return &storage.Upload{
		Body:        io.MultiReader(bytes.NewReader(head), file),
		Size:        size,
		ContentType: contentType,
	}, nil
}

type CreateMicropostRequest struct {
	Content string `json:"content"`
}
