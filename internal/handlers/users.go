package handlers

import (
	"context"
	"net/http"

	"github.com/amaterasu/apiserver/internal/services"
	"github.com/amaterasu/apiserver/types"
	"github.com/go-chi/chi/v5"
)

// UserHandler serves the user directory, profiles and account management.
type UserHandler struct {
	users      *services.UserService
	graph      *services.GraphService
	microposts *services.MicropostService
	sessions   *Sessions
}

func NewUserHandler(users *services.UserService, graph *services.GraphService, microposts *services.MicropostService, sessions *Sessions) *UserHandler {
	return &UserHandler{users: users, graph: graph, microposts: microposts, sessions: sessions}
}

// ProfileResponse is a profile as served over HTTP.
type ProfileResponse struct {
	User           types.PublicUser `json:"user"`
	FollowingCount int              `json:"following_count"`
	FollowerCount  int              `json:"follower_count"`
	MicropostCount int              `json:"micropost_count"`
	Following      *bool            `json:"following,omitempty"`
}

// UserRouter registers user routes on the given router.
func UserRouter(r chi.Router, h *UserHandler) {
	r.With(h.sessions.RequireUser).Get("/", h.ListUsers)
	r.Route("/{userID}", func(r chi.Router) {
		r.Get("/", h.GetUser)
		r.Get("/microposts", h.ListMicroposts)
		r.With(h.sessions.RequireUser).Patch("/", h.UpdateUser)
		r.With(h.sessions.RequireUser).Delete("/", h.DeleteUser)
		r.With(h.sessions.RequireUser).Get("/following", h.ListFollowing)
		r.With(h.sessions.RequireUser).Get("/followers", h.ListFollowers)
	})
}

func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := h.users.List(r.Context(), offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	writeJSON(w, http.StatusOK, newListResponse(publicUsers(items), page, limit, total))
}

// GetUser returns a profile. Pending accounts are only visible to themselves.
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var viewerID int64
	if viewer, ok := currentUser(r.Context()); ok {
		viewerID = viewer.ID
	}

	profile, err := h.users.Profile(r.Context(), id, viewerID)
	if err != nil {
		writeServiceError(w, err, "failed to fetch user")
		return
	}
	owner := profile.User.ID == viewerID
	if !profile.User.Activated && !owner {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	resp := ProfileResponse{
		User:           profile.User.Public(),
		FollowingCount: profile.FollowingCount,
		FollowerCount:  profile.FollowerCount,
		MicropostCount: profile.MicropostCount,
		Following:      profile.Following,
	}
	if owner {
		resp.User.Email = profile.User.Email
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req types.UserUpdate
	if !decodeJSON(w, r, &req) {
		return
	}

	actor, _ := currentUser(r.Context())
	updated, err := h.users.Update(r.Context(), actor.ID, id, req)
	if err != nil {
		writeServiceError(w, err, "failed to update user")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor, _ := currentUser(r.Context())
	if err := h.users.DestroyAs(r.Context(), actor, id); err != nil {
		writeServiceError(w, err, "failed to delete user")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *UserHandler) ListFollowing(w http.ResponseWriter, r *http.Request) {
	h.listUsers(w, r, h.graph.Following)
}

func (h *UserHandler) ListFollowers(w http.ResponseWriter, r *http.Request) {
	h.listUsers(w, r, h.graph.Followers)
}

func (h *UserHandler) ListMicroposts(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := h.microposts.ListByUser(r.Context(), id, offset, limit)
	if err != nil {
		writeServiceError(w, err, "failed to list microposts")
		return
	}

	writeJSON(w, http.StatusOK, newListResponse(items, page, limit, 0))
}

func (h *UserHandler) listUsers(
	w http.ResponseWriter,
	r *http.Request,
	list func(ctx context.Context, userID int64, offset, limit int) ([]types.User, error),
) {
	id, err := parseID(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := list(r.Context(), id, offset, limit)
	if err != nil {
		writeServiceError(w, err, "failed to list users")
		return
	}

	writeJSON(w, http.StatusOK, newListResponse(publicUsers(items), page, limit, 0))
}

func publicUsers(users []types.User) []types.PublicUser {
	out := make([]types.PublicUser, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	return out
}
