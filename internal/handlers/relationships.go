package handlers

import (
	"errors"
	"net/http"

	"github.com/amaterasu/apiserver/internal/metrics"
	"github.com/amaterasu/apiserver/internal/services"
	"github.com/amaterasu/apiserver/internal/store"
	"github.com/go-chi/chi/v5"
)

// RelationshipHandler exposes follow and unfollow. Both are idempotent and
// report whether anything changed.
type RelationshipHandler struct {
	graph    *services.GraphService
	sessions *Sessions
	metrics  *metrics.Metrics
}

func NewRelationshipHandler(graph *services.GraphService, sessions *Sessions, m *metrics.Metrics) *RelationshipHandler {
	return &RelationshipHandler{graph: graph, sessions: sessions, metrics: m}
}

// RelationshipRouter registers relationship routes on the given router.
func RelationshipRouter(r chi.Router, h *RelationshipHandler) {
	r.Use(h.sessions.RequireUser)
	r.Post("/", h.Follow)
	r.Delete("/{relationshipID}", h.Unfollow)
}

func (h *RelationshipHandler) Follow(w http.ResponseWriter, r *http.Request) {
	var req FollowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.FollowedID < 1 {
		writeError(w, http.StatusBadRequest, "invalid followed_id")
		return
	}

	ctx := r.Context()
	actor, _ := currentUser(ctx)
	outcome, err := h.graph.Follow(ctx, actor.ID, req.FollowedID)
	if err != nil {
		writeServiceError(w, err, "failed to follow user")
		return
	}
	h.metrics.GraphMutation("follow", string(outcome))

	resp := RelationshipResponse{Outcome: string(outcome)}
	if rel, err := h.graph.Relationship(ctx, actor.ID, req.FollowedID); err == nil {
		resp.ID = rel.ID
		resp.FollowedID = rel.FollowedID
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "failed to load relationship")
		return
	}
	if resp.FollowedID == 0 {
		resp.FollowedID = req.FollowedID
	}
	resp.FollowerCount, err = h.graph.FollowerCount(ctx, req.FollowedID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count followers")
		return
	}

	status := http.StatusOK
	if outcome == services.OutcomeOK {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// Unfollow removes the caller's relationship by id. A relationship that is
// already gone reports a no-op.
func (h *RelationshipHandler) Unfollow(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "relationshipID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	actor, _ := currentUser(ctx)
	rel, outcome, err := h.graph.UnfollowRelationship(ctx, actor.ID, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.metrics.GraphMutation("unfollow", string(services.OutcomeNoOp))
		writeJSON(w, http.StatusOK, RelationshipResponse{Outcome: string(services.OutcomeNoOp)})
		return
	case err != nil:
		writeServiceError(w, err, "failed to unfollow user")
		return
	}
	h.metrics.GraphMutation("unfollow", string(outcome))

	count, err := h.graph.FollowerCount(ctx, rel.FollowedID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count followers")
		return
	}
	writeJSON(w, http.StatusOK, RelationshipResponse{
		Outcome:       string(outcome),
		FollowedID:    rel.FollowedID,
		FollowerCount: count,
	})
}

type FollowRequest struct {
	FollowedID int64 `json:"followed_id"`
}

type RelationshipResponse struct {
	ID            int64  `json:"id,omitempty"`
	FollowedID    int64  `json:"followed_id,omitempty"`
	Outcome       string `json:"outcome"`
	FollowerCount int    `json:"follower_count"`
}
