package services

import (
	"context"

	"github.com/amaterasu/apiserver/internal/store"
	"github.com/amaterasu/apiserver/types"
)

// Outcome is the result of an idempotent graph mutation.
type Outcome string

const (
	OutcomeOK   Outcome = "ok"
	OutcomeNoOp Outcome = "noop"
)

// GraphService manages directed follow edges between users.
type GraphService struct {
	store Store
}

func NewGraphService(st Store) *GraphService {
	return &GraphService{store: st}
}

// Follow creates the edge follower -> followed. Self follows and existing
// edges are no-ops. A missing followed user yields store.ErrNotFound.
func (g *GraphService) Follow(ctx context.Context, followerID, followedID int64) (Outcome, error) {
	if followerID == followedID {
		return OutcomeNoOp, nil
	}

	outcome := OutcomeNoOp
	err := g.store.InTx(ctx, func(ctx context.Context, repos store.Repos) error {
		if _, err := repos.Users.GetByID(ctx, followedID); err != nil {
			return err
		}
		created, err := repos.Relationships.Create(ctx, followerID, followedID)
		if err != nil {
			return err
		}
		if created {
			outcome = OutcomeOK
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// Unfollow removes the edge follower -> followed. A missing edge is a no-op.
func (g *GraphService) Unfollow(ctx context.Context, followerID, followedID int64) (Outcome, error) {
	outcome := OutcomeNoOp
	err := g.store.InTx(ctx, func(ctx context.Context, repos store.Repos) error {
		deleted, err := repos.Relationships.Delete(ctx, followerID, followedID)
		if err != nil {
			return err
		}
		if deleted {
			outcome = OutcomeOK
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// UnfollowRelationship removes the edge with the given id on behalf of
// actorID, who must be its follower. A missing edge is a no-op.
func (g *GraphService) UnfollowRelationship(ctx context.Context, actorID, relationshipID int64) (types.Relationship, Outcome, error) {
	rel, err := g.store.Repositories().Relationships.Get(ctx, relationshipID)
	if err != nil {
		return types.Relationship{}, "", err
	}
	if rel.FollowerID != actorID {
		return types.Relationship{}, "", ErrForbidden
	}
	outcome, err := g.Unfollow(ctx, rel.FollowerID, rel.FollowedID)
	if err != nil {
		return types.Relationship{}, "", err
	}
	return rel, outcome, nil
}

// Relationship returns the edge follower -> followed.
func (g *GraphService) Relationship(ctx context.Context, followerID, followedID int64) (types.Relationship, error) {
	return g.store.Repositories().Relationships.Find(ctx, followerID, followedID)
}

func (g *GraphService) IsFollowing(ctx context.Context, followerID, followedID int64) (bool, error) {
	return g.store.Repositories().Relationships.Exists(ctx, followerID, followedID)
}

func (g *GraphService) FollowingCount(ctx context.Context, userID int64) (int, error) {
	return g.store.Repositories().Relationships.CountFollowing(ctx, userID)
}

func (g *GraphService) FollowerCount(ctx context.Context, userID int64) (int, error) {
	return g.store.Repositories().Relationships.CountFollowers(ctx, userID)
}

// Following lists the users userID follows.
func (g *GraphService) Following(ctx context.Context, userID int64, offset, limit int) ([]types.User, error) {
	if _, err := g.store.Repositories().Users.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	return g.store.Repositories().Relationships.ListFollowing(ctx, userID, offset, limit)
}

// Followers lists the users following userID.
func (g *GraphService) Followers(ctx context.Context, userID int64, offset, limit int) ([]types.User, error) {
	if _, err := g.store.Repositories().Users.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	return g.store.Repositories().Relationships.ListFollowers(ctx, userID, offset, limit)
}

// FeedScope returns microposts authored by userID or anyone userID follows
// at the time of the call, newest first.
func (g *GraphService) FeedScope(ctx context.Context, userID int64, offset, limit int) ([]types.Micropost, error) {
	return g.store.Repositories().Microposts.Feed(ctx, userID, offset, limit)
}
