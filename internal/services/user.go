package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/amaterasu/apiserver/internal/auth"
	"github.com/amaterasu/apiserver/internal/store"
	"github.com/amaterasu/apiserver/types"
	"golang.org/x/sync/semaphore"
)

// Store is the persistence boundary shared by the services. Reads go through
// Repositories; every mutation runs inside InTx.
type Store interface {
	Repositories() store.Repos
	InTx(ctx context.Context, fn func(ctx context.Context, repos store.Repos) error) error
}

// Mailer delivers raw activation and reset tokens to the account owner.
type Mailer interface {
	DeliverActivation(ctx context.Context, user types.User, rawToken string) error
	DeliverReset(ctx context.Context, user types.User, rawToken string) error
}

const (
	mailTimeout     = 30 * time.Second
	maxInflightMail = 16
)

// UserOptions tunes credential hashing and token lifetimes.
type UserOptions struct {
	BcryptCost int
	// ActivationTTL of zero disables activation token expiry.
	ActivationTTL time.Duration
	ResetTTL      time.Duration
}

// UserService implements the user registry: sign up, activation, profile
// updates, password resets and account destruction.
type UserService struct {
	store    Store
	mailer   Mailer
	pictures PictureStore
	log      *slog.Logger
	opts     UserOptions
	now      func() time.Time

	mailSlots  *semaphore.Weighted
	deliveries sync.WaitGroup
}

// NewUserService wires the registry. pictures may be nil when object storage is disabled.
func NewUserService(st Store, mailer Mailer, pictures PictureStore, log *slog.Logger, opts UserOptions) *UserService {
	return &UserService{
		store:     st,
		mailer:    mailer,
		pictures:  pictures,
		log:       log,
		opts:      opts,
		now:       time.Now,
		mailSlots: semaphore.NewWeighted(maxInflightMail),
	}
}

func (s *UserService) GetByID(ctx context.Context, id int64) (types.User, error) {
	return s.store.Repositories().Users.GetByID(ctx, id)
}

func (s *UserService) GetByEmail(ctx context.Context, email string) (types.User, error) {
	return s.store.Repositories().Users.GetByEmail(ctx, NormalizeEmail(email))
}

// List returns a page of activated users and the total count.
func (s *UserService) List(ctx context.Context, offset, limit int) ([]types.User, int, error) {
	return s.store.Repositories().Users.ListActivated(ctx, offset, limit)
}

// Profile returns the user with aggregate counts. When viewerID names
// another user, Following reports whether the viewer follows them.
func (s *UserService) Profile(ctx context.Context, id, viewerID int64) (types.Profile, error) {
	repos := s.store.Repositories()
	user, err := repos.Users.GetByID(ctx, id)
	if err != nil {
		return types.Profile{}, err
	}

	profile := types.Profile{User: user}
	if profile.FollowingCount, err = repos.Relationships.CountFollowing(ctx, id); err != nil {
		return types.Profile{}, err
	}
	if profile.FollowerCount, err = repos.Relationships.CountFollowers(ctx, id); err != nil {
		return types.Profile{}, err
	}
	if profile.MicropostCount, err = repos.Microposts.CountByUser(ctx, id); err != nil {
		return types.Profile{}, err
	}
	if viewerID > 0 && viewerID != id {
		following, err := repos.Relationships.Exists(ctx, viewerID, id)
		if err != nil {
			return types.Profile{}, err
		}
		profile.Following = &following
	}
	return profile, nil
}

// Create registers a pending user and hands a fresh activation token to the mailer.
func (s *UserService) Create(ctx context.Context, attrs types.NewUser) (types.User, error) {
	attrs.Email = NormalizeEmail(attrs.Email)
	attrs.FirstName = strings.TrimSpace(attrs.FirstName)
	attrs.LastName = strings.TrimSpace(attrs.LastName)
	if err := validateNewUser(attrs); err != nil {
		return types.User{}, err
	}

	digest, err := auth.HashPassword(attrs.Password, s.opts.BcryptCost)
	if err != nil {
		return types.User{}, fmt.Errorf("hash password: %w", err)
	}
	raw, activationDigest, err := auth.IssueToken()
	if err != nil {
		return types.User{}, fmt.Errorf("issue activation token: %w", err)
	}
	sentAt := s.now().UTC()

	var user types.User
	err = s.store.InTx(ctx, func(ctx context.Context, repos store.Repos) error {
		var err error
		user, err = repos.Users.Create(ctx, types.User{
			Email:            attrs.Email,
			FirstName:        attrs.FirstName,
			LastName:         attrs.LastName,
			PasswordDigest:   digest,
			ActivationDigest: &activationDigest,
			ActivationSentAt: &sentAt,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return types.User{}, fieldError("email", "has already been taken")
		}
		return types.User{}, err
	}

	s.deliver(ctx, "activation", user, func(ctx context.Context) error {
		return s.mailer.DeliverActivation(ctx, user, raw)
	})
	return user, nil
}

// Activate consumes an activation token and moves the account to active.
// A token works once; a second use yields ErrInvalidToken.
func (s *UserService) Activate(ctx context.Context, email, rawToken string) (types.User, error) {
	var user types.User
	err := s.store.InTx(ctx, func(ctx context.Context, repos store.Repos) error {
		var err error
		user, err = repos.Users.GetByEmail(ctx, NormalizeEmail(email))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidToken
			}
			return err
		}
		if user.Activated || user.ActivationDigest == nil || !auth.VerifyToken(rawToken, *user.ActivationDigest) {
			return ErrInvalidToken
		}
		if s.expired(user.ActivationSentAt, s.opts.ActivationTTL) {
			return ErrExpired
		}

		now := s.now().UTC()
		ok, err := repos.Users.Activate(ctx, user.ID, *user.ActivationDigest, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidToken
		}
		user.Activated = true
		user.ActivatedAt = &now
		user.ActivationDigest = nil
		user.ActivationSentAt = nil
		return nil
	})
	if err != nil {
		return types.User{}, err
	}
	return user, nil
}

// ResendActivation rotates the activation token of a pending account. Unknown
// and already active emails succeed silently.
func (s *UserService) ResendActivation(ctx context.Context, email string) error {
	raw, digest, err := auth.IssueToken()
	if err != nil {
		return fmt.Errorf("issue activation token: %w", err)
	}

	var (
		user types.User
		sent bool
	)
	err = s.store.InTx(ctx, func(ctx context.Context, repos store.Repos) error {
		var err error
		user, err = repos.Users.GetByEmail(ctx, NormalizeEmail(email))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if user.Activated {
			return nil
		}
		sent = true
		return repos.Users.SetActivationDigest(ctx, user.ID, digest, s.now())
	})
	if err != nil || !sent {
		return err
	}

	s.deliver(ctx, "activation", user, func(ctx context.Context) error {
		return s.mailer.DeliverActivation(ctx, user, raw)
	})
	return nil
}

// Update applies the whitelisted profile attributes on behalf of actor.
// Users may only update themselves and must confirm their current password.
func (s *UserService) Update(ctx context.Context, actorID, id int64, attrs types.UserUpdate) (types.User, error) {
	if actorID != id {
		return types.User{}, ErrForbidden
	}

	attrs.Email = mapString(attrs.Email, NormalizeEmail)
	attrs.FirstName = mapString(attrs.FirstName, strings.TrimSpace)
	attrs.LastName = mapString(attrs.LastName, strings.TrimSpace)
	if err := validateUserUpdate(attrs); err != nil {
		return types.User{}, err
	}

	var newDigest string
	if attrs.Password != "" {
		digest, err := auth.HashPassword(attrs.Password, s.opts.BcryptCost)
		if err != nil {
			return types.User{}, fmt.Errorf("hash password: %w", err)
		}
		newDigest = digest
	}

	var user types.User
	err := s.store.InTx(ctx, func(ctx context.Context, repos store.Repos) error {
		var err error
		user, err = repos.Users.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !auth.VerifyPassword(attrs.CurrentPassword, user.PasswordDigest) {
			return fieldError("current_password", "is incorrect")
		}

		if attrs.Email != nil {
			user.Email = *attrs.Email
		}
		if attrs.FirstName != nil {
			user.FirstName = *attrs.FirstName
		}
		if attrs.LastName != nil {
			user.LastName = *attrs.LastName
		}
		if newDigest != "" {
			user.PasswordDigest = newDigest
		}

		user, err = repos.Users.Update(ctx, user)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return types.User{}, fieldError("email", "has already been taken")
		}
		return types.User{}, err
	}
	return user, nil
}

// DestroyAs destroys the account id on behalf of actor. Only admins may
// destroy accounts and never their own.
func (s *UserService) DestroyAs(ctx context.Context, actor types.User, id int64) error {
	if !actor.Admin || actor.ID == id {
		return ErrForbidden
	}
	return s.Destroy(ctx, id)
}

// Destroy removes the user, every follow edge in either role and every owned
// micropost in one transaction. Attached pictures are removed after commit.
func (s *UserService) Destroy(ctx context.Context, id int64) error {
	var pictureKeys []string
	err := s.store.InTx(ctx, func(ctx context.Context, repos store.Repos) error {
		var err error
		if pictureKeys, err = repos.Microposts.PictureKeysByUser(ctx, id); err != nil {
			return err
		}
		if _, err := repos.Relationships.DeleteByUser(ctx, id); err != nil {
			return fmt.Errorf("delete relationships: %w", err)
		}
		if _, err := repos.Microposts.DeleteByUser(ctx, id); err != nil {
			return fmt.Errorf("delete microposts: %w", err)
		}
		return repos.Users.Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	if s.pictures != nil && len(pictureKeys) > 0 {
		if err := s.pictures.Remove(ctx, pictureKeys...); err != nil {
			s.log.WarnContext(ctx, "failed to remove pictures of destroyed user",
				"user_id", id, "count", len(pictureKeys), "error", err)
		}
	}
	s.log.InfoContext(ctx, "user destroyed", "user_id", id)
	return nil
}

func mapString(p *string, fn func(string) string) *string {
	if p == nil {
		return nil
	}
	v := fn(*p)
	return &v
}

func (s *UserService) expired(sentAt *time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	if sentAt == nil {
		return true
	}
	return s.now().Sub(*sentAt) > ttl
}

// deliver hands the mail to a background goroutine and returns at once.
// At most maxInflightMail deliveries run concurrently. Failures are logged
// and never retried.
func (s *UserService) deliver(ctx context.Context, kind string, user types.User, send func(ctx context.Context) error) {
	if s.mailer == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		ctx, cancel := context.WithTimeout(ctx, mailTimeout)
		defer cancel()
		if err := s.mailSlots.Acquire(ctx, 1); err != nil {
			s.log.WarnContext(ctx, "mail delivery dropped", "kind", kind, "user_id", user.ID, "error", err)
			return
		}
		defer s.mailSlots.Release(1)
		if err := send(ctx); err != nil {
			s.log.WarnContext(ctx, "mail delivery failed", "kind", kind, "user_id", user.ID, "error", err)
		}
	}()
}

// WaitForMail blocks until every queued delivery has finished.
func (s *UserService) WaitForMail() {
	s.deliveries.Wait()
}
