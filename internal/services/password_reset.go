package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/amaterasu/apiserver/internal/auth"
	"github.com/amaterasu/apiserver/internal/store"
	"github.com/amaterasu/apiserver/types"
)

// RequestReset issues a password reset token for email and hands it to the
// mailer. Unknown emails succeed silently.
func (s *UserService) RequestReset(ctx context.Context, email string) error {
	raw, digest, err := auth.IssueToken()
	if err != nil {
		return fmt.Errorf("issue reset token: %w", err)
	}

	var (
		user  types.User
		found bool
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
		found = true
		return repos.Users.SetResetDigest(ctx, user.ID, digest, s.now())
	})
	if err != nil || !found {
		return err
	}

	s.deliver(ctx, "reset", user, func(ctx context.Context) error {
		return s.mailer.DeliverReset(ctx, user, raw)
	})
	return nil
}

// ResetPassword sets a new password using a reset token. The token is
// consumed and any remember digest is cleared.
func (s *UserService) ResetPassword(ctx context.Context, email, rawToken, password, confirmation string) (types.User, error) {
	if err := validatePasswordChange(passwordChange{Password: password, PasswordConfirmation: confirmation}); err != nil {
		return types.User{}, err
	}
	digest, err := auth.HashPassword(password, s.opts.BcryptCost)
	if err != nil {
		return types.User{}, fmt.Errorf("hash password: %w", err)
	}

	var user types.User
	err = s.store.InTx(ctx, func(ctx context.Context, repos store.Repos) error {
		var err error
		user, err = repos.Users.GetByEmail(ctx, NormalizeEmail(email))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidToken
			}
			return err
		}
		if !user.Activated || user.ResetDigest == nil || !auth.VerifyToken(rawToken, *user.ResetDigest) {
			return ErrInvalidToken
		}
		if s.expired(user.ResetSentAt, s.opts.ResetTTL) {
			return ErrExpired
		}

		ok, err := repos.Users.ResetPassword(ctx, user.ID, *user.ResetDigest, digest)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidToken
		}
		user.PasswordDigest = digest
		user.ResetDigest = nil
		user.ResetSentAt = nil
		user.RememberDigest = nil
		return nil
	})
	if err != nil {
		return types.User{}, err
	}
	return user, nil
}
