package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/amaterasu/apiserver/internal/auth"
	"github.com/amaterasu/apiserver/internal/store"
	"github.com/amaterasu/apiserver/types"
)

// Session is the sign-in state of a single request. It starts anonymous and
// is never shared between requests.
type Session struct {
	user *types.User

	resumedFromRemember bool
	staleRemember       bool
	returnTo            string
}

// NewSession returns an anonymous session.
func NewSession() *Session {
	return &Session{}
}

// User returns the signed-in user, if any.
func (s *Session) User() (types.User, bool) {
	if s == nil || s.user == nil {
		return types.User{}, false
	}
	return *s.user, true
}

func (s *Session) SignedIn() bool {
	return s != nil && s.user != nil
}

// ResumedFromRemember reports whether the user was restored from the
// remember credential rather than a live session.
func (s *Session) ResumedFromRemember() bool {
	return s.resumedFromRemember
}

// StaleRemember reports whether the client holds a remember credential that
// no longer matches and must be cleared.
func (s *Session) StaleRemember() bool {
	return s.staleRemember
}

// SetReturnTo records where the client should go after signing in.
func (s *Session) SetReturnTo(location string) {
	s.returnTo = location
}

func (s *Session) ReturnTo() string {
	return s.returnTo
}

// Evidence is what the client presented to prove an existing sign-in.
// Zero ids mean the corresponding credential was absent or unreadable.
type Evidence struct {
	SessionUserID  int64
	RememberUserID int64
	RememberToken  string
}

// SessionManager implements sign in, remember me and sign out on top of
// the credential and token primitives.
type SessionManager struct {
	store Store
	log   *slog.Logger

	bcryptCost int
	verify     func(plain, digest string) bool

	// decoy is the digest checked for unknown emails. Both failure paths
	// cost one bcrypt comparison.
	decoyOnce sync.Once
	decoy     string
}

func NewSessionManager(st Store, log *slog.Logger, bcryptCost int) *SessionManager {
	return &SessionManager{
		store:      st,
		log:        log,
		bcryptCost: bcryptCost,
		verify:     auth.VerifyPassword,
	}
}

func (m *SessionManager) decoyDigest() string {
	m.decoyOnce.Do(func() {
		raw, _, err := auth.IssueToken()
		if err == nil {
			m.decoy, err = auth.HashPassword(raw, m.bcryptCost)
		}
		if err != nil {
			m.log.Error("hash decoy password", "error", err)
		}
	})
	return m.decoy
}

// AuthenticateCredentials verifies an email and password pair. Unknown emails
// and wrong passwords both yield ErrAuthFailure. Correct credentials for a
// pending account yield ErrAccountNotActivated.
func (m *SessionManager) AuthenticateCredentials(ctx context.Context, email, password string) (types.User, error) {
	user, err := m.store.Repositories().Users.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.verify(password, m.decoyDigest())
			return types.User{}, ErrAuthFailure
		}
		return types.User{}, err
	}
	if !m.verify(password, user.PasswordDigest) {
		return types.User{}, ErrAuthFailure
	}
	if !user.Activated {
		return types.User{}, ErrAccountNotActivated
	}
	return user, nil
}

// SignIn binds the session to user. Nothing is persisted.
func (m *SessionManager) SignIn(sess *Session, user types.User) {
	sess.user = &user
	sess.staleRemember = false
}

// Remember issues a remember token, stores its digest on the user and returns
// the raw token for the client credential. Any previous token stops working.
func (m *SessionManager) Remember(ctx context.Context, user types.User) (string, error) {
	raw, digest, err := auth.IssueToken()
	if err != nil {
		return "", fmt.Errorf("issue remember token: %w", err)
	}
	err = m.store.InTx(ctx, func(ctx context.Context, repos store.Repos) error {
		return repos.Users.SetRememberDigest(ctx, user.ID, &digest)
	})
	if err != nil {
		return "", err
	}
	return raw, nil
}

// Forget clears the stored remember digest of user.
func (m *SessionManager) Forget(ctx context.Context, user types.User) error {
	return m.store.InTx(ctx, func(ctx context.Context, repos store.Repos) error {
		err := repos.Users.SetRememberDigest(ctx, user.ID, nil)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
}

// ResumeSession restores the sign-in from the evidence. A live session wins;
// otherwise the remember credential is checked against the stored digest. A
// remember credential that fails the check marks the session so the caller
// clears it, and the session stays anonymous.
func (m *SessionManager) ResumeSession(ctx context.Context, sess *Session, ev Evidence) (*types.User, error) {
	users := m.store.Repositories().Users

	if ev.SessionUserID > 0 {
		user, err := users.GetByID(ctx, ev.SessionUserID)
		switch {
		case err == nil:
			m.SignIn(sess, user)
			return &user, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	if ev.RememberUserID <= 0 {
		return nil, nil
	}

	user, err := users.GetByID(ctx, ev.RememberUserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil || user.RememberDigest == nil || !auth.VerifyToken(ev.RememberToken, *user.RememberDigest) {
		sess.staleRemember = true
		m.log.DebugContext(ctx, "stale remember credential", "user_id", ev.RememberUserID)
		return nil, nil
	}

	m.SignIn(sess, user)
	sess.resumedFromRemember = true
	return &user, nil
}

// SignOut forgets the signed-in user, if any, and clears the session binding.
func (m *SessionManager) SignOut(ctx context.Context, sess *Session) error {
	if user, ok := sess.User(); ok {
		if err := m.Forget(ctx, user); err != nil {
			return err
		}
	}
	sess.user = nil
	sess.resumedFromRemember = false
	return nil
}
